package providers_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/abe/provider"
	_ "github.com/drblury/abe/provider/providers"
)

func TestAllProvidersRegistered(t *testing.T) {
	assert.Equal(t, []string{
		"channel", "http", "kafka", "memory", "nats", "postgres", "rabbitmq", "sns", "sqs",
	}, provider.Names())
}

func TestCapabilitiesNamed(t *testing.T) {
	for _, name := range provider.Names() {
		assert.Equal(t, name, provider.GetCapabilities(name).Name)
	}
}
