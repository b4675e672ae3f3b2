// Package providers imports every built-in provider for registration with
// the default registry. Binaries that select their backend from
// QUEUE_BACKEND import it for side effects:
//
//	import _ "github.com/drblury/abe/provider/providers"
package providers

import (
	_ "github.com/drblury/abe/provider/channel"
	_ "github.com/drblury/abe/provider/http"
	_ "github.com/drblury/abe/provider/kafka"
	_ "github.com/drblury/abe/provider/memory"
	_ "github.com/drblury/abe/provider/nats"
	_ "github.com/drblury/abe/provider/postgres"
	_ "github.com/drblury/abe/provider/rabbitmq"
	_ "github.com/drblury/abe/provider/sns"
	_ "github.com/drblury/abe/provider/sqs"
)
