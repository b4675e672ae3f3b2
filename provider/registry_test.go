package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	env Environment
}

func (s *stubProvider) Open(context.Context) error                              { return nil }
func (s *stubProvider) Close() error                                            { return nil }
func (s *stubProvider) Publish(context.Context, string, Payload) error          { return nil }
func (s *stubProvider) Consume(context.Context, ConsumeOptions) (Stream, error) { return nil, nil }
func (s *stubProvider) Ack(context.Context, string) error                       { return nil }
func (s *stubProvider) Reject(context.Context, string, bool) error              { return nil }

func stubFactory(ctx context.Context, env Environment, logger watermill.LoggerAdapter) (Provider, error) {
	return &stubProvider{env: env}, nil
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.NotNil(t, reg)
	assert.Empty(t, reg.Names())
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Register(Descriptor{Name: "stub", Factory: stubFactory}))
	assert.True(t, reg.Has("stub"))
	assert.Contains(t, reg.Names(), "stub")

	desc, ok := reg.Lookup("stub")
	require.True(t, ok)
	assert.Equal(t, "stub", desc.Capabilities.Name, "capability name defaults to descriptor name")
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Descriptor{Name: "stub", Factory: stubFactory}))

	err := reg.Register(Descriptor{Name: "stub", Factory: stubFactory})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateProvider)
	assert.Len(t, reg.Names(), 1)
}

func TestRegistry_RegisterInvalid(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Register(Descriptor{Factory: stubFactory}))
	assert.Error(t, reg.Register(Descriptor{Name: "nofactory"}))
	assert.Empty(t, reg.Names())
}

func TestRegistry_MustRegisterPanicsOnDuplicate(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(Descriptor{Name: "stub", Factory: stubFactory})

	assert.Panics(t, func() {
		reg.MustRegister(Descriptor{Name: "stub", Factory: stubFactory})
	})
}

func TestRegistry_NamesSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, reg.Register(Descriptor{Name: name, Factory: stubFactory}))
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, reg.Names())
}

func TestRegistry_Capabilities(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Descriptor{
		Name:         "memory",
		Factory:      stubFactory,
		Capabilities: MemoryCapabilities,
	}))

	assert.Equal(t, MemoryCapabilities, reg.Capabilities("memory"))
	assert.Equal(t, Capabilities{Name: "unknown"}, reg.Capabilities("unknown"))
}

func TestRegistry_Load(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Descriptor{Name: "stub", Factory: stubFactory}))

	env := Environment{"STUB_KEY": "value"}
	p, err := reg.Load(context.Background(), "stub", env, nil)
	require.NoError(t, err)

	stub, ok := p.(*stubProvider)
	require.True(t, ok)
	assert.Equal(t, "value", stub.env.Get("STUB_KEY"), "environment reaches the factory untouched")

	other, err := reg.Load(context.Background(), "stub", env, nil)
	require.NoError(t, err)
	assert.NotSame(t, p, other, "each load constructs a fresh instance")
}

func TestRegistry_LoadNotFound(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Descriptor{Name: "memory", Factory: stubFactory}))

	_, err := reg.Load(context.Background(), "nonexistent", nil, nil)
	var notFound *ProviderNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "nonexistent", notFound.Name)
	assert.Equal(t, []string{"memory"}, notFound.Available)
	assert.Contains(t, err.Error(), "memory")
}

func TestRegistry_LoadConstructionError(t *testing.T) {
	reg := NewRegistry()
	boom := errors.New("missing KAFKA_BROKERS")
	require.NoError(t, reg.Register(Descriptor{
		Name: "broken",
		Factory: func(context.Context, Environment, watermill.LoggerAdapter) (Provider, error) {
			return nil, boom
		},
	}))
	require.NoError(t, reg.Register(Descriptor{
		Name: "nil",
		Factory: func(context.Context, Environment, watermill.LoggerAdapter) (Provider, error) {
			return nil, nil
		},
	}))

	_, err := reg.Load(context.Background(), "broken", nil, nil)
	var construction *ProviderConstructionError
	require.ErrorAs(t, err, &construction)
	assert.Equal(t, "broken", construction.Name)
	assert.ErrorIs(t, err, boom)

	_, err = reg.Load(context.Background(), "nil", nil, nil)
	require.ErrorAs(t, err, &construction)
	assert.Equal(t, "nil", construction.Name)
}

func TestDefaultRegistryHelpers(t *testing.T) {
	restore := ResetDefaultRegistry()
	defer restore()

	assert.Empty(t, Names())
	require.NoError(t, Register(Descriptor{Name: "stub", Factory: stubFactory, Capabilities: ChannelCapabilities}))
	assert.Equal(t, []string{"stub"}, Names())
	assert.Equal(t, ChannelCapabilities, GetCapabilities("stub"))
	assert.Panics(t, func() { MustRegister(Descriptor{Name: "stub", Factory: stubFactory}) })
}

func TestSetDefaultRegistryRestore(t *testing.T) {
	original := DefaultRegistry()
	custom := NewRegistry()

	restore := SetDefaultRegistry(custom)
	assert.Same(t, custom, DefaultRegistry())
	restore()
	assert.Same(t, original, DefaultRegistry())
}
