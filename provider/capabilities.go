package provider

// Capabilities describes the features supported by a provider. Use it to
// introspect what a backend can do at runtime.
type Capabilities struct {
	// Name is the human-readable name of the provider.
	Name string

	// SupportsAck indicates the broker learns about acknowledgements. When
	// false Ack only updates local bookkeeping.
	SupportsAck bool

	// SupportsRequeue indicates Reject(id, true) redelivers the message.
	SupportsRequeue bool

	// SupportsGroups indicates ConsumeOptions.Group is honoured.
	SupportsGroups bool

	// SupportsOrdering indicates deliveries from one stream arrive in publish order.
	SupportsOrdering bool

	// SupportsAttemptCount indicates Message.Attempt reflects real redeliveries.
	SupportsAttemptCount bool

	// Persistent indicates messages survive a provider restart.
	Persistent bool

	// MaxMessageSize is the maximum encoded payload size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// RequiresAttemptEmulation reports whether the engine cannot rely on
// Message.Attempt for retry ceilings.
func (c Capabilities) RequiresAttemptEmulation() bool {
	return !c.SupportsAttemptCount
}

// SupportsReliableDelivery returns true if the provider supports
// at-least-once delivery semantics (ack + requeue).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsRequeue
}

// Predefined capability sets for the built-in providers.
var (
	MemoryCapabilities = Capabilities{
		Name:                 "memory",
		SupportsAck:          true,
		SupportsRequeue:      true,
		SupportsOrdering:     true,
		SupportsAttemptCount: true,
	}

	ChannelCapabilities = Capabilities{
		Name:                 "channel",
		SupportsAck:          true,
		SupportsRequeue:      true,
		SupportsOrdering:     true,
		SupportsAttemptCount: true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsAck:          true,
		SupportsRequeue:      true,
		SupportsGroups:       true,
		SupportsOrdering:     true,
		SupportsAttemptCount: true,
		Persistent:           true,
		MaxMessageSize:       1048576, // Default 1MB
	}

	RabbitMQCapabilities = Capabilities{
		Name:                 "rabbitmq",
		SupportsAck:          true,
		SupportsRequeue:      true,
		SupportsOrdering:     true,
		SupportsAttemptCount: true,
		Persistent:           true,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		SupportsGroups: true,
		MaxMessageSize: 1048576, // Default 1MB
	}

	HTTPCapabilities = Capabilities{
		Name: "http",
	}

	SNSCapabilities = Capabilities{
		Name:                 "sns",
		SupportsAck:          true,
		SupportsRequeue:      true,
		SupportsGroups:       true,
		SupportsAttemptCount: true,
		Persistent:           true,
		MaxMessageSize:       262144, // 256KB
	}

	SQSCapabilities = Capabilities{
		Name:                 "sqs",
		SupportsAck:          true,
		SupportsRequeue:      true,
		SupportsAttemptCount: true,
		Persistent:           true,
		MaxMessageSize:       262144, // 256KB
	}

	PostgresCapabilities = Capabilities{
		Name:                 "postgres",
		SupportsAck:          true,
		SupportsRequeue:      true,
		SupportsOrdering:     true,
		SupportsAttemptCount: true,
		Persistent:           true,
	}
)
