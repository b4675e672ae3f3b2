// Package abe lets application code consume and publish messages without
// knowing which broker sits underneath. The concrete provider (memory, Go
// channel, Kafka, RabbitMQ, NATS, HTTP, AWS SNS/SQS, AWS SQS or PostgreSQL) is
// picked at process start from QUEUE_BACKEND and constructed from the
// environment by a registered factory.
//
// A minimal consumer loads its configuration, builds a Session and runs a
// handler against it:
//
//	conf, err := abe.LoadConfig(abe.OSEnvironment())
//	if err != nil {
//		return err
//	}
//	session, err := abe.NewSessionFromConfig(ctx, conf, logger)
//	if err != nil {
//		return err
//	}
//	return session.Run(ctx, func(ctx context.Context, payload abe.Payload) error {
//		return process(payload)
//	})
//
// # Providers
//
// Built-in providers register themselves from init(). Import
// github.com/drblury/abe/provider/providers to link all of them, or import the
// individual packages under provider/ to keep the binary small:
//   - memory: in-process queues with dead letters, the default
//   - channel: watermill gochannel
//   - kafka: consumer groups via watermill-kafka
//   - rabbitmq: durable AMQP queues
//   - nats: NATS core or JetStream
//   - http: webhook style push delivery
//   - sns: SNS topics fanned out to SQS queues
//   - sqs: native SQS with visibility timeouts and a dead-letter queue
//   - postgres: SKIP LOCKED queue table with dead letters and replay
//
// Custom providers implement Provider and register a Descriptor with
// MustRegister. The providertest package holds the contract suite every
// provider is expected to pass.
//
// # Sessions
//
// A Session processes messages sequentially. Successful handlers are
// acknowledged; failures are requeued until RetryPolicy.MaxAttempts and then
// rejected, reported once through Hooks.OnExhausted. Transient stream errors
// are retried with exponential backoff, terminal ones fail the session with a
// *SessionError.
package abe
