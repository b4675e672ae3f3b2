package sqs

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/aws/aws-sdk-go-v2/aws"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/drblury/abe/internal/runtime/ids"
	"github.com/drblury/abe/internal/runtime/jsoncodec"
	"github.com/drblury/abe/provider"
)

type stream struct {
	provider   *Provider
	client     sqsAPI
	deliveries *provider.Deliveries[receipt]
	closedChan chan struct{}
	key        string
	queueURL   string

	mu      sync.Mutex
	pending []sqstypes.Message

	once sync.Once
	done chan struct{}
}

func (s *stream) ended() bool {
	select {
	case <-s.closedChan:
		return true
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *stream) Next(ctx context.Context) (provider.Message, error) {
	for {
		if s.ended() {
			return provider.Message{}, provider.ErrStreamClosed
		}
		if err := ctx.Err(); err != nil {
			return provider.Message{}, err
		}

		if raw, ok := s.pop(); ok {
			msg, ok := s.deliver(raw)
			if !ok {
				continue
			}
			return msg, nil
		}

		if err := s.receive(ctx); err != nil {
			return provider.Message{}, err
		}
	}
}

func (s *stream) pop() (sqstypes.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return sqstypes.Message{}, false
	}
	raw := s.pending[0]
	s.pending = s.pending[1:]
	return raw, true
}

// receive long-polls once and buffers whatever arrives.
func (s *stream) receive(ctx context.Context) error {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.closedChan:
			cancel()
		case <-s.done:
			cancel()
		case <-reqCtx.Done():
		}
	}()

	cfg := s.provider.cfg
	out, err := s.client.ReceiveMessage(reqCtx, &amazonsqs.ReceiveMessageInput{
		QueueUrl:              aws.String(s.queueURL),
		MaxNumberOfMessages:   cfg.MaxMessages,
		WaitTimeSeconds:       cfg.WaitTimeSeconds,
		VisibilityTimeout:     cfg.VisibilityTimeout,
		MessageAttributeNames: []string{"All"},
		AttributeNames:        []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameAll},
	})
	if err != nil {
		if s.ended() {
			return provider.ErrStreamClosed
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return provider.NewTransientError(s.key, err)
	}

	s.mu.Lock()
	s.pending = append(s.pending, out.Messages...)
	s.mu.Unlock()
	return nil
}

func (s *stream) deliver(raw sqstypes.Message) (provider.Message, bool) {
	r := receipt{
		queueURL:      s.queueURL,
		receiptHandle: aws.ToString(raw.ReceiptHandle),
		messageID:     aws.ToString(raw.MessageId),
		body:          aws.ToString(raw.Body),
		key:           s.key,
	}

	payload, err := jsoncodec.UnmarshalObject([]byte(r.body))
	if err != nil {
		s.provider.logger.Error("Dropping undecodable SQS message", err, watermill.LogFields{
			"queue":      s.queueURL,
			"message_id": r.messageID,
		})
		ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		defer cancel()
		if dlqErr := s.provider.deadLetter(ctx, s.client, r); dlqErr != nil {
			s.provider.logger.Error("Failed to drop undecodable SQS message", dlqErr, nil)
		}
		return provider.Message{}, false
	}

	metadata := map[string]string{"message_id": r.messageID}
	for name, attr := range raw.MessageAttributes {
		if attr.StringValue != nil {
			metadata[name] = *attr.StringValue
		}
	}

	msg := provider.Message{
		ID:         ids.New(),
		Key:        s.key,
		Payload:    provider.Payload(payload),
		EnqueuedAt: sentTimestamp(raw.Attributes),
		Attempt:    receiveCount(raw.Attributes),
		Metadata:   metadata,
	}
	s.deliveries.Track(msg.ID, r)
	return msg, true
}

func receiveCount(attrs map[string]string) int {
	n, err := strconv.Atoi(attrs[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func sentTimestamp(attrs map[string]string) time.Time {
	ms, err := strconv.ParseInt(attrs[string(sqstypes.MessageSystemAttributeNameSentTimestamp)], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Close stops the stream and makes buffered, undelivered messages visible again.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)

		s.mu.Lock()
		buffered := s.pending
		s.pending = nil
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		defer cancel()
		for _, raw := range buffered {
			r := receipt{queueURL: s.queueURL, receiptHandle: aws.ToString(raw.ReceiptHandle)}
			if err := resetVisibility(ctx, s.client, r); err != nil {
				s.provider.logger.Error("Failed to release buffered SQS message", err, nil)
			}
		}
	})
	return nil
}
