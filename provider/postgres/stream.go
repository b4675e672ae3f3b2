package postgres

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drblury/abe/internal/runtime/ids"
	"github.com/drblury/abe/internal/runtime/jsoncodec"
	"github.com/drblury/abe/provider"
)

type stream struct {
	provider   *Provider
	pool       *pgxpool.Pool
	deliveries *provider.Deliveries[claim]
	closedChan chan struct{}
	key        string

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

		msg, found, err := s.fetch(ctx)
		if err != nil {
			return provider.Message{}, err
		}
		if found {
			return msg, nil
		}

		timer := time.NewTimer(s.provider.cfg.PollInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return provider.Message{}, ctx.Err()
		case <-s.closedChan:
			timer.Stop()
			return provider.Message{}, provider.ErrStreamClosed
		case <-s.done:
			timer.Stop()
			return provider.Message{}, provider.ErrStreamClosed
		}
	}
}

// fetch claims the oldest unlocked row of the queue, if there is one.
func (s *stream) fetch(ctx context.Context) (provider.Message, bool, error) {
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

	var (
		rowID     int64
		messageID string
		body      []byte
		createdAt time.Time
		attempt   int
	)
	token := ids.New()
	err := s.pool.QueryRow(reqCtx, s.provider.queries.fetch,
		s.key, s.provider.cfg.LockTimeout.Seconds(), token,
	).Scan(&rowID, &messageID, &body, &createdAt, &attempt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return provider.Message{}, false, nil
	case err != nil:
		if s.ended() {
			return provider.Message{}, false, provider.ErrStreamClosed
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return provider.Message{}, false, ctxErr
		}
		return provider.Message{}, false, provider.NewTransientError(s.key, err)
	}

	c := claim{rowID: rowID, token: token}
	payload, err := jsoncodec.UnmarshalObject(body)
	if err != nil {
		s.provider.logger.Error("Dead-lettering undecodable message", err, watermill.LogFields{
			"queue":      s.key,
			"message_id": messageID,
		})
		settleCtx, settleCancel := context.WithTimeout(context.Background(), settleTimeout)
		defer settleCancel()
		if dlqErr := s.provider.execClaim(settleCtx, s.pool, s.provider.queries.deadLetter, c); dlqErr != nil {
			s.provider.logger.Error("Failed to dead-letter undecodable message", dlqErr, nil)
		}
		return provider.Message{}, false, nil
	}

	msg := provider.Message{
		ID:         token,
		Key:        s.key,
		Payload:    provider.Payload(payload),
		EnqueuedAt: createdAt.UTC(),
		Attempt:    attempt,
		Metadata: map[string]string{
			"message_id": messageID,
		},
	}
	s.deliveries.Track(msg.ID, c)

	select {
	case <-s.closedChan:
		// Close drained before this delivery was tracked.
		if _, err := s.deliveries.Settle(msg.ID); err == nil {
			s.releaseAbandoned(msg.ID, c)
		}
		return provider.Message{}, false, provider.ErrStreamClosed
	default:
	}
	return msg, true, nil
}

func (s *stream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// releaseAbandoned returns a claim that was never handed out to the queue.
func (s *stream) releaseAbandoned(id string, c claim) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := s.provider.release(ctx, s.pool, c); err != nil {
		s.provider.logger.Error("Failed to release abandoned message", err, watermill.LogFields{
			"queue":       s.key,
			"delivery_id": id,
		})
	}
}
