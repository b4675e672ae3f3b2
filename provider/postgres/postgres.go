// Package postgres provides the "postgres" provider. Messages live in a
// table per schema and are claimed with SELECT ... FOR UPDATE SKIP LOCKED, so
// any number of consumers can share a queue. Rejected messages that are not
// requeued move to a dead-letter table and can be replayed.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drblury/abe/internal/runtime/ids"
	"github.com/drblury/abe/internal/runtime/jsoncodec"
	"github.com/drblury/abe/provider"
)

// ProviderName is the name used to register this provider.
const ProviderName = "postgres"

const (
	pingTimeout       = 5 * time.Second
	settleTimeout     = 5 * time.Second
	healthCheckPeriod = 30 * time.Second
)

var schemaPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// errLockLost is returned when a row was reclaimed by another consumer after
// its lock expired.
var errLockLost = errors.New("message lock expired or was taken over")

// Config holds the environment keys understood by the postgres provider.
type Config struct {
	URL           string        `env:"POSTGRES_URL,required"`
	Schema        string        `env:"POSTGRES_SCHEMA" envDefault:"abe"`
	PollInterval  time.Duration `env:"POSTGRES_POLL_INTERVAL" envDefault:"100ms"`
	LockTimeout   time.Duration `env:"POSTGRES_LOCK_TIMEOUT" envDefault:"30s"`
	MaxConns      int32         `env:"POSTGRES_MAX_CONNS" envDefault:"10"`
	SettledMemory int           `env:"POSTGRES_SETTLED_MEMORY" envDefault:"4096"`
}

func (c Config) validate() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, fmt.Errorf("POSTGRES_URL is required"))
	}
	if !schemaPattern.MatchString(c.Schema) {
		errs = append(errs, fmt.Errorf("POSTGRES_SCHEMA %q is not a valid lowercase identifier", c.Schema))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("POSTGRES_POLL_INTERVAL must be positive"))
	}
	if c.LockTimeout <= 0 {
		errs = append(errs, fmt.Errorf("POSTGRES_LOCK_TIMEOUT must be positive"))
	}
	if c.MaxConns <= 0 {
		errs = append(errs, fmt.Errorf("POSTGRES_MAX_CONNS must be positive"))
	}
	return errors.Join(errs...)
}

// PoolFactory allows overriding pool creation for testing.
var PoolFactory = func(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
	return pgxpool.NewWithConfig(ctx, cfg)
}

func init() {
	provider.MustRegister(Descriptor())
}

// Descriptor describes the postgres provider for a registry.
func Descriptor() provider.Descriptor {
	return provider.Descriptor{
		Name:         ProviderName,
		Factory:      Build,
		Capabilities: provider.PostgresCapabilities,
	}
}

// Register adds the postgres provider to r.
func Register(r *provider.Registry) error {
	return r.Register(Descriptor())
}

// Build creates a postgres provider from the environment. No connection is
// made until Open.
func Build(ctx context.Context, env provider.Environment, logger watermill.LoggerAdapter) (provider.Provider, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if _, err := pgxpool.ParseConfig(cfg.URL); err != nil {
		return nil, fmt.Errorf("parse POSTGRES_URL: %w", err)
	}
	return New(cfg, logger), nil
}

// Capabilities returns the capabilities of this provider.
func Capabilities() provider.Capabilities {
	return provider.PostgresCapabilities
}

// claim is what the provider needs to settle a delivered row.
type claim struct {
	rowID int64
	token string
}

// Provider is a PostgreSQL-backed provider.Provider.
type Provider struct {
	cfg     Config
	logger  watermill.LoggerAdapter
	queries queries

	mu         sync.RWMutex
	open       bool
	closedChan chan struct{}
	pool       *pgxpool.Pool
	deliveries *provider.Deliveries[claim]
}

// New creates a postgres provider. The connection pool is created on Open.
func New(cfg Config, logger watermill.LoggerAdapter) *Provider {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Provider{
		cfg:     cfg,
		logger:  logger.With(watermill.LogFields{"schema": cfg.Schema}),
		queries: newQueries(cfg.Schema),
	}
}

// Capabilities returns the capabilities of this provider.
func (p *Provider) Capabilities() provider.Capabilities {
	return provider.PostgresCapabilities
}

func (p *Provider) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open {
		return nil
	}

	poolCfg, err := pgxpool.ParseConfig(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse POSTGRES_URL: %w", err)
	}
	poolCfg.MaxConns = p.cfg.MaxConns
	poolCfg.HealthCheckPeriod = healthCheckPeriod

	pool, err := PoolFactory(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return fmt.Errorf("ping database: %w", err)
	}
	if err := p.ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return err
	}

	p.pool = pool
	p.closedChan = make(chan struct{})
	p.deliveries = provider.NewDeliveries[claim](p.cfg.SettledMemory)
	p.open = true
	p.logger.Info("Connected to PostgreSQL", nil)
	return nil
}

func (p *Provider) ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range p.queries.schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (p *Provider) Close() error {
	p.mu.Lock()
	if !p.open {
		p.mu.Unlock()
		return nil
	}
	p.open = false
	close(p.closedChan)
	pool := p.pool
	p.pool = nil
	unsettled := p.deliveries.Drain()
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	for _, c := range unsettled {
		if err := p.release(ctx, pool, c); err != nil {
			p.logger.Error("Failed to return unsettled message", err, watermill.LogFields{"row_id": c.rowID})
		}
	}
	if len(unsettled) > 0 {
		p.logger.Debug("Returned unsettled deliveries", watermill.LogFields{"count": len(unsettled)})
	}

	pool.Close()
	return nil
}

func (p *Provider) state() (*pgxpool.Pool, *provider.Deliveries[claim], chan struct{}, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pool, p.deliveries, p.closedChan, p.open
}

func (p *Provider) Publish(ctx context.Context, key string, payload provider.Payload) error {
	pool, _, _, open := p.state()
	if !open {
		return &provider.PublishError{Key: key, Err: provider.ErrClosed}
	}
	if payload == nil {
		payload = provider.Payload{}
	}

	body, err := jsoncodec.Marshal(payload)
	if err != nil {
		return &provider.PublishError{Key: key, Err: err}
	}

	if _, err := pool.Exec(ctx, p.queries.insert, ids.New(), key, string(body)); err != nil {
		return &provider.PublishError{Key: key, Err: err}
	}
	return nil
}

func (p *Provider) Consume(ctx context.Context, opts provider.ConsumeOptions) (provider.Stream, error) {
	pool, deliveries, closedChan, open := p.state()
	if !open {
		return nil, provider.NewTerminalError(opts.Key, provider.ErrClosed)
	}
	if opts.Group != "" {
		p.logger.Debug("Consumer groups are not supported, ignoring", watermill.LogFields{"group": opts.Group})
	}
	return &stream{
		provider:   p,
		pool:       pool,
		deliveries: deliveries,
		closedChan: closedChan,
		key:        opts.Key,
		done:       make(chan struct{}),
	}, nil
}

func (p *Provider) settle(id string) (*pgxpool.Pool, *provider.Deliveries[claim], claim, error) {
	pool, deliveries, _, open := p.state()
	if !open {
		return nil, nil, claim{}, &provider.AcknowledgeError{ID: id, Err: provider.ErrClosed}
	}
	c, err := deliveries.Settle(id)
	return pool, deliveries, c, err
}

func (p *Provider) Ack(ctx context.Context, id string) error {
	pool, deliveries, c, err := p.settle(id)
	if err != nil {
		return err
	}
	if err := p.execClaim(ctx, pool, p.queries.ack, c); err != nil {
		if !errors.Is(err, errLockLost) {
			deliveries.Restore(id, c)
		}
		return &provider.AcknowledgeError{ID: id, Err: err}
	}
	return nil
}

func (p *Provider) Reject(ctx context.Context, id string, requeue bool) error {
	pool, deliveries, c, err := p.settle(id)
	if err != nil {
		return err
	}

	if requeue {
		err = p.release(ctx, pool, c)
	} else {
		err = p.execClaim(ctx, pool, p.queries.deadLetter, c)
	}
	if err != nil {
		if !errors.Is(err, errLockLost) {
			deliveries.Restore(id, c)
		}
		return &provider.AcknowledgeError{ID: id, Err: err}
	}
	return nil
}

func (p *Provider) release(ctx context.Context, pool *pgxpool.Pool, c claim) error {
	return p.execClaim(ctx, pool, p.queries.release, c)
}

// execClaim runs a statement guarded by the row's lock token.
func (p *Provider) execClaim(ctx context.Context, pool *pgxpool.Pool, sql string, c claim) error {
	tag, err := pool.Exec(ctx, sql, c.rowID, c.token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errLockLost
	}
	return nil
}

// PendingCount returns the number of messages waiting under key, including
// ones currently locked by a consumer.
func (p *Provider) PendingCount(ctx context.Context, key string) (int64, error) {
	return p.count(ctx, p.queries.pendingCount, key)
}

// DeadLetterCount returns the number of dead letters recorded for key.
func (p *Provider) DeadLetterCount(ctx context.Context, key string) (int64, error) {
	return p.count(ctx, p.queries.deadLetterCount, key)
}

func (p *Provider) count(ctx context.Context, sql, key string) (int64, error) {
	pool, _, _, open := p.state()
	if !open {
		return 0, provider.ErrClosed
	}
	var n int64
	if err := pool.QueryRow(ctx, sql, key).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ReplayDeadLetters moves every dead letter of key back onto its queue with a
// fresh delivery count and returns how many were moved.
func (p *Provider) ReplayDeadLetters(ctx context.Context, key string) (int64, error) {
	pool, _, _, open := p.state()
	if !open {
		return 0, provider.ErrClosed
	}

	var moved int64
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, p.queries.replay, key)
		if err != nil {
			return err
		}
		moved = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("replay dead letters: %w", err)
	}
	if moved > 0 {
		p.logger.Info("Replayed dead letters", watermill.LogFields{"key": key, "count": moved})
	}
	return moved, nil
}
