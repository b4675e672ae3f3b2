package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"

	"github.com/drblury/abe"
)

const metricsShutdownTimeout = 5 * time.Second

func consumeCommand(env abe.Environment) *cli.Command {
	return &cli.Command{
		Name:  "consume",
		Usage: "Consume a key and print every payload as one JSON line",
		Flags: consumeFlags(),
		Action: func(c *cli.Context) error {
			conf, err := loadConfig(c, env)
			if err != nil {
				return err
			}
			if conf.Key == "" {
				return errors.New("a key is required (--key or QUEUE_KEY)")
			}
			logger, err := newLogger(c, conf)
			if err != nil {
				return err
			}
			logger.Debug("Loaded configuration", abe.LogFields{"config": conf.String()})

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return consume(ctx, c, conf, logger)
		},
	}
}

func consume(ctx context.Context, c *cli.Context, conf *abe.Config, logger abe.ServiceLogger) error {
	p, err := abe.Load(ctx, abe.LoadOptions{
		Name:   conf.Backend,
		Env:    conf.Environment,
		Logger: abe.NewWatermillAdapter(logger),
	})
	if err != nil {
		return err
	}

	opts := abe.OptionsFromConfig(conf, logger)
	opts.Hooks = abe.LoggingHooks(logger)

	var metricsErrCh <-chan error
	if conf.MetricsEnabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics := abe.NewMetrics(registry)
		if err := metrics.Register(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		opts.Hooks = opts.Hooks.Merge(metrics.Hooks())

		server := newMetricsServer(fmt.Sprintf(":%d", conf.MetricsPort), registry)
		metricsErrCh = server.Start()
		logger.Info("Starting HTTP server", abe.LogFields{"address": server.httpServer.Addr})
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("Failed to shut down HTTP server", err, nil)
			}
		}()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if metricsErrCh != nil {
		go func() {
			if err, ok := <-metricsErrCh; ok && err != nil {
				logger.Error("Metrics server failed", err, nil)
				cancel()
			}
		}()
	}

	session := abe.NewSession(p, opts)
	return session.Run(runCtx, printHandler(c, c.Int("count"), cancel))
}

// printHandler writes each payload to the app writer. After limit messages
// (when positive) it cancels the run.
func printHandler(c *cli.Context, limit int, done context.CancelFunc) abe.Handler {
	var (
		mu   sync.Mutex
		seen int
	)
	return func(ctx context.Context, payload abe.Payload) error {
		data, err := abe.Marshal(payload)
		if err != nil {
			return err
		}

		mu.Lock()
		defer mu.Unlock()
		if _, err := fmt.Fprintln(c.App.Writer, string(data)); err != nil {
			return err
		}
		seen++
		if limit > 0 && seen >= limit {
			done()
		}
		return nil
	}
}
