package main

import (
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/drblury/abe"
)

// overrides maps flag names onto the environment keys they replace.
var overrides = map[string]string{
	"backend":      "QUEUE_BACKEND",
	"key":          "QUEUE_KEY",
	"group":        "QUEUE_CONSUMER_GROUP",
	"max-attempts": "QUEUE_HANDLER_MAX_ATTEMPTS",
	"retry-delay":  "QUEUE_HANDLER_RETRY_DELAY",
	"timeout":      "QUEUE_HANDLER_TIMEOUT",
	"log-level":    "LOG_LEVEL",
	"log-format":   "LOG_FORMAT",
	"metrics-port": "METRICS_PORT",
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "backend",
			Aliases: []string{"b"},
			Usage:   "Provider to use (overrides QUEUE_BACKEND)",
		},
		&cli.StringFlag{
			Name:    "key",
			Aliases: []string{"k"},
			Usage:   "Queue or topic (overrides QUEUE_KEY)",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level: debug, info, warn, error (overrides LOG_LEVEL)",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "Log format: text or json (overrides LOG_FORMAT)",
		},
	}
}

func consumeFlags() []cli.Flag {
	return append(commonFlags(),
		&cli.StringFlag{
			Name:    "group",
			Aliases: []string{"g"},
			Usage:   "Consumer group (overrides QUEUE_CONSUMER_GROUP)",
		},
		&cli.IntFlag{
			Name:  "max-attempts",
			Usage: "Deliveries per message before it is dead-lettered (overrides QUEUE_HANDLER_MAX_ATTEMPTS)",
		},
		&cli.DurationFlag{
			Name:  "retry-delay",
			Usage: "Delay before the first requeue (overrides QUEUE_HANDLER_RETRY_DELAY)",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Per-message handler timeout (overrides QUEUE_HANDLER_TIMEOUT)",
		},
		&cli.IntFlag{
			Name:    "count",
			Aliases: []string{"n"},
			Usage:   "Stop after this many messages (0 = run until interrupted)",
		},
		&cli.BoolFlag{
			Name:  "metrics",
			Usage: "Serve Prometheus metrics (overrides METRICS_ENABLED)",
		},
		&cli.IntFlag{
			Name:  "metrics-port",
			Usage: "Port of the metrics endpoint (overrides METRICS_PORT)",
		},
	)
}

// loadConfig applies the flags that were set on top of env and loads the
// process configuration from the result.
func loadConfig(c *cli.Context, env abe.Environment) (*abe.Config, error) {
	for flag, key := range overrides {
		if !c.IsSet(flag) {
			continue
		}
		env = env.With(key, c.String(flag))
	}
	if c.IsSet("metrics") {
		env = env.With("METRICS_ENABLED", strconv.FormatBool(c.Bool("metrics")))
	}
	return abe.LoadConfig(env)
}

func newLogger(c *cli.Context, conf *abe.Config) (abe.ServiceLogger, error) {
	return abe.NewLogger(abe.LogOptions{
		Level:  conf.LogLevel,
		Format: abe.LogFormat(conf.LogFormat),
		Output: c.App.ErrWriter,
	})
}
