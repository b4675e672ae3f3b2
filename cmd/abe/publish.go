package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	"github.com/drblury/abe"
	"github.com/drblury/abe/internal/runtime/jsoncodec"
)

func publishCommand(env abe.Environment) *cli.Command {
	return &cli.Command{
		Name:      "publish",
		Usage:     "Publish JSON object payloads to a key",
		ArgsUsage: "[payload...]",
		Description: "Each argument is published as one message. Without arguments one " +
			"payload is read from stdin.",
		Flags: commonFlags(),
		Action: func(c *cli.Context) error {
			conf, err := loadConfig(c, env)
			if err != nil {
				return err
			}
			if conf.Key == "" {
				return errors.New("a key is required (--key or QUEUE_KEY)")
			}

			payloads, err := readPayloads(c)
			if err != nil {
				return err
			}

			logger, err := newLogger(c, conf)
			if err != nil {
				return err
			}
			p, err := abe.Load(c.Context, abe.LoadOptions{
				Name:   conf.Backend,
				Env:    conf.Environment,
				Logger: abe.NewWatermillAdapter(logger),
			})
			if err != nil {
				return err
			}
			if err := p.Open(c.Context); err != nil {
				return fmt.Errorf("open provider: %w", err)
			}
			defer func() {
				if err := p.Close(); err != nil {
					logger.Error("Failed to close provider", err, nil)
				}
			}()

			for _, payload := range payloads {
				if err := p.Publish(c.Context, conf.Key, payload); err != nil {
					return err
				}
			}
			logger.Info("Published messages", abe.LogFields{
				"backend": conf.Backend,
				"key":     conf.Key,
				"count":   len(payloads),
			})
			return nil
		},
	}
}

func readPayloads(c *cli.Context) ([]abe.Payload, error) {
	raw := c.Args().Slice()
	if len(raw) == 0 {
		data, err := io.ReadAll(c.App.Reader)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		raw = []string{string(data)}
	}

	payloads := make([]abe.Payload, 0, len(raw))
	for i, doc := range raw {
		obj, err := jsoncodec.UnmarshalObject([]byte(doc))
		if err != nil {
			return nil, fmt.Errorf("payload %d: %w", i+1, err)
		}
		payloads = append(payloads, obj)
	}
	return payloads, nil
}
