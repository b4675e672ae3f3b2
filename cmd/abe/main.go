// Command abe publishes to and consumes from any registered provider. The
// backend and its settings come from the environment (QUEUE_BACKEND and the
// provider keys); flags override the process-level settings.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/drblury/abe"
	_ "github.com/drblury/abe/provider/providers"
)

func main() {
	app := newApp(abe.OSEnvironment(), os.Stdout, os.Stderr)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(env abe.Environment, stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "abe",
		Usage:     "Publish and consume messages through a pluggable queue backend",
		Writer:    stdout,
		ErrWriter: stderr,
		Commands: []*cli.Command{
			providersCommand(),
			publishCommand(env),
			consumeCommand(env),
		},
	}
}
