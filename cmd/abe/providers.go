package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/drblury/abe"
)

func providersCommand() *cli.Command {
	return &cli.Command{
		Name:  "providers",
		Usage: "List the registered providers and their capabilities",
		Action: func(c *cli.Context) error {
			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tACK\tREQUEUE\tGROUPS\tORDERED\tATTEMPTS\tPERSISTENT")
			for _, name := range abe.ProviderNames() {
				caps := abe.GetCapabilities(name)
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					name,
					yesNo(caps.SupportsAck),
					yesNo(caps.SupportsRequeue),
					yesNo(caps.SupportsGroups),
					yesNo(caps.SupportsOrdering),
					yesNo(caps.SupportsAttemptCount),
					yesNo(caps.Persistent),
				)
			}
			return w.Flush()
		},
	}
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
