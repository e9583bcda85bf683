package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"
)

func featuredCommand() *cli.Command {
	var cfg config
	var asJSON bool

	flags := []cli.Flag{
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "Print featured simulations with their manifests as JSON",
			Destination: &asJSON,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, clientFlags(&cfg)...)

	return &cli.Command{
		Name:  "featured",
		Usage: "List the featured simulations served as fallbacks",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.configureLogger(ctx)

			client, err := cfg.newClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			items, err := client.Featured(ctx)
			if err != nil {
				return err
			}

			w := c.Root().Writer
			if asJSON {
				return printJSON(w, items)
			}
			for _, f := range items {
				fmt.Fprintf(w, "%-24s %s [%s]\n", f.ID, f.Title, strings.Join(f.Tags, ", "))
			}
			return nil
		},
	}
}
