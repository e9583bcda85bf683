package cli

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/simgen/pkg/model"
	"github.com/urfave/cli/v3"
)

func jobCommand() *cli.Command {
	var cfg config
	var wait bool

	flags := []cli.Flag{
		&cli.BoolFlag{
			Name:        "wait",
			Aliases:     []string{"w"},
			Usage:       "Wait until the job finishes",
			Destination: &wait,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, clientFlags(&cfg)...)

	return &cli.Command{
		Name:      "job",
		Usage:     "Show the status of an asynchronous job",
		ArgsUsage: "<job-id>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.configureLogger(ctx)

			if c.Args().Len() < 1 {
				return goerr.New("job ID is required")
			}
			id := model.JobID(c.Args().First())

			client, err := cfg.newClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			w := c.Root().Writer
			if wait {
				view, err := waitJob(ctx, client, id)
				if err != nil {
					return err
				}
				return printJSON(w, view)
			}

			view, err := client.JobStatus(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(w, view)
		},
	}
}
