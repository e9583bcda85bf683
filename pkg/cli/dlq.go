package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/simgen/pkg/model"
	"github.com/urfave/cli/v3"
)

func dlqCommand() *cli.Command {
	return &cli.Command{
		Name:  "dlq",
		Usage: "Inspect and requeue permanently failed jobs",
		Commands: []*cli.Command{
			dlqListCommand(),
			dlqRequeueCommand(),
		},
	}
}

func dlqListCommand() *cli.Command {
	var cfg config
	var offset, limit int64
	var asJSON bool

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "offset",
			Usage:       "Number of records to skip",
			Destination: &offset,
		},
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"l"},
			Usage:       "Maximum number of records to show",
			Value:       20,
			Destination: &limit,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "Print records as JSON",
			Destination: &asJSON,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, clientFlags(&cfg)...)

	return &cli.Command{
		Name:  "list",
		Usage: "List dead letters, newest first",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.configureLogger(ctx)

			client, err := cfg.newClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			views, err := client.ListDeadLetters(ctx, int(offset), int(limit))
			if err != nil {
				return err
			}

			w := c.Root().Writer
			if asJSON {
				return printJSON(w, views)
			}
			if len(views) == 0 {
				fmt.Fprintf(w, "No dead letters\n")
				return nil
			}
			for _, v := range views {
				requeued := ""
				if v.RequeuedAt != nil {
					requeued = " (requeued)"
				}
				subject := v.Text
				if v.Image {
					subject = "[image]"
				}
				fmt.Fprintf(w, "%s  %s  %-18s attempts=%d%s\n    %s\n    %s\n",
					v.JobID, v.FailedAt.Format(time.RFC3339), v.Reason, v.Attempts, requeued,
					truncate(subject, 80), truncate(strings.TrimSpace(v.Detail), 120))
			}
			return nil
		},
	}
}

func dlqRequeueCommand() *cli.Command {
	var cfg config

	flags := []cli.Flag{}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, clientFlags(&cfg)...)

	return &cli.Command{
		Name:      "requeue",
		Usage:     "Resubmit dead-lettered jobs with a fresh attempt budget",
		ArgsUsage: "<job-id>...",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.configureLogger(ctx)

			if c.Args().Len() < 1 {
				return goerr.New("at least one job ID is required")
			}

			client, err := cfg.newClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			w := c.Root().Writer
			for _, arg := range c.Args().Slice() {
				view, err := client.Requeue(ctx, model.JobID(arg))
				if err != nil {
					return goerr.Wrap(err, "failed to requeue job", goerr.Value("job_id", arg))
				}
				fmt.Fprintf(w, "%s  %s\n", view.JobID, view.Status)
			}
			return nil
		},
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
