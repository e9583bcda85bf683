package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/simgen/pkg/service/event"
	"github.com/urfave/cli/v3"
)

func validateCommand() *cli.Command {
	var cfg config
	var output string

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "asset-bucket",
			Usage:       "Cloud Storage bucket holding manifest assets, asset paths are not checked when empty",
			Sources:     cli.EnvVars("SIMGEN_ASSET_BUCKET"),
			Destination: &cfg.assetBucket,
		},
		&cli.StringFlag{
			Name:        "output",
			Aliases:     []string{"o"},
			Usage:       "Write the repaired manifest to this file",
			Destination: &output,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:      "validate",
		Usage:     "Validate and repair a manifest file offline",
		ArgsUsage: "<manifest.json | ->",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.configureLogger(ctx)

			if c.Args().Len() < 1 {
				return goerr.New("manifest file is required")
			}
			raw, err := readInput(c.Args().First())
			if err != nil {
				return err
			}

			v, err := cfg.newValidator(ctx, event.Nop{})
			if err != nil {
				return err
			}
			result := v.Validate(ctx, raw)

			w := c.Root().Writer
			for _, issue := range result.Warnings {
				fmt.Fprintf(w, "warning: %s\n", issue)
			}
			for _, issue := range result.Errors {
				fmt.Fprintf(w, "error: %s\n", issue)
			}

			if !result.Valid {
				return goerr.New("manifest is invalid", goerr.Value("reason", result.FailureReason()))
			}

			data, err := result.Manifest.MarshalCanonical()
			if err != nil {
				return goerr.Wrap(err, "failed to marshal manifest")
			}
			if output != "" {
				if err := os.WriteFile(output, data, 0o644); err != nil {
					return goerr.Wrap(err, "failed to write manifest", goerr.Value("path", output))
				}
				fmt.Fprintf(w, "Repaired manifest written to %s\n", output)
				return nil
			}
			if len(result.Warnings) == 0 {
				fmt.Fprintf(w, "Manifest is valid\n")
			}
			return nil
		},
	}
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read stdin")
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read file", goerr.Value("path", path))
	}
	return data, nil
}
