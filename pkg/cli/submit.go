package cli

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/simgen/pkg/model"
	"github.com/m-mizutani/simgen/pkg/service/mcp"
	"github.com/urfave/cli/v3"
)

const pollInterval = 2 * time.Second

func submitCommand() *cli.Command {
	var cfg config
	var (
		imagePath string
		imageMIME string
		userID    string
		hint      string
		wait      bool
		timeout   time.Duration
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "image",
			Aliases:     []string{"i"},
			Usage:       "Image file describing the scenario, instead of text",
			Destination: &imagePath,
		},
		&cli.StringFlag{
			Name:        "mime",
			Usage:       "MIME type of the image, detected from content when empty",
			Destination: &imageMIME,
		},
		&cli.StringFlag{
			Name:        "user",
			Aliases:     []string{"u"},
			Usage:       "User ID receiving job notifications",
			Sources:     cli.EnvVars("SIMGEN_USER"),
			Destination: &userID,
		},
		&cli.StringFlag{
			Name:        "hint",
			Usage:       "Extra guidance for the generator",
			Destination: &hint,
		},
		&cli.BoolFlag{
			Name:        "wait",
			Aliases:     []string{"w"},
			Usage:       "Wait for an asynchronous job to finish",
			Destination: &wait,
		},
		&cli.DurationFlag{
			Name:        "timeout",
			Usage:       "Maximum time to wait for the result",
			Value:       10 * time.Minute,
			Destination: &timeout,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, clientFlags(&cfg)...)

	return &cli.Command{
		Name:      "submit",
		Usage:     "Submit a scenario and print the resulting manifest",
		ArgsUsage: "[description]",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.configureLogger(ctx)

			in := &mcp.SubmitInput{
				UserID: userID,
				Text:   c.Args().First(),
				Hint:   hint,
			}
			if imagePath != "" {
				data, err := os.ReadFile(imagePath)
				if err != nil {
					return goerr.Wrap(err, "failed to read image", goerr.Value("path", imagePath))
				}
				if imageMIME == "" {
					imageMIME = http.DetectContentType(data)
				}
				in.ImageBase64 = base64.StdEncoding.EncodeToString(data)
				in.ImageMIME = imageMIME
			}
			if in.Text == "" && in.ImageBase64 == "" {
				return goerr.New("either a description or --image is required")
			}

			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			client, err := cfg.newClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			w := c.Root().Writer
			resp, err := client.Submit(ctx, in)
			if err != nil {
				return err
			}

			if resp.Kind == model.ResponseJob && wait {
				view, err := waitJob(ctx, client, resp.JobID)
				if err != nil {
					return err
				}
				return printJSON(w, view)
			}

			if err := printJSON(w, resp); err != nil {
				return err
			}
			if resp.Kind == model.ResponseError {
				return goerr.New(resp.Message, goerr.Value("code", resp.Code))
			}
			return nil
		},
	}
}

// waitJob polls the job until it reaches a terminal state
func waitJob(ctx context.Context, client *mcp.Client, id model.JobID) (*model.JobStatusView, error) {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = fmt.Sprintf(" waiting for job %s", id)
	s.Start()
	defer s.Stop()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		view, err := client.JobStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		s.Suffix = fmt.Sprintf(" job %s is %s", id, view.Status)
		if view.Status.Terminal() {
			return view, nil
		}

		select {
		case <-ctx.Done():
			return nil, goerr.Wrap(ctx.Err(), "gave up waiting for job", goerr.Value("job_id", id))
		case <-ticker.C:
		}
	}
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return goerr.Wrap(err, "failed to marshal output")
	}
	fmt.Fprintf(w, "%s\n", string(data))
	return nil
}
