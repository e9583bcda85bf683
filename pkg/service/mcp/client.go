package mcp

import (
	"context"
	"encoding/json"
	"os/exec"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/simgen/pkg/model"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ErrToolFailed is returned when a tool answered with an error result
var ErrToolFailed = goerr.New("tool call failed")

// Client talks to a running simgen MCP server
type Client struct {
	session *mcp.ClientSession
	tools   []*mcp.Tool
}

// ClientConfig selects how to reach the server
type ClientConfig struct {
	Transport string // "stdio" or "http"
	Command   []string
	URL       string
	Env       map[string]string
}

// Connect connects to a simgen server with the given configuration
func Connect(ctx context.Context, cfg ClientConfig) (*Client, error) {
	mcpClient := mcp.NewClient(&mcp.Implementation{
		Name:    "simgen-cli",
		Version: Version,
	}, nil)

	var transport mcp.Transport
	var err error

	switch cfg.Transport {
	case "stdio":
		transport, err = createStdioTransport(cfg)
	case "http":
		transport, err = createHTTPTransport(cfg)
	default:
		return nil, goerr.New("unsupported transport",
			goerr.Value("transport", cfg.Transport),
			goerr.Value("supported", []string{"stdio", "http"}))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create transport")
	}

	session, err := mcpClient.Connect(ctx, transport, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to connect to simgen server")
	}

	toolsResult, err := session.ListTools(ctx, nil)
	if err != nil {
		_ = session.Close()
		return nil, goerr.Wrap(err, "failed to list tools")
	}

	return &Client{
		session: session,
		tools:   toolsResult.Tools,
	}, nil
}

func createStdioTransport(cfg ClientConfig) (mcp.Transport, error) {
	if len(cfg.Command) == 0 {
		return nil, goerr.New("command is required for stdio transport")
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	if len(cfg.Env) > 0 {
		env := cmd.Environ()
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	return &mcp.CommandTransport{Command: cmd}, nil
}

func createHTTPTransport(cfg ClientConfig) (mcp.Transport, error) {
	if cfg.URL == "" {
		return nil, goerr.New("url is required for http transport")
	}

	return &mcp.StreamableClientTransport{
		Endpoint: cfg.URL,
	}, nil
}

// Tools returns the tools advertised by the server
func (c *Client) Tools() []*mcp.Tool {
	return c.tools
}

// Submit calls submit_scenario
func (c *Client) Submit(ctx context.Context, in *SubmitInput) (*model.Response, error) {
	var resp model.Response
	if err := c.call(ctx, ToolSubmitScenario, in, &resp); err != nil {
		// Error responses are a normal outcome of submit
		if resp.Kind == model.ResponseError {
			return &resp, nil
		}
		return nil, err
	}
	return &resp, nil
}

// JobStatus calls job_status
func (c *Client) JobStatus(ctx context.Context, id model.JobID) (*model.JobStatusView, error) {
	var view model.JobStatusView
	if err := c.call(ctx, ToolJobStatus, &JobInput{JobID: id.String()}, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// ListDeadLetters calls list_dead_letters
func (c *Client) ListDeadLetters(ctx context.Context, offset, limit int) ([]*DeadLetterView, error) {
	var views []*DeadLetterView
	if err := c.call(ctx, ToolListDeadLetters, &ListDeadLettersInput{Offset: offset, Limit: limit}, &views); err != nil {
		return nil, err
	}
	return views, nil
}

// Requeue calls requeue_job
func (c *Client) Requeue(ctx context.Context, id model.JobID) (*model.JobStatusView, error) {
	var view model.JobStatusView
	if err := c.call(ctx, ToolRequeueJob, &JobInput{JobID: id.String()}, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Featured calls list_featured
func (c *Client) Featured(ctx context.Context) ([]*model.FeaturedSimulation, error) {
	var items []*model.FeaturedSimulation
	if err := c.call(ctx, ToolListFeatured, &struct{}{}, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// call invokes a tool and decodes its JSON text result into out. An error result
// is decoded into out as well when it fits, then reported as ErrToolFailed.
func (c *Client) call(ctx context.Context, name string, args, out any) error {
	result, err := c.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return goerr.Wrap(err, "failed to call tool", goerr.Value("tool", name))
	}
	if len(result.Content) == 0 {
		return goerr.New("empty tool result", goerr.Value("tool", name))
	}
	text, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		return goerr.New("unexpected tool result content", goerr.Value("tool", name))
	}

	if result.IsError {
		var resp model.Response
		_ = json.Unmarshal([]byte(text.Text), out)
		if err := json.Unmarshal([]byte(text.Text), &resp); err == nil && resp.Message != "" {
			return goerr.Wrap(ErrToolFailed, resp.Message,
				goerr.Value("tool", name), goerr.Value("code", resp.Code))
		}
		return goerr.Wrap(ErrToolFailed, text.Text, goerr.Value("tool", name))
	}

	if err := json.Unmarshal([]byte(text.Text), out); err != nil {
		return goerr.Wrap(err, "failed to decode tool result", goerr.Value("tool", name))
	}
	return nil
}

// Close closes the session
func (c *Client) Close() error {
	if err := c.session.Close(); err != nil {
		return goerr.Wrap(err, "failed to close session")
	}
	return nil
}
