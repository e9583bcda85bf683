package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/simgen/pkg/model"
	"github.com/m-mizutani/simgen/pkg/utils/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Version is reported to MCP clients
const Version = "0.1.0"

const (
	ToolSubmitScenario  = "submit_scenario"
	ToolJobStatus       = "job_status"
	ToolListDeadLetters = "list_dead_letters"
	ToolRequeueJob      = "requeue_job"
	ToolListFeatured    = "list_featured"
)

// UseCase is the request orchestrator exposed over MCP
type UseCase interface {
	Submit(ctx context.Context, req *model.Request) (*model.Response, error)
	JobStatus(ctx context.Context, id model.JobID) (*model.JobStatusView, error)
	ListDeadLetters(ctx context.Context, offset, limit int) ([]*model.DeadLetter, error)
	Requeue(ctx context.Context, id model.JobID) (*model.Job, error)
	Featured() []*model.FeaturedSimulation
}

// SubmitInput is the input of submit_scenario
type SubmitInput struct {
	UserID      string `json:"user_id,omitempty" jsonschema:"ID of the user who receives job notifications"`
	Text        string `json:"text,omitempty" jsonschema:"Natural-language description of the physics scenario"`
	ImageBase64 string `json:"image_base64,omitempty" jsonschema:"Base64 encoded image of the scenario, instead of text"`
	ImageMIME   string `json:"image_mime,omitempty" jsonschema:"MIME type of the image, e.g. image/png"`
	Hint        string `json:"hint,omitempty" jsonschema:"Optional extra guidance for the generator"`
}

// JobInput identifies a job
type JobInput struct {
	JobID string `json:"job_id" jsonschema:"ID of the job returned by submit_scenario"`
}

// ListDeadLettersInput pages through the dead-letter store
type ListDeadLettersInput struct {
	Offset int `json:"offset,omitempty" jsonschema:"Number of records to skip"`
	Limit  int `json:"limit,omitempty" jsonschema:"Maximum number of records to return (default 20)"`
}

// DeadLetterView is the operator-facing projection of a dead letter
type DeadLetterView struct {
	JobID      model.JobID         `json:"job_id"`
	UserID     string              `json:"user_id,omitempty"`
	Reason     model.FailureReason `json:"reason"`
	Detail     string              `json:"detail"`
	Attempts   int                 `json:"attempts"`
	Text       string              `json:"text,omitempty"`
	Image      bool                `json:"image"`
	FailedAt   time.Time           `json:"failed_at"`
	RequeuedAt *time.Time          `json:"requeued_at,omitempty"`

	PreviousFailures int `json:"previous_failures,omitempty"`
}

// Server exposes the request orchestrator as MCP tools
type Server struct {
	uc     UseCase
	server *mcp.Server
}

// NewServer creates the MCP server and registers its tools
func NewServer(uc UseCase) (*Server, error) {
	s := &Server{
		uc: uc,
		server: mcp.NewServer(&mcp.Implementation{
			Name:    "simgen",
			Version: Version,
		}, nil),
	}

	submitSchema, err := jsonschema.For[SubmitInput](nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to build submit_scenario schema")
	}
	if prop, ok := submitSchema.Properties["image_base64"]; ok {
		prop.ContentEncoding = "base64"
	}

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ToolSubmitScenario,
		Description: "Generate a simulation manifest from a text or image description of a physics scenario. Returns a manifest, an async job ID, a clarification question, featured fallbacks, or an error message.",
		InputSchema: submitSchema,
	}, s.submit)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ToolJobStatus,
		Description: "Get the status of an asynchronous generation job, with the manifest once it is READY",
	}, s.jobStatus)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ToolListDeadLetters,
		Description: "List permanently failed generation jobs, newest first",
	}, s.listDeadLetters)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ToolRequeueJob,
		Description: "Resubmit a permanently failed job with a fresh attempt budget",
	}, s.requeue)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ToolListFeatured,
		Description: "List the featured pre-generated simulations",
	}, s.listFeatured)

	return s, nil
}

// Run serves MCP over stdio until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Handler serves MCP over streamable HTTP
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.server
	}, nil)
}

func (s *Server) submit(ctx context.Context, _ *mcp.CallToolRequest, in *SubmitInput) (*mcp.CallToolResult, any, error) {
	req := &model.Request{
		UserID:    in.UserID,
		Text:      in.Text,
		ImageMIME: in.ImageMIME,
		Hint:      in.Hint,
	}
	if in.ImageBase64 != "" {
		image, err := base64.StdEncoding.DecodeString(in.ImageBase64)
		if err != nil {
			logging.From(ctx).Info("undecodable image", "error", err)
			return failed(model.CodeInvalidInput), nil, nil
		}
		req.Image = image
	}

	resp, err := s.uc.Submit(ctx, req)
	if err != nil {
		logging.From(ctx).Error("submit failed", "error", err)
		return failed(model.CodeInternal), nil, nil
	}
	return result(resp, resp.Kind == model.ResponseError), nil, nil
}

func (s *Server) jobStatus(ctx context.Context, _ *mcp.CallToolRequest, in *JobInput) (*mcp.CallToolResult, any, error) {
	view, err := s.uc.JobStatus(ctx, model.JobID(in.JobID))
	if err != nil {
		return s.failure(ctx, err), nil, nil
	}
	return result(view, false), nil, nil
}

func (s *Server) listDeadLetters(ctx context.Context, _ *mcp.CallToolRequest, in *ListDeadLettersInput) (*mcp.CallToolResult, any, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 20
	}

	dls, err := s.uc.ListDeadLetters(ctx, in.Offset, limit)
	if err != nil {
		return s.failure(ctx, err), nil, nil
	}

	views := make([]*DeadLetterView, 0, len(dls))
	for _, dl := range dls {
		views = append(views, &DeadLetterView{
			JobID:      dl.JobID,
			UserID:     dl.UserID,
			Reason:     dl.Reason,
			Detail:     dl.Detail,
			Attempts:   dl.Attempts,
			Text:       dl.Request.Text,
			Image:      dl.Request.IsImage(),
			FailedAt:   dl.FailedAt,
			RequeuedAt: dl.RequeuedAt,

			PreviousFailures: len(dl.History),
		})
	}
	return result(views, false), nil, nil
}

func (s *Server) requeue(ctx context.Context, _ *mcp.CallToolRequest, in *JobInput) (*mcp.CallToolResult, any, error) {
	job, err := s.uc.Requeue(ctx, model.JobID(in.JobID))
	if err != nil {
		return s.failure(ctx, err), nil, nil
	}
	return result(&model.JobStatusView{JobID: job.ID, Status: job.Status}, false), nil, nil
}

func (s *Server) listFeatured(_ context.Context, _ *mcp.CallToolRequest, _ *struct{}) (*mcp.CallToolResult, any, error) {
	return result(s.uc.Featured(), false), nil, nil
}

func (s *Server) failure(ctx context.Context, err error) *mcp.CallToolResult {
	code := model.ErrorCodeOf(err)
	if code == model.CodeInternal {
		logging.From(ctx).Error("tool call failed", "error", err)
	}
	return failed(code)
}

func failed(code model.ErrorCode) *mcp.CallToolResult {
	return result(model.ErrorResponse(code), true)
}

func result(v any, isError bool) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(model.ErrorResponse(model.CodeInternal))
		isError = true
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		IsError: isError,
	}
}
