package mcp_test

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/simgen/pkg/model"
	"github.com/m-mizutani/simgen/pkg/service/mcp"
)

type useCaseMock struct {
	mu        sync.Mutex
	submitFn  func(req *model.Request) (*model.Response, error)
	submitted []*model.Request
	jobs      map[model.JobID]*model.JobStatusView
	dls       []*model.DeadLetter
	requeued  []model.JobID
	featured  []*model.FeaturedSimulation
}

func (m *useCaseMock) Submit(_ context.Context, req *model.Request) (*model.Response, error) {
	m.mu.Lock()
	m.submitted = append(m.submitted, req)
	m.mu.Unlock()
	return m.submitFn(req)
}

func (m *useCaseMock) JobStatus(_ context.Context, id model.JobID) (*model.JobStatusView, error) {
	view, ok := m.jobs[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrJobNotFound, "job not found")
	}
	return view, nil
}

func (m *useCaseMock) ListDeadLetters(_ context.Context, offset, limit int) ([]*model.DeadLetter, error) {
	if offset >= len(m.dls) {
		return nil, nil
	}
	return m.dls[offset:min(offset+limit, len(m.dls))], nil
}

func (m *useCaseMock) Requeue(_ context.Context, id model.JobID) (*model.Job, error) {
	for _, dl := range m.dls {
		if dl.JobID == id {
			m.mu.Lock()
			m.requeued = append(m.requeued, id)
			m.mu.Unlock()
			return &model.Job{ID: id, Status: model.JobPending}, nil
		}
	}
	return nil, goerr.Wrap(model.ErrDeadLetterNotFound, "dead letter not found")
}

func (m *useCaseMock) Featured() []*model.FeaturedSimulation {
	return m.featured
}

func connect(t *testing.T, uc mcp.UseCase) *mcp.Client {
	t.Helper()
	server, err := mcp.NewServer(uc)
	gt.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	client, err := mcp.Connect(context.Background(), mcp.ClientConfig{
		Transport: "http",
		URL:       ts.URL,
	})
	gt.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestTools(t *testing.T) {
	client := connect(t, &useCaseMock{})

	names := map[string]bool{}
	for _, tool := range client.Tools() {
		names[tool.Name] = true
	}
	for _, name := range []string{
		mcp.ToolSubmitScenario, mcp.ToolJobStatus, mcp.ToolListDeadLetters,
		mcp.ToolRequeueJob, mcp.ToolListFeatured,
	} {
		gt.True(t, names[name]).Describe(name)
	}
}

func TestSubmitText(t *testing.T) {
	uc := &useCaseMock{submitFn: func(req *model.Request) (*model.Response, error) {
		return &model.Response{
			Kind:     model.ResponseManifest,
			Hit:      true,
			Manifest: &model.Manifest{Version: "1.0", PhysicsType: model.PhysicsSpring},
		}, nil
	}}
	client := connect(t, uc)

	resp, err := client.Submit(context.Background(), &mcp.SubmitInput{UserID: "u1", Text: "a mass on a spring"})
	gt.NoError(t, err)
	gt.Equal(t, resp.Kind, model.ResponseManifest)
	gt.True(t, resp.Hit)
	gt.Equal(t, resp.Manifest.PhysicsType, model.PhysicsSpring)

	gt.A(t, uc.submitted).Length(1)
	gt.Equal(t, uc.submitted[0].UserID, "u1")
	gt.Equal(t, uc.submitted[0].Text, "a mass on a spring")
}

func TestSubmitImage(t *testing.T) {
	image := []byte{0x89, 'P', 'N', 'G', 0x00, 0xff}
	uc := &useCaseMock{submitFn: func(req *model.Request) (*model.Response, error) {
		return &model.Response{Kind: model.ResponseJob, JobID: "job-1", JobStatus: model.JobPending}, nil
	}}
	client := connect(t, uc)

	resp, err := client.Submit(context.Background(), &mcp.SubmitInput{
		ImageBase64: base64.StdEncoding.EncodeToString(image),
		ImageMIME:   "image/png",
	})
	gt.NoError(t, err)
	gt.Equal(t, resp.Kind, model.ResponseJob)
	gt.Equal(t, resp.JobID, model.JobID("job-1"))
	gt.Equal(t, uc.submitted[0].Image, image)
	gt.Equal(t, uc.submitted[0].ImageMIME, "image/png")
}

func TestSubmitErrorResponse(t *testing.T) {
	uc := &useCaseMock{submitFn: func(*model.Request) (*model.Response, error) {
		return model.ErrorResponse(model.CodeInvalidInput), nil
	}}
	client := connect(t, uc)

	resp, err := client.Submit(context.Background(), &mcp.SubmitInput{})
	gt.NoError(t, err)
	gt.Equal(t, resp.Kind, model.ResponseError)
	gt.Equal(t, resp.Code, model.CodeInvalidInput)
	gt.Equal(t, resp.Message, model.CodeInvalidInput.UserMessage())
}

func TestSubmitInternalErrorIsNotLeaked(t *testing.T) {
	uc := &useCaseMock{submitFn: func(*model.Request) (*model.Response, error) {
		return nil, errors.New("firestore: connection refused at 10.0.0.3")
	}}
	client := connect(t, uc)

	resp, err := client.Submit(context.Background(), &mcp.SubmitInput{Text: "pendulum"})
	gt.NoError(t, err)
	gt.Equal(t, resp.Code, model.CodeInternal)
	gt.S(t, resp.Message).NotContains("firestore")
}

func TestSubmitBadImage(t *testing.T) {
	uc := &useCaseMock{}
	client := connect(t, uc)

	resp, err := client.Submit(context.Background(), &mcp.SubmitInput{ImageBase64: "%%%not base64"})
	gt.NoError(t, err)
	gt.Equal(t, resp.Code, model.CodeInvalidInput)
	gt.A(t, uc.submitted).Length(0)
}

func TestJobStatus(t *testing.T) {
	uc := &useCaseMock{jobs: map[model.JobID]*model.JobStatusView{
		"job-ready": {
			JobID:    "job-ready",
			Status:   model.JobReady,
			Manifest: &model.Manifest{Version: "1.0", PhysicsType: model.PhysicsWave},
		},
	}}
	client := connect(t, uc)
	ctx := context.Background()

	view, err := client.JobStatus(ctx, "job-ready")
	gt.NoError(t, err)
	gt.Equal(t, view.Status, model.JobReady)
	gt.Equal(t, view.Manifest.PhysicsType, model.PhysicsWave)

	_, err = client.JobStatus(ctx, "job-missing")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, mcp.ErrToolFailed))
	gt.S(t, err.Error()).Contains(model.CodeNotFound.UserMessage())
}

func TestDeadLetterTools(t *testing.T) {
	failedAt := time.Date(2026, 4, 2, 3, 4, 5, 0, time.UTC)
	uc := &useCaseMock{dls: []*model.DeadLetter{
		{JobID: "job-a", Reason: model.FailureTimeout, Attempts: 3, FailedAt: failedAt,
			Request: model.Request{Text: "waves in a tank"}},
		{JobID: "job-b", Reason: model.FailureInvalidOutput, Attempts: 3, FailedAt: failedAt,
			Request: model.Request{Image: []byte{1, 2, 3}}},
	}}
	client := connect(t, uc)
	ctx := context.Background()

	views, err := client.ListDeadLetters(ctx, 0, 10)
	gt.NoError(t, err)
	gt.A(t, views).Length(2)
	gt.Equal(t, views[0].JobID, model.JobID("job-a"))
	gt.Equal(t, views[0].Reason, model.FailureTimeout)
	gt.Equal(t, views[0].Text, "waves in a tank")
	gt.True(t, views[0].FailedAt.Equal(failedAt))
	gt.True(t, views[1].Image)

	view, err := client.Requeue(ctx, "job-b")
	gt.NoError(t, err)
	gt.Equal(t, view.Status, model.JobPending)
	gt.Equal(t, uc.requeued, []model.JobID{"job-b"})

	_, err = client.Requeue(ctx, "job-zzz")
	gt.True(t, errors.Is(err, mcp.ErrToolFailed))
}

func TestListFeatured(t *testing.T) {
	uc := &useCaseMock{featured: []*model.FeaturedSimulation{
		{ID: "pendulum-simple", Title: "Simple pendulum", PhysicsType: model.PhysicsPendulum},
	}}
	client := connect(t, uc)

	items, err := client.Featured(context.Background())
	gt.NoError(t, err)
	gt.A(t, items).Length(1)
	gt.Equal(t, items[0].ID, "pendulum-simple")
}
