package cost_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/simgen/pkg/model"
	"github.com/m-mizutani/simgen/pkg/service/cost"
)

func TestHeuristic(t *testing.T) {
	ctx := context.Background()
	h := cost.Heuristic{}

	short, err := h.Estimate(ctx, &model.Request{Text: "a ball thrown at 45 degrees"})
	gt.NoError(t, err)
	gt.True(t, short < cost.DefaultThreshold)

	long := strings.Repeat("a planet with several moons and many satellites orbiting between rings ", 20)
	expensive, err := h.Estimate(ctx, &model.Request{Text: long})
	gt.NoError(t, err)
	gt.True(t, expensive > cost.DefaultThreshold)

	image, err := h.Estimate(ctx, &model.Request{Image: []byte{0x89, 0x50}, ImageMIME: "image/png"})
	gt.NoError(t, err)
	gt.True(t, image > short)
}

func TestPolicy(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	policy := `package cost

estimate = 42 if input.kind == "image"

estimate = 0.5 if {
	input.kind == "text"
	contains(input.text, "pendulum")
}
`
	gt.NoError(t, os.WriteFile(filepath.Join(dir, "cost.rego"), []byte(policy), 0644))

	p, err := cost.NewPolicy(ctx, dir)
	gt.NoError(t, err)
	gt.V(t, p).NotNil()

	v, err := p.Estimate(ctx, &model.Request{Image: []byte{1}})
	gt.NoError(t, err)
	gt.Equal(t, v, 42.0)

	v, err = p.Estimate(ctx, &model.Request{Text: "a simple pendulum"})
	gt.NoError(t, err)
	gt.Equal(t, v, 0.5)

	// Undefined rule falls back to the heuristic
	req := &model.Request{Text: "two carts colliding"}
	v, err = p.Estimate(ctx, req)
	gt.NoError(t, err)
	expected, err := cost.Heuristic{}.Estimate(ctx, req)
	gt.NoError(t, err)
	gt.Equal(t, v, expected)
}

func TestPolicyEmptyDir(t *testing.T) {
	p, err := cost.NewPolicy(context.Background(), t.TempDir())
	gt.NoError(t, err)
	gt.Nil(t, p)
}

func TestPolicyInvalid(t *testing.T) {
	dir := t.TempDir()
	gt.NoError(t, os.WriteFile(filepath.Join(dir, "bad.rego"), []byte("package cost\nestimate := ["), 0644))

	_, err := cost.NewPolicy(context.Background(), dir)
	gt.Error(t, err)
}
