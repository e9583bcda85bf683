package cost

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/simgen/pkg/model"
	"github.com/m-mizutani/simgen/pkg/utils/logging"
	"github.com/open-policy-agent/opa/v1/rego"
)

const policyQuery = "data.cost.estimate"

// Policy evaluates a Rego rule `cost.estimate` over the request features. When the
// rule is undefined for an input the heuristic result is used.
//
//	package cost
//
//	estimate = 10 if input.kind == "image"
type Policy struct {
	query *rego.PreparedEvalQuery
}

// NewPolicy loads every .rego file in dir. It returns nil without error when the
// directory holds no policy.
func NewPolicy(ctx context.Context, dir string) (*Policy, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files", goerr.Value("dir", dir))
	}
	if len(files) == 0 {
		return nil, nil
	}

	options := []func(*rego.Rego){rego.Query(policyQuery)}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file", goerr.Value("path", file))
		}
		options = append(options, rego.Module(file, string(data)))
	}

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare cost policy", goerr.Value("dir", dir))
	}

	logging.From(ctx).Info("cost policy loaded", "files", len(files))
	return &Policy{query: &prepared}, nil
}

func (p *Policy) Estimate(ctx context.Context, req *model.Request) (float64, error) {
	features := Features(req)

	rs, err := p.query.Eval(ctx, rego.EvalInput(features))
	if err != nil {
		return 0, goerr.Wrap(err, "failed to evaluate cost policy")
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return heuristic(features), nil
	}

	switch v := rs[0].Expressions[0].Value.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, goerr.Wrap(err, "cost policy returned a malformed number", goerr.Value("value", v))
		}
		return f, nil
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	default:
		return 0, goerr.New("cost policy must return a number", goerr.Value("value", v))
	}
}
