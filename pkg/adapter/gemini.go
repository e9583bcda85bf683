package adapter

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"net/http"
	"text/template"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/simgen/pkg/interfaces"
	"github.com/m-mizutani/simgen/pkg/model"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

//go:embed prompt/generate.md
var generatePromptRaw string

var generatePromptTmpl = template.Must(template.New("generate").Parse(generatePromptRaw))

// generateResponseSchema is the envelope returned by the model. The manifest itself
// travels as an encoded string and is checked by the validator, not by the model.
var generateResponseSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"manifest_json": {Type: genai.TypeString, Description: "Manifest JSON document"},
		"confidence":    {Type: genai.TypeNumber, Description: "Interpretation confidence from 0 to 1"},
		"question":      {Type: genai.TypeString, Description: "Clarifying question, empty when not needed"},
	},
	Required: []string{"manifest_json", "confidence"},
}

type generateEnvelope struct {
	ManifestJSON string   `json:"manifest_json"`
	Confidence   *float64 `json:"confidence"`
	Question     string   `json:"question"`
}

// GeminiClient generates manifests and embeddings on Vertex AI
type GeminiClient struct {
	client              *genai.Client
	generativeModel     string
	embeddingModel      string
	embeddingDimensions int32
	limiter             *rate.Limiter
}

var _ interfaces.Generator = (*GeminiClient)(nil)
var _ interfaces.Embedder = (*GeminiClient)(nil)

type GeminiOption func(*GeminiClient)

func WithGenerativeModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.generativeModel = model
	}
}

func WithEmbeddingModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.embeddingModel = model
	}
}

func WithEmbeddingDimensions(n int) GeminiOption {
	return func(g *GeminiClient) {
		g.embeddingDimensions = int32(n)
	}
}

// WithRateLimit caps outgoing calls per second across generation and embedding
func WithRateLimit(perSecond float64, burst int) GeminiOption {
	return func(g *GeminiClient) {
		if perSecond > 0 {
			g.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

func NewGemini(ctx context.Context, projectID, location string, opts ...GeminiOption) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client")
	}

	g := &GeminiClient{
		client:              client,
		generativeModel:     "gemini-2.5-flash",
		embeddingModel:      "gemini-embedding-001",
		embeddingDimensions: model.DefaultEmbeddingDimensions,
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

// Generate performs exactly one generation call
func (g *GeminiClient) Generate(ctx context.Context, input *interfaces.GenerateInput) (*interfaces.GenerateOutput, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}

	var prompt bytes.Buffer
	if err := generatePromptTmpl.Execute(&prompt, map[string]any{
		"Version":      model.ManifestVersion,
		"PhysicsTypes": model.PhysicsTypes(),
		"Text":         input.Text,
		"Hint":         input.Hint,
	}); err != nil {
		return nil, goerr.Wrap(err, "failed to render generation prompt")
	}

	parts := []*genai.Part{genai.NewPartFromText(prompt.String())}
	if len(input.Image) > 0 {
		parts = append(parts, genai.NewPartFromBytes(input.Image, input.ImageMIME))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   generateResponseSchema,
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.generativeModel, contents, config)
	if err != nil {
		return nil, goerr.Wrap(ClassifyGenAIError(err), "failed to generate manifest",
			goerr.Value("model", g.generativeModel))
	}

	text := resp.Text()
	if text == "" {
		// An empty candidate is the backend's fault and may succeed on retry
		return nil, model.NewUpstreamError(model.UpstreamServerError, goerr.New("empty generation response"))
	}

	var env generateEnvelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		// Returned as output so the validator reports it as invalid_output
		return &interfaces.GenerateOutput{Raw: []byte(text)}, nil
	}

	out := &interfaces.GenerateOutput{
		Raw:      []byte(env.ManifestJSON),
		Question: env.Question,
	}
	if len(input.Image) > 0 {
		out.Confidence = env.Confidence
	}
	return out, nil
}

// Embed returns the embedding of text
func (g *GeminiClient) Embed(ctx context.Context, text string) (model.Embedding, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}

	config := &genai.EmbedContentConfig{}
	if g.embeddingDimensions > 0 {
		dims := g.embeddingDimensions
		config.OutputDimensionality = &dims
	}

	resp, err := g.client.Models.EmbedContent(ctx, g.embeddingModel, genai.Text(text), config)
	if err != nil {
		return nil, goerr.Wrap(ClassifyGenAIError(err), "failed to embed content",
			goerr.Value("model", g.embeddingModel))
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, model.NewUpstreamError(model.UpstreamServerError, goerr.New("empty embedding response"))
	}

	return model.Embedding(resp.Embeddings[0].Values), nil
}

func (g *GeminiClient) wait(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return model.NewUpstreamError(model.UpstreamRateLimited, goerr.Wrap(err, "local rate limit"))
	}
	return nil
}

// ClassifyGenAIError maps a genai client error to an upstream error kind
func ClassifyGenAIError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := model.ClassifyUpstream(err); ok {
		if errors.Is(err, context.DeadlineExceeded) {
			return model.NewUpstreamError(model.UpstreamTimeout, err)
		}
		return err
	}

	code := 0
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.Code
	}

	return model.NewUpstreamError(kindFromStatus(code), err)
}

func kindFromStatus(code int) model.UpstreamErrorKind {
	switch {
	case code == http.StatusUnauthorized:
		return model.UpstreamUnauthorized
	case code == http.StatusForbidden:
		return model.UpstreamForbidden
	case code == http.StatusTooManyRequests:
		return model.UpstreamRateLimited
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return model.UpstreamTimeout
	case code >= 400 && code < 500:
		return model.UpstreamBadRequest
	default:
		// 5xx and transport failures without a status
		return model.UpstreamServerError
	}
}
