// Package featured holds the curated simulations served when generation is unavailable.
// The catalog is loaded once at startup and read-only afterwards.
package featured

import (
	"context"
	_ "embed"
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/simgen/pkg/interfaces"
	"github.com/m-mizutani/simgen/pkg/model"
	"github.com/m-mizutani/simgen/pkg/service/validator"
	"github.com/m-mizutani/simgen/pkg/utils/logging"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// DefaultK is the number of simulations offered in a fallback response
const DefaultK = 3

type catalogFile struct {
	Simulations []catalogItem `yaml:"simulations"`
}

type catalogItem struct {
	ID          string         `yaml:"id"`
	Title       string         `yaml:"title"`
	PhysicsType string         `yaml:"physics_type"`
	Tags        []string       `yaml:"tags"`
	Manifest    map[string]any `yaml:"manifest"`
}

// Catalog is an ordered set of featured simulations
type Catalog struct {
	items []*model.FeaturedSimulation
}

// New builds a catalog from already prepared simulations
func New(items ...*model.FeaturedSimulation) *Catalog {
	return &Catalog{items: items}
}

// Default returns the catalog bundled with the binary
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a YAML catalog file
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read featured catalog", goerr.Value("path", path))
	}
	c, err := Parse(data)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to parse featured catalog", goerr.Value("path", path))
	}
	return c, nil
}

// Parse decodes a YAML catalog. Manifests are written inline in YAML and decoded
// through their JSON form.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, goerr.Wrap(err, "invalid catalog YAML")
	}

	seen := make(map[string]bool)
	c := &Catalog{}
	for i, item := range file.Simulations {
		if item.ID == "" {
			return nil, goerr.New("featured simulation has no id", goerr.Value("index", i))
		}
		if seen[item.ID] {
			return nil, goerr.New("duplicate featured simulation id", goerr.Value("id", item.ID))
		}
		seen[item.ID] = true

		raw, err := json.Marshal(item.Manifest)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to encode featured manifest", goerr.Value("id", item.ID))
		}
		m, err := model.ParseManifest(raw)
		if err != nil {
			return nil, goerr.Wrap(err, "invalid featured manifest", goerr.Value("id", item.ID))
		}

		pt := model.PhysicsType(item.PhysicsType)
		if pt == "" {
			pt = m.PhysicsType
		}
		if err := pt.Validate(); err != nil {
			return nil, goerr.Wrap(err, "invalid featured physics type", goerr.Value("id", item.ID))
		}

		c.items = append(c.items, &model.FeaturedSimulation{
			ID:          item.ID,
			Title:       item.Title,
			PhysicsType: pt,
			Tags:        item.Tags,
			Manifest:    m,
		})
	}

	return c, nil
}

// Prepare validates every manifest and computes tag embeddings. It must be called
// once before the catalog is shared.
func (c *Catalog) Prepare(ctx context.Context, v *validator.Validator, embedder interfaces.Embedder) error {
	for _, item := range c.items {
		if v != nil {
			result := v.ValidateManifest(ctx, item.Manifest)
			if !result.Valid {
				return goerr.New("featured manifest is invalid",
					goerr.Value("id", item.ID), goerr.Value("reason", result.Error()))
			}
			item.Manifest = result.Manifest
		}

		if embedder != nil && len(item.TagEmbedding) == 0 {
			emb, err := embedder.Embed(ctx, TagText(item))
			if err != nil {
				return goerr.Wrap(err, "failed to embed featured simulation", goerr.Value("id", item.ID))
			}
			item.TagEmbedding = emb
		}
	}

	logging.From(ctx).Info("featured catalog prepared", "count", len(c.items))
	return nil
}

// TagText is the text embedded for a featured simulation
func TagText(f *model.FeaturedSimulation) string {
	parts := append([]string{f.Title, string(f.PhysicsType)}, f.Tags...)
	return strings.Join(parts, " ")
}

// All returns every simulation in catalog order
func (c *Catalog) All() []*model.FeaturedSimulation {
	out := make([]*model.FeaturedSimulation, len(c.items))
	copy(out, c.items)
	return out
}

// Len returns the number of simulations
func (c *Catalog) Len() int {
	return len(c.items)
}

// TopK returns up to k simulations ranked by similarity of their tag embedding to
// query. Without a query, or for items without embedding, catalog order is kept.
func (c *Catalog) TopK(query model.Embedding, k int) []*model.FeaturedSimulation {
	if k <= 0 {
		return nil
	}

	type scored struct {
		item  *model.FeaturedSimulation
		score float64
	}
	ranked := make([]scored, 0, len(c.items))
	for _, item := range c.items {
		s := scored{item: item, score: -1}
		if len(query) > 0 && len(item.TagEmbedding) > 0 {
			if sim, err := model.CosineSimilarity(query, item.TagEmbedding); err == nil {
				s.score = sim
			}
		}
		ranked = append(ranked, s)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	if k > len(ranked) {
		k = len(ranked)
	}
	out := make([]*model.FeaturedSimulation, k)
	for i := 0; i < k; i++ {
		out[i] = ranked[i].item
	}
	return out
}
