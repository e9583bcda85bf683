// Package cost predicts how expensive generating a request will be. Requests above
// the configured threshold are moved to the asynchronous job path.
package cost

import (
	"context"
	"strings"
	"unicode"

	"github.com/m-mizutani/simgen/pkg/model"
)

// DefaultThreshold separates synchronous from asynchronous generation
const DefaultThreshold = 5.0

// Heuristic estimates cost from the size and shape of the request. An image costs
// more than text; long text with many objects costs more than a short sentence.
type Heuristic struct{}

var objectWords = []string{
	"and", "with", "between", "several", "multiple", "many", "each", "three", "four", "five",
}

func (Heuristic) Estimate(_ context.Context, req *model.Request) (float64, error) {
	return heuristic(Features(req)), nil
}

func heuristic(f map[string]any) float64 {
	if f["kind"] == "image" {
		size, _ := f["image_bytes"].(int)
		return 3.0 + float64(size)/(1<<20)
	}

	words, _ := f["word_count"].(int)
	hits, _ := f["object_words"].(int)
	return 1.0 + float64(words)/40 + 0.5*float64(hits)
}

// Features is the input document shared by the heuristic and policy estimators
func Features(req *model.Request) map[string]any {
	if req.IsImage() {
		return map[string]any{
			"kind":        "image",
			"image_bytes": len(req.Image),
			"image_mime":  req.ImageMIME,
			"hint":        req.Hint,
		}
	}

	words := strings.FieldsFunc(strings.ToLower(req.Text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	hits := 0
	for _, w := range words {
		for _, k := range objectWords {
			if w == k {
				hits++
				break
			}
		}
	}

	return map[string]any{
		"kind":         "text",
		"text":         req.Text,
		"text_length":  len(req.Text),
		"word_count":   len(words),
		"object_words": hits,
		"hint":         req.Hint,
	}
}
