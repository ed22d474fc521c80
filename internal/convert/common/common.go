// Package common holds the emission rules shared by every raw-to-canonical
// converter: building a schema.Document from per-thread
// accumulators and writing it as a single pretty-printed JSON pass.
package common

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/uniprof/uniprof/internal/schema"
)

// SampledBuilder accumulates one sampled profile (one thread/process).
type SampledBuilder struct {
	Name       string
	Unit       string
	StartValue float64
	EndValue   float64
	Samples    [][]int
	Weights    []float64
}

func (b *SampledBuilder) AddSample(stack []int, weight float64) {
	b.Samples = append(b.Samples, stack)
	b.Weights = append(b.Weights, weight)
	b.EndValue += weight
}

func (b *SampledBuilder) Build() schema.Profile {
	return schema.Profile{
		Type:       schema.TypeSampled,
		Name:       b.Name,
		Unit:       b.Unit,
		StartValue: b.StartValue,
		EndValue:   b.EndValue,
		Samples:    b.Samples,
		Weights:    b.Weights,
	}
}

// WriteDocument writes doc to path as pretty-printed JSON, the single
// write pass every converter funnels through.
func WriteDocument(path string, doc *schema.Document) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating canonical profile %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("writing canonical profile %s: %w", path, err)
	}
	return nil
}

// ReadDocument loads a canonical profile from path, used by the analyzer
// and by detectFromProfile.
func ReadDocument(path string) (*schema.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading canonical profile %s: %w", path, err)
	}
	var doc schema.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing canonical profile %s: %w", path, err)
	}
	return &doc, nil
}
