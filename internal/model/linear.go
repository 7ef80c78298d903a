package model

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/Skufu/CardioTriage/internal/features"
	"github.com/Skufu/CardioTriage/internal/risk"
	"gopkg.in/yaml.v3"
)

// LinearSpec is the YAML form of a multinomial logistic model. Weights and
// bias are keyed by label name, then by canonical feature name. Missing
// coefficients are 0. Means and scales standardize inputs before the dot
// product; a missing or zero scale leaves the feature unscaled.
type LinearSpec struct {
	Labels  []string                      `yaml:"labels"`
	Weights map[string]map[string]float64 `yaml:"weights"`
	Bias    map[string]float64            `yaml:"bias"`
	Means   map[string]float64            `yaml:"means"`
	Scales  map[string]float64            `yaml:"scales"`
}

// Linear is an in-process softmax classifier. It is immutable after
// construction.
type Linear struct {
	labels  []risk.Label
	weights [][]float64
	bias    []float64
	means   []float64
	scales  []float64
}

// LoadLinear reads a LinearSpec from path.
func LoadLinear(path string) (*Linear, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model file: %w", err)
	}
	var spec LinearSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse model file: %w", err)
	}
	return NewLinear(spec)
}

func NewLinear(spec LinearSpec) (*Linear, error) {
	if n := len(spec.Labels); n != 2 && n != 3 {
		return nil, fmt.Errorf("model must have 2 or 3 labels, got %d", n)
	}
	known := make(map[string]bool, len(features.Names))
	for _, name := range features.Names {
		known[name] = true
	}
	for label, row := range spec.Weights {
		for name := range row {
			if !known[name] {
				return nil, fmt.Errorf("label %q: unknown feature %q", label, name)
			}
		}
	}

	m := &Linear{
		means:  make([]float64, len(features.Names)),
		scales: make([]float64, len(features.Names)),
	}
	for i, name := range features.Names {
		m.means[i] = spec.Means[name]
		m.scales[i] = 1
		if s := spec.Scales[name]; s != 0 {
			m.scales[i] = s
		}
	}
	for _, label := range spec.Labels {
		m.labels = append(m.labels, risk.Label(label))
		row := make([]float64, len(features.Names))
		for i, name := range features.Names {
			row[i] = spec.Weights[label][name]
		}
		m.weights = append(m.weights, row)
		m.bias = append(m.bias, spec.Bias[label])
	}
	return m, nil
}

func (m *Linear) Labels() []risk.Label {
	return m.labels
}

func (m *Linear) PredictProba(ctx context.Context, vector []float64) ([]float64, error) {
	if len(vector) != len(features.Names) {
		return nil, fmt.Errorf("expected %d features, got %d", len(features.Names), len(vector))
	}
	logits := make([]float64, len(m.labels))
	for k := range m.labels {
		z := m.bias[k]
		for i, x := range vector {
			z += m.weights[k][i] * (x - m.means[i]) / m.scales[i]
		}
		logits[k] = z
	}
	return softmax(logits), nil
}

// softmax shifts by the largest logit so exp never overflows.
func softmax(logits []float64) []float64 {
	peak := math.Inf(-1)
	for _, z := range logits {
		peak = math.Max(peak, z)
	}
	out := make([]float64, len(logits))
	sum := 0.0
	for i, z := range logits {
		out[i] = math.Exp(z - peak)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
