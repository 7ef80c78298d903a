// Package risk turns model class probabilities into a triage decision.
//
// The decision applies a sensitivity override on top of the model's most
// likely class: a Critical probability above CriticalThreshold forces a
// Critical label, otherwise a Warning probability above WarningThreshold
// forces Warning. Confidence always reports the largest raw probability,
// even when the override picked a different class.
package risk

import (
	"context"
	"fmt"
	"math"

	"github.com/Skufu/CardioTriage/internal/features"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Model is an opaque probabilistic classifier. Labels is fixed for the
// lifetime of the model; PredictProba returns one probability per label in
// the same order.
type Model interface {
	Labels() []Label
	PredictProba(ctx context.Context, vector []float64) ([]float64, error)
}

// probabilityTolerance bounds how far a model's output may drift from a
// sum of 1.
const probabilityTolerance = 1e-3

// Thresholds are the override policy constants.
type Thresholds struct {
	Critical float64 `json:"critical_threshold" yaml:"critical_threshold"`
	Warning  float64 `json:"warning_threshold" yaml:"warning_threshold"`
}

// DefaultThresholds returns the clinical defaults (0.30 / 0.40).
func DefaultThresholds() Thresholds {
	return Thresholds{Critical: 0.30, Warning: 0.40}
}

// Validate rejects thresholds outside (0, 1).
func (t Thresholds) Validate() error {
	if t.Critical <= 0 || t.Critical >= 1 {
		return fmt.Errorf("critical threshold %.3f must be within (0,1)", t.Critical)
	}
	if t.Warning <= 0 || t.Warning >= 1 {
		return fmt.Errorf("warning threshold %.3f must be within (0,1)", t.Warning)
	}
	return nil
}

// Prediction is the classifier output.
type Prediction struct {
	Label         Label         `json:"label"`
	BaselineLabel Label         `json:"baseline_label"`
	Overridden    bool          `json:"overridden"`
	Probabilities Probabilities `json:"probabilities"`
	Confidence    float64       `json:"confidence"`
}

// LabelProbability returns the probability of the final label. It differs
// from Confidence when an override fired.
func (p Prediction) LabelProbability() float64 {
	return p.Probabilities.Get(p.Label)
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithThresholds fixes the override thresholds.
func WithThresholds(t Thresholds) Option {
	return func(c *Classifier) {
		c.thresholds = func() Thresholds { return t }
	}
}

// WithThresholdFunc reads the thresholds on every call, for policies that
// can be reloaded while the process runs.
func WithThresholdFunc(fn func() Thresholds) Option {
	return func(c *Classifier) {
		if fn != nil {
			c.thresholds = fn
		}
	}
}

// Classifier applies the override policy to an injected model. It holds no
// mutable state and is safe for concurrent use.
type Classifier struct {
	model      Model
	thresholds func() Thresholds
}

// NewClassifier wraps m. A nil m is allowed; Classify then reports
// ErrModelUnavailable.
func NewClassifier(m Model, opts ...Option) *Classifier {
	c := &Classifier{
		model:      m,
		thresholds: DefaultThresholds,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Thresholds returns the thresholds the next call will use.
func (c *Classifier) Thresholds() Thresholds {
	return c.thresholds()
}

// Classify runs the model on p and applies the override policy.
func (c *Classifier) Classify(ctx context.Context, p features.Patient) (Prediction, error) {
	if c == nil || c.model == nil {
		return Prediction{}, ErrModelUnavailable
	}

	ctx, span := otel.Tracer("cardiotriage/risk").Start(ctx, "risk.Classify")
	defer span.End()

	labels := c.model.Labels()
	raw, err := c.model.PredictProba(ctx, p.Vector())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "inference failed")
		return Prediction{}, &PredictionError{Cause: err}
	}

	probs, err := keyProbabilities(labels, raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid model output")
		return Prediction{}, &PredictionError{Cause: err}
	}

	pred := Decide(probs, c.thresholds())
	span.SetAttributes(
		attribute.String("risk.label", string(pred.Label)),
		attribute.String("risk.baseline_label", string(pred.BaselineLabel)),
		attribute.Bool("risk.overridden", pred.Overridden),
	)
	return pred, nil
}

// Decide applies the override policy to an already keyed probability vector.
// The Critical check runs before the Warning check; the Warning check is
// skipped for 2-class vectors.
func Decide(probs Probabilities, t Thresholds) Prediction {
	baseline := probs.Argmax()
	label := baseline
	switch {
	case probs.Get(Critical) > t.Critical:
		label = Critical
	case probs.Has(Warning) && probs.Get(Warning) > t.Warning:
		label = Warning
	}
	return Prediction{
		Label:         label,
		BaselineLabel: baseline,
		Overridden:    label != baseline,
		Probabilities: probs,
		Confidence:    probs.Max(),
	}
}

// keyProbabilities pairs model output with labels. A 2-class model is read
// as {negative, positive}: index 0 is Safe and index 1 is Critical whatever
// the model calls them.
func keyProbabilities(labels []Label, raw []float64) (Probabilities, error) {
	if len(raw) != len(labels) {
		return nil, fmt.Errorf("%w: %d probabilities for %d labels", ErrInvalidProbabilities, len(raw), len(labels))
	}

	sum := 0.0
	for i, v := range raw {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return nil, fmt.Errorf("%w: probability %d is %v", ErrInvalidProbabilities, i, v)
		}
		sum += v
	}
	if math.Abs(sum-1) > probabilityTolerance {
		return nil, fmt.Errorf("%w: probabilities sum to %.4f", ErrInvalidProbabilities, sum)
	}

	switch len(labels) {
	case 2:
		return Probabilities{Safe: raw[0], Critical: raw[1]}, nil
	case 3:
		out := make(Probabilities, 3)
		for i, name := range labels {
			l, ok := ParseLabel(string(name))
			if !ok {
				return nil, fmt.Errorf("%w: unknown label %q", ErrUnsupportedLabels, name)
			}
			if _, dup := out[l]; dup {
				return nil, fmt.Errorf("%w: duplicate label %q", ErrUnsupportedLabels, name)
			}
			out[l] = raw[i]
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %d classes", ErrUnsupportedLabels, len(labels))
	}
}
