// Package triage runs the assessment pipeline: normalize the raw input,
// classify it, score it, derive display parameters, and optionally record
// the result in the ledger.
package triage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Skufu/CardioTriage/internal/features"
	"github.com/Skufu/CardioTriage/internal/ledger"
	"github.com/Skufu/CardioTriage/internal/metrics"
	"github.com/Skufu/CardioTriage/internal/registry"
	"github.com/Skufu/CardioTriage/internal/risk"
	"github.com/Skufu/CardioTriage/internal/visual"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var ErrPatientNotFound = errors.New("patient not found")

// Recorder persists assessments.
type Recorder interface {
	Append(ctx context.Context, e ledger.Entry) (ledger.Assessment, error)
}

// Registry is the patient directory the service can look patients up in.
type Registry interface {
	ListIDsByTier(ctx context.Context) (map[risk.Label][]string, error)
	Get(ctx context.Context, id string) (map[string]any, bool, error)
}

// Request is one assessment. Age, when positive, overrides the age in
// Features for display purposes only.
type Request struct {
	Features  map[string]any
	Age       float64
	PatientID string
	Persist   bool
}

// Result is the outcome of a successful classification. Logged reports
// whether the ledger accepted the record.
type Result struct {
	PatientID    string           `json:"patient_id,omitempty"`
	Features     features.Patient `json:"features"`
	Prediction   risk.Prediction  `json:"prediction"`
	RiskScore    float64          `json:"risk_score"`
	Visuals      visual.Params    `json:"visuals"`
	AssessmentID string           `json:"assessment_id,omitempty"`
	Logged       bool             `json:"logged"`
}

// Option configures a Service.
type Option func(*Service)

// WithRecorder enables persistence.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithRegistry enables patient lookups.
func WithRegistry(r Registry) Option {
	return func(s *Service) { s.registry = r }
}

// WithDefaultAge supplies the age used when neither the request nor the
// features carry one.
func WithDefaultAge(fn func() float64) Option {
	return func(s *Service) {
		if fn != nil {
			s.defaultAge = fn
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// Service is stateless apart from its collaborators and safe for concurrent
// use.
type Service struct {
	classifier *risk.Classifier
	mapper     *visual.Mapper
	recorder   Recorder
	registry   Registry
	defaultAge func() float64
	logger     *slog.Logger
}

func NewService(classifier *risk.Classifier, mapper *visual.Mapper, opts ...Option) *Service {
	s := &Service{
		classifier: classifier,
		mapper:     mapper,
		defaultAge: func() float64 { return visual.DefaultAge },
		logger:     slog.Default(),
	}
	if s.mapper == nil {
		s.mapper = visual.NewMapper()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Assess runs the pipeline. Classification failures return no Result. A
// persistence failure returns the full Result with Logged false together
// with a *ledger.PersistenceError.
func (s *Service) Assess(ctx context.Context, req Request) (Result, error) {
	ctx, span := otel.Tracer("cardiotriage/triage").Start(ctx, "triage.Assess")
	defer span.End()

	start := time.Now()
	patient := features.Normalize(req.Features)

	pred, err := s.classifier.Classify(ctx, patient)
	if err != nil {
		kind := "model"
		if errors.Is(err, risk.ErrModelUnavailable) {
			kind = "unavailable"
		}
		metrics.PredictionErrors.WithLabelValues(kind).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "classification failed")
		return Result{}, err
	}

	score := risk.Score(pred.Probabilities)
	vis := s.mapper.Map(pred, score, s.age(req.Age, patient), &patient)
	metrics.PipelineDuration.Observe(time.Since(start).Seconds())

	metrics.Classifications.WithLabelValues(string(pred.Label)).Inc()
	if pred.Overridden {
		metrics.Overrides.WithLabelValues(string(pred.BaselineLabel), string(pred.Label)).Inc()
		s.logger.Debug("sensitivity override",
			"patient_id", req.PatientID,
			"from", pred.BaselineLabel,
			"to", pred.Label,
			"p_critical", pred.Probabilities.Get(risk.Critical),
			"p_warning", pred.Probabilities.Get(risk.Warning),
		)
	}
	span.SetAttributes(
		attribute.String("triage.label", string(pred.Label)),
		attribute.Float64("triage.risk_score", score),
	)

	res := Result{
		PatientID:  req.PatientID,
		Features:   patient,
		Prediction: pred,
		RiskScore:  score,
		Visuals:    vis,
	}
	if !req.Persist {
		return res, nil
	}

	if s.recorder == nil {
		err = &ledger.PersistenceError{Cause: ledger.ErrNoStore}
	} else {
		var a ledger.Assessment
		a, err = s.recorder.Append(ctx, ledger.Entry{
			PatientID:  req.PatientID,
			Input:      patient,
			Prediction: pred,
			RiskScore:  score,
			Visuals:    vis,
		})
		if err == nil {
			res.AssessmentID = a.ID
			res.Logged = true
		}
	}
	if err != nil {
		s.logger.Warn("assessment not recorded", "patient_id", req.PatientID, "error", err)
		return res, err
	}
	return res, nil
}

// age picks the display age: the request, then the measured feature, then
// the configured default.
func (s *Service) age(requested float64, p features.Patient) float64 {
	switch {
	case requested > 0:
		return requested
	case p.AgeYears > 0:
		return p.AgeYears
	default:
		return s.defaultAge()
	}
}

// Patients lists registry ids by tier.
func (s *Service) Patients(ctx context.Context) (map[risk.Label][]string, error) {
	if s.registry == nil {
		return registry.EmptyTiers(), nil
	}
	return s.registry.ListIDsByTier(ctx)
}

// Lookup assesses a registry patient without recording it.
func (s *Service) Lookup(ctx context.Context, id string) (Result, error) {
	if s.registry == nil {
		return Result{}, ErrPatientNotFound
	}
	raw, ok, err := s.registry.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, ErrPatientNotFound
	}
	return s.Assess(ctx, Request{Features: raw, PatientID: id})
}
