package triage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Skufu/CardioTriage/internal/features"
	"github.com/Skufu/CardioTriage/internal/ledger"
	"github.com/Skufu/CardioTriage/internal/metrics"
	"github.com/Skufu/CardioTriage/internal/risk"
	"github.com/Skufu/CardioTriage/internal/visual"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type stubModel struct {
	probs []float64
	err   error

	mu   sync.Mutex
	seen [][]float64
}

func (m *stubModel) Labels() []risk.Label { return risk.Order }

func (m *stubModel) PredictProba(_ context.Context, v []float64) ([]float64, error) {
	m.mu.Lock()
	m.seen = append(m.seen, v)
	m.mu.Unlock()
	return m.probs, m.err
}

type failingRecorder struct{ err error }

func (r failingRecorder) Append(context.Context, ledger.Entry) (ledger.Assessment, error) {
	return ledger.Assessment{}, &ledger.PersistenceError{Cause: r.err}
}

type mapRegistry map[string]map[string]any

func (r mapRegistry) ListIDsByTier(context.Context) (map[risk.Label][]string, error) {
	out := map[risk.Label][]string{risk.Safe: {}, risk.Warning: {}, risk.Critical: {}}
	for id := range r {
		out[risk.Safe] = append(out[risk.Safe], id)
	}
	return out, nil
}

func (r mapRegistry) Get(_ context.Context, id string) (map[string]any, bool, error) {
	v, ok := r[id]
	return v, ok, nil
}

func noJitter() *visual.Mapper {
	return visual.NewMapper(visual.WithJitter(func(float64) float64 { return 0 }))
}

func newService(m risk.Model, opts ...Option) *Service {
	return NewService(risk.NewClassifier(m), noJitter(), opts...)
}

var safeFeatures = map[string]any{
	features.AgeYears:            52,
	features.BaselineLVEFPercent: 65,
	features.CumulativeDose:      0,
	features.QTcIntervalMS:       400,
	features.RestingHeartRateBPM: 68,
}

func TestAssessSafeScenario(t *testing.T) {
	m := &stubModel{probs: []float64{0.90, 0.08, 0.02}}
	res, err := newService(m).Assess(context.Background(), Request{Features: safeFeatures})
	require.NoError(t, err)

	assert.Equal(t, risk.Safe, res.Prediction.Label)
	assert.False(t, res.Prediction.Overridden)
	assert.InDelta(t, 0.06, res.RiskScore, 1e-9)
	assert.Equal(t, risk.LevelLow, res.Visuals.RiskLevel)
	assert.Equal(t, "#4CAF50", res.Visuals.Color)
	assert.Equal(t, 68, res.Visuals.HeartRate)
	assert.InDelta(t, 65.0/60.0, res.Visuals.ContractionIntensity, 1e-9)
	assert.Equal(t, res.RiskScore, res.Visuals.RiskScore)
	assert.False(t, res.Logged)

	require.Len(t, m.seen, 1)
	assert.Equal(t, features.Normalize(safeFeatures).Vector(), m.seen[0])
}

func TestAssessCriticalOverrideScenario(t *testing.T) {
	before := testutil.ToFloat64(metrics.Overrides.WithLabelValues("Safe", "Critical"))

	m := &stubModel{probs: []float64{0.55, 0.10, 0.35}}
	res, err := newService(m).Assess(context.Background(), Request{Features: safeFeatures})
	require.NoError(t, err)

	assert.Equal(t, risk.Safe, res.Prediction.BaselineLabel)
	assert.Equal(t, risk.Critical, res.Prediction.Label)
	assert.InDelta(t, 0.55, res.Prediction.Confidence, 1e-9)
	assert.InDelta(t, 0.35, res.Prediction.LabelProbability(), 1e-9)
	assert.InDelta(t, 0.40, res.RiskScore, 1e-9)
	assert.Equal(t, risk.LevelHigh, res.Visuals.RiskLevel)
	assert.Equal(t, visual.RhythmProlongedQTc, res.Visuals.ArrhythmiaType)

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.Overrides.WithLabelValues("Safe", "Critical")))
}

func TestAssessCriticalBeatsWarning(t *testing.T) {
	m := &stubModel{probs: []float64{0.15, 0.50, 0.35}}
	res, err := newService(m).Assess(context.Background(), Request{Features: safeFeatures})
	require.NoError(t, err)
	assert.Equal(t, risk.Critical, res.Prediction.Label)
	assert.InDelta(t, 0.50, res.Prediction.Confidence, 1e-9)
}

func TestAssessLenientInput(t *testing.T) {
	m := &stubModel{probs: []float64{1, 0, 0}}
	res, err := newService(m).Assess(context.Background(), Request{
		Features: map[string]any{"age_years": "not-a-number", "blood_pressure": "abc"},
	})
	require.NoError(t, err)
	assert.Zero(t, res.Features.AgeYears)
	assert.Equal(t, features.DefaultSystolic, res.Features.SystolicBP)
	assert.Equal(t, features.DefaultDiastolic, res.Features.DiastolicBP)
}

func TestAssessAgeSelection(t *testing.T) {
	m := &stubModel{probs: []float64{0, 0, 1}}
	svc := newService(m, WithDefaultAge(func() float64 { return 30 }))
	ctx := context.Background()

	// High tier with no measured heart rate estimates 100 bpm, capped by age.
	res, err := svc.Assess(ctx, Request{Features: map[string]any{}, Age: 120})
	require.NoError(t, err)
	assert.Equal(t, 90, res.Visuals.HeartRate)

	res, err = svc.Assess(ctx, Request{Features: map[string]any{"age": 150}})
	require.NoError(t, err)
	assert.Equal(t, 63, res.Visuals.HeartRate)

	res, err = svc.Assess(ctx, Request{Features: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, 100, res.Visuals.HeartRate)
}

func TestAssessEmptyFeaturesUseAgeBasedRhythm(t *testing.T) {
	m := &stubModel{probs: []float64{0, 0, 1}}
	svc := newService(m)
	ctx := context.Background()

	res, err := svc.Assess(ctx, Request{Features: map[string]any{}, Age: 70})
	require.NoError(t, err)
	assert.True(t, res.Features.IsZero())
	assert.Equal(t, visual.RhythmAtrialFibrillation, res.Visuals.ArrhythmiaType)

	res, err = svc.Assess(ctx, Request{Features: map[string]any{}, Age: 45})
	require.NoError(t, err)
	assert.Equal(t, visual.RhythmVentricularTachy, res.Visuals.ArrhythmiaType)

	res, err = svc.Assess(ctx, Request{Features: map[string]any{features.AgeYears: 70}})
	require.NoError(t, err)
	assert.Equal(t, visual.RhythmProlongedQTc, res.Visuals.ArrhythmiaType)
}

func TestAssessHeartRateCap(t *testing.T) {
	m := &stubModel{probs: []float64{0, 0, 1}}
	svc := NewService(risk.NewClassifier(m), visual.NewMapper(visual.WithJitter(func(s float64) float64 { return s })))
	res, err := svc.Assess(context.Background(), Request{
		Features: map[string]any{features.AgeYears: 80, features.RestingHeartRateBPM: 180},
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, res.Visuals.HeartRate, 126)
}

func TestAssessModelUnavailable(t *testing.T) {
	before := testutil.ToFloat64(metrics.PredictionErrors.WithLabelValues("unavailable"))
	rec := &countingRecorder{}
	svc := NewService(risk.NewClassifier(nil), nil, WithRecorder(rec))

	_, err := svc.Assess(context.Background(), Request{Features: safeFeatures, Persist: true})
	assert.ErrorIs(t, err, risk.ErrModelUnavailable)
	assert.Zero(t, rec.n)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.PredictionErrors.WithLabelValues("unavailable")))
}

func TestAssessPredictionError(t *testing.T) {
	cause := errors.New("onnx runtime crashed")
	rec := &countingRecorder{}
	svc := newService(&stubModel{err: cause}, WithRecorder(rec))

	_, err := svc.Assess(context.Background(), Request{Features: safeFeatures, Persist: true})
	var perr *risk.PredictionError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, cause)
	assert.Zero(t, rec.n)
}

func TestAssessPersistenceFailureStillReturnsResult(t *testing.T) {
	svc := newService(&stubModel{probs: []float64{0.9, 0.08, 0.02}},
		WithRecorder(failingRecorder{err: errors.New("disk full")}))

	res, err := svc.Assess(context.Background(), Request{Features: safeFeatures, Persist: true})
	var perr *ledger.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, risk.Safe, res.Prediction.Label)
	assert.InDelta(t, 0.06, res.RiskScore, 1e-9)
	assert.False(t, res.Logged)
	assert.Empty(t, res.AssessmentID)
}

func TestAssessPersistWithoutRecorder(t *testing.T) {
	res, err := newService(&stubModel{probs: []float64{1, 0, 0}}).
		Assess(context.Background(), Request{Features: safeFeatures, Persist: true})
	assert.ErrorIs(t, err, ledger.ErrNoStore)
	assert.Equal(t, risk.Safe, res.Prediction.Label)
}

type countingRecorder struct {
	mu sync.Mutex
	n  int
}

func (r *countingRecorder) Append(_ context.Context, e ledger.Entry) (ledger.Assessment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	return ledger.Assessment{ID: "A1", RiskLevel: string(e.Visuals.RiskLevel)}, nil
}

func TestAssessPersists(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore(), nil)
	svc := newService(&stubModel{probs: []float64{0.2, 0.5, 0.3}}, WithRecorder(l))
	ctx := context.Background()

	res, err := svc.Assess(ctx, Request{Features: safeFeatures, PatientID: "P7", Persist: true})
	require.NoError(t, err)
	assert.True(t, res.Logged)
	assert.NotEmpty(t, res.AssessmentID)

	recent, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, res.AssessmentID, recent[0].ID)
	assert.Equal(t, "P7", recent[0].PatientID)
	assert.Equal(t, "Medium", recent[0].RiskLevel)
	assert.InDelta(t, 0.55, recent[0].RiskScore, 1e-9)
}

func TestAssessConcurrent(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore(), nil)
	svc := newService(&stubModel{probs: []float64{0.6, 0.3, 0.1}}, WithRecorder(l))
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 50; i++ {
		g.Go(func() error {
			_, err := svc.Assess(ctx, Request{Features: safeFeatures, Persist: true})
			return err
		})
	}
	require.NoError(t, g.Wait())

	recent, err := l.Recent(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, recent, 50)
}

func TestLookup(t *testing.T) {
	reg := mapRegistry{"P1": {"age": "67", "qtc_baseline": "520", "Status_Label": "Warning"}}
	rec := &countingRecorder{}
	svc := newService(&stubModel{probs: []float64{0.7, 0.2, 0.1}}, WithRegistry(reg), WithRecorder(rec))
	ctx := context.Background()

	res, err := svc.Lookup(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, "P1", res.PatientID)
	assert.Equal(t, 67.0, res.Features.AgeYears)
	assert.Equal(t, visual.RhythmProlongedQTc, res.Visuals.ArrhythmiaType)
	assert.Zero(t, rec.n)

	_, err = svc.Lookup(ctx, "nope")
	assert.ErrorIs(t, err, ErrPatientNotFound)

	_, err = newService(&stubModel{}).Lookup(ctx, "P1")
	assert.ErrorIs(t, err, ErrPatientNotFound)

	tiers, err := newService(&stubModel{}).Patients(ctx)
	require.NoError(t, err)
	assert.Len(t, tiers, 3)
}
