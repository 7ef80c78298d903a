package model

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Skufu/CardioTriage/internal/features"
	"github.com/Skufu/CardioTriage/internal/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPPredictProba(t *testing.T) {
	var got predictRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/predict_proba", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"probabilities":[0.2,0.3,0.5]}`))
	}))
	defer srv.Close()

	m, err := NewHTTP(srv.URL + "/")
	require.NoError(t, err)
	assert.Equal(t, risk.Order, m.Labels())

	vec := features.Patient{AgeYears: 60, QTcIntervalMS: 480}.Vector()
	probs, err := m.PredictProba(context.Background(), vec)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.2, 0.3, 0.5}, probs)
	assert.Equal(t, features.Names, got.FeatureNames)
	assert.Equal(t, vec, got.Features)
}

func TestHTTPNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m, err := NewHTTP(srv.URL)
	require.NoError(t, err)
	_, err = m.PredictProba(context.Background(), make([]float64, len(features.Names)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestHTTPTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	m, err := NewHTTP(srv.URL, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)
	_, err = m.PredictProba(context.Background(), make([]float64, len(features.Names)))
	assert.Error(t, err)
}

func TestNewHTTPValidation(t *testing.T) {
	_, err := NewHTTP("")
	assert.Error(t, err)

	_, err = NewHTTP("http://x", WithLabels(risk.Safe))
	assert.Error(t, err)

	m, err := NewHTTP("http://x", WithLabels("negative", "positive"))
	require.NoError(t, err)
	assert.Len(t, m.Labels(), 2)
}

func TestHTTPThroughClassifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"probabilities":[0.4,0.25,0.35]}`))
	}))
	defer srv.Close()

	m, err := NewHTTP(srv.URL)
	require.NoError(t, err)
	pred, err := risk.NewClassifier(m).Classify(context.Background(), features.Patient{})
	require.NoError(t, err)
	assert.Equal(t, risk.Critical, pred.Label)
	assert.Equal(t, risk.Safe, pred.BaselineLabel)
	assert.InDelta(t, 0.4, pred.Confidence, 1e-9)
}

func TestLinearSoftmax(t *testing.T) {
	m, err := NewLinear(LinearSpec{
		Labels: []string{"Safe", "Warning", "Critical"},
		Weights: map[string]map[string]float64{
			"Critical": {features.QTcIntervalMS: 1},
		},
		Bias:   map[string]float64{"Safe": 1},
		Means:  map[string]float64{features.QTcIntervalMS: 440},
		Scales: map[string]float64{features.QTcIntervalMS: 20},
	})
	require.NoError(t, err)

	probs, err := m.PredictProba(context.Background(), features.Patient{QTcIntervalMS: 440}.Vector())
	require.NoError(t, err)
	e := math.E
	assert.InDelta(t, e/(e+2), probs[0], 1e-12)
	assert.InDelta(t, 1/(e+2), probs[1], 1e-12)
	assert.InDelta(t, 1/(e+2), probs[2], 1e-12)

	probs, err = m.PredictProba(context.Background(), features.Patient{QTcIntervalMS: 540}.Vector())
	require.NoError(t, err)
	assert.Greater(t, probs[2], probs[0])
	assert.InDelta(t, 1.0, probs[0]+probs[1]+probs[2], 1e-12)
}

func TestLinearLargeLogitsStayFinite(t *testing.T) {
	m, err := NewLinear(LinearSpec{
		Labels:  []string{"Safe", "Critical"},
		Weights: map[string]map[string]float64{"Critical": {features.CumulativeDose: 10}},
	})
	require.NoError(t, err)
	probs, err := m.PredictProba(context.Background(), features.Patient{CumulativeDose: 1e4}.Vector())
	require.NoError(t, err)
	assert.InDelta(t, 0, probs[0], 1e-12)
	assert.InDelta(t, 1, probs[1], 1e-12)
}

func TestLinearRejectsBadSpec(t *testing.T) {
	_, err := NewLinear(LinearSpec{Labels: []string{"Safe"}})
	assert.Error(t, err)

	_, err = NewLinear(LinearSpec{
		Labels:  []string{"Safe", "Critical"},
		Weights: map[string]map[string]float64{"Critical": {"bmi": 1}},
	})
	assert.Error(t, err)

	m, err := NewLinear(LinearSpec{Labels: []string{"Safe", "Critical"}})
	require.NoError(t, err)
	_, err = m.PredictProba(context.Background(), []float64{1, 2})
	assert.Error(t, err)
}

func TestLoadLinear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
labels: [Safe, Warning, Critical]
weights:
  Warning:
    qtc_interval_ms: 0.02
  Critical:
    qtc_interval_ms: 0.05
    baseline_lvef_percent: -0.1
bias:
  Safe: 2
`), 0o600))

	m, err := LoadLinear(path)
	require.NoError(t, err)
	assert.Equal(t, []risk.Label{risk.Safe, risk.Warning, risk.Critical}, m.Labels())

	_, err = LoadLinear(filepath.Join(t.TempDir(), "none.yaml"))
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	m, err := Open("", "", time.Second)
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = Open("http://model:8000", "ignored.yaml", time.Second)
	require.NoError(t, err)
	assert.IsType(t, &HTTP{}, m)

	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, os.WriteFile(path, []byte("labels: [Safe, Critical]\n"), 0o600))
	m, err = Open("", path, time.Second)
	require.NoError(t, err)
	assert.IsType(t, &Linear{}, m)

	_, err = Open("", filepath.Join(t.TempDir(), "missing.yaml"), time.Second)
	assert.Error(t, err)
}
