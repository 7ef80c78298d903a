// Package model provides risk.Model implementations: a client for a remote
// inference service and a linear softmax model loaded from YAML.
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Skufu/CardioTriage/internal/features"
	"github.com/Skufu/CardioTriage/internal/risk"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// DefaultTimeout bounds one remote inference call.
const DefaultTimeout = 10 * time.Second

// maxErrorBody caps how much of a failed response is kept in the error.
const maxErrorBody = 512

// HTTP calls a remote service that exposes POST /predict_proba. It is safe
// for concurrent use.
type HTTP struct {
	baseURL    string
	labels     []risk.Label
	httpClient *http.Client
}

// HTTPOption configures an HTTP model.
type HTTPOption func(*HTTP)

// WithLabels sets the class order the service returns. The default is
// Safe, Warning, Critical.
func WithLabels(labels ...risk.Label) HTTPOption {
	return func(h *HTTP) { h.labels = append([]risk.Label(nil), labels...) }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTP) {
		if d > 0 {
			h.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.httpClient = c }
}

func NewHTTP(baseURL string, opts ...HTTPOption) (*HTTP, error) {
	if baseURL == "" {
		return nil, errors.New("model url is required")
	}
	h := &HTTP{
		baseURL:    strings.TrimRight(baseURL, "/"),
		labels:     append([]risk.Label(nil), risk.Order...),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(h)
	}
	if n := len(h.labels); n != 2 && n != 3 {
		return nil, fmt.Errorf("model must have 2 or 3 labels, got %d", n)
	}
	return h, nil
}

func (h *HTTP) Labels() []risk.Label {
	return h.labels
}

type predictRequest struct {
	FeatureNames []string  `json:"feature_names"`
	Features     []float64 `json:"features"`
}

type predictResponse struct {
	Probabilities []float64 `json:"probabilities"`
}

func (h *HTTP) PredictProba(ctx context.Context, vector []float64) ([]float64, error) {
	body, err := json.Marshal(predictRequest{FeatureNames: features.Names, Features: vector})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/predict_proba", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("inference service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Probabilities, nil
}
