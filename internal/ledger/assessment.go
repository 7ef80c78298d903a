package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Assessment is one persisted classification event. Records are never
// updated or deleted once written.
type Assessment struct {
	ID                 string          `json:"assessment_id"`
	Timestamp          time.Time       `json:"timestamp"`
	PatientID          string          `json:"patient_id"`
	RiskLevel          string          `json:"risk_level"`
	RiskScore          float64         `json:"risk_score"`
	InputSnapshot      json.RawMessage `json:"input_snapshot"`
	PredictionSnapshot json.RawMessage `json:"prediction_snapshot"`
	VisualSnapshot     json.RawMessage `json:"visual_snapshot,omitempty"`
}

// TrendPoint is the number of assessments recorded on one UTC day.
type TrendPoint struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// Stats are dashboard aggregates derived from the ledger on every query.
type Stats struct {
	TotalPatients int          `json:"total_patients"`
	HighRiskCount int          `json:"high_risk_count"`
	AvgRiskScore  float64      `json:"avg_risk_score"`
	RecentTrend   []TrendPoint `json:"recent_trend"`
}

func zeroStats() Stats {
	return Stats{RecentTrend: []TrendPoint{}}
}

var (
	ErrDuplicateID = errors.New("assessment id already exists")
	ErrNoStore     = errors.New("no assessment store configured")

	// ErrTimestampRange reports an instant that cannot be ordered as Unix
	// nanoseconds.
	ErrTimestampRange = errors.New("timestamp outside 1970-01-01..2262-04-11")
)

var (
	minTimestamp = time.Unix(0, 0).UTC()
	maxTimestamp = time.Unix(0, math.MaxInt64).UTC()
)

// CheckTimestamp rejects instants before the Unix epoch or past the int64
// nanosecond range.
func CheckTimestamp(t time.Time) error {
	if t.Before(minTimestamp) || t.After(maxTimestamp) {
		return fmt.Errorf("%w: %s", ErrTimestampRange, t.UTC().Format(time.RFC3339))
	}
	return nil
}

// PersistenceError reports a failed ledger write. The classification that
// produced the record is still valid.
type PersistenceError struct {
	Cause error
}

func (e *PersistenceError) Error() string {
	return "persist assessment: " + e.Cause.Error()
}

func (e *PersistenceError) Unwrap() error {
	return e.Cause
}
