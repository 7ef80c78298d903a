// Package ledger is the append-only record of persisted assessments.
//
// The Ledger is the only writer of Assessment records. Each record is
// written atomically by the underlying Store; concurrent appends need no
// coordination beyond that. Stats are recomputed from a full scan on every
// call and may miss an append that is still in flight.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Skufu/CardioTriage/internal/features"
	"github.com/Skufu/CardioTriage/internal/metrics"
	"github.com/Skufu/CardioTriage/internal/risk"
	"github.com/Skufu/CardioTriage/internal/visual"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

const trendDays = 7

// Store persists assessments. Insert and InsertIfAbsent must make a record
// visible atomically.
type Store interface {
	Insert(ctx context.Context, a Assessment) error
	// InsertIfAbsent writes a unless a record with the same ID exists. It
	// reports whether a was written.
	InsertIfAbsent(ctx context.Context, a Assessment) (bool, error)
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Assessment, error)
	// Scan calls fn for every record in unspecified order.
	Scan(ctx context.Context, fn func(Assessment) error) error
}

// PatientDirectory is the read-only patient registry, grouped by tier.
type PatientDirectory interface {
	ListIDsByTier(ctx context.Context) (map[risk.Label][]string, error)
}

// Entry is the input to Append.
type Entry struct {
	PatientID  string
	Input      features.Patient
	Prediction risk.Prediction
	RiskScore  float64
	Visuals    visual.Params
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDGenerator replaces the UUIDv7 generator.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(l *Ledger) { l.newID = fn }
}

// WithLogger sets the logger used for degraded paths.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

type Ledger struct {
	store    Store
	patients PatientDirectory
	now      func() time.Time
	newID    func() (string, error)
	logger   *slog.Logger

	mu   sync.Mutex
	last time.Time

	seedMu sync.Mutex
	flight singleflight.Group
}

// New builds a Ledger over store. patients may be nil, in which case
// TotalPatients is always 0.
func New(store Store, patients PatientDirectory, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		patients: patients,
		now:      time.Now,
		newID:    NewID,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// nextTimestamp returns a UTC instant strictly after every earlier one from
// this Ledger, at the microsecond precision most SQL stores keep.
func (l *Ledger) nextTimestamp() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.now().UTC().Truncate(time.Microsecond)
	if !t.After(l.last) {
		t = l.last.Add(time.Microsecond)
	}
	l.last = t
	return t
}

// Append records one assessment. Failures are returned as *PersistenceError.
func (l *Ledger) Append(ctx context.Context, e Entry) (Assessment, error) {
	ctx, span := otel.Tracer("cardiotriage/ledger").Start(ctx, "ledger.Append")
	defer span.End()

	a, err := l.build(e)
	if err == nil {
		if l.store == nil {
			err = ErrNoStore
		} else {
			err = l.store.Insert(ctx, a)
		}
	}
	if err != nil {
		metrics.LedgerAppends.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return Assessment{}, &PersistenceError{Cause: err}
	}

	metrics.LedgerAppends.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.String("ledger.assessment_id", a.ID))
	return a, nil
}

func (l *Ledger) build(e Entry) (Assessment, error) {
	id, err := l.newID()
	if err != nil {
		return Assessment{}, fmt.Errorf("generate id: %w", err)
	}
	input, err := json.Marshal(e.Input)
	if err != nil {
		return Assessment{}, fmt.Errorf("encode input: %w", err)
	}
	pred, err := json.Marshal(predictionSnapshot{Prediction: e.Prediction, RiskScore: e.RiskScore})
	if err != nil {
		return Assessment{}, fmt.Errorf("encode prediction: %w", err)
	}
	vis, err := json.Marshal(e.Visuals)
	if err != nil {
		return Assessment{}, fmt.Errorf("encode visuals: %w", err)
	}

	level := e.Visuals.RiskLevel
	if level == "" {
		level = e.Prediction.Label.Level()
	}
	return Assessment{
		ID:                 id,
		Timestamp:          l.nextTimestamp(),
		PatientID:          e.PatientID,
		RiskLevel:          string(level),
		RiskScore:          e.RiskScore,
		InputSnapshot:      input,
		PredictionSnapshot: pred,
		VisualSnapshot:     vis,
	}, nil
}

type predictionSnapshot struct {
	risk.Prediction
	RiskScore float64 `json:"risk_score"`
}

// Recent returns up to limit assessments, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Assessment, error) {
	if limit <= 0 {
		return []Assessment{}, nil
	}
	if l.store == nil {
		return nil, ErrNoStore
	}
	out, err := l.store.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent assessments: %w", err)
	}
	return out, nil
}

// Seed inserts historical records that are not already present and reports
// how many were written. A record without an ID gets one derived from its
// contents, so repeating a seed writes nothing new. Seed runs are serialized.
func (l *Ledger) Seed(ctx context.Context, records []Assessment) (int, error) {
	if l.store == nil {
		return 0, ErrNoStore
	}
	l.seedMu.Lock()
	defer l.seedMu.Unlock()

	inserted := 0
	for _, a := range records {
		if a.ID == "" {
			a.ID = historyID(a)
		}
		if a.Timestamp.IsZero() {
			a.Timestamp = l.nextTimestamp()
		}
		a.Timestamp = a.Timestamp.UTC()
		if err := CheckTimestamp(a.Timestamp); err != nil {
			return inserted, &PersistenceError{Cause: fmt.Errorf("seed assessment %s: %w", a.ID, err)}
		}
		ok, err := l.store.InsertIfAbsent(ctx, a)
		if err != nil {
			return inserted, &PersistenceError{Cause: fmt.Errorf("seed assessment %s: %w", a.ID, err)}
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

// Stats computes dashboard aggregates. It never fails: any error is logged
// and a zeroed Stats is returned. Concurrent callers share one scan, which
// is not cancelled with the caller that started it.
func (l *Ledger) Stats(ctx context.Context) Stats {
	v, err, _ := l.flight.Do("stats", func() (any, error) {
		return l.computeStats(context.WithoutCancel(ctx))
	})
	if err != nil {
		metrics.StatsFailures.Inc()
		l.logger.Warn("stats unavailable, returning zeroed stats", "error", err)
		return zeroStats()
	}
	return v.(Stats)
}

func (l *Ledger) computeStats(ctx context.Context) (Stats, error) {
	if l.store == nil {
		return Stats{}, ErrNoStore
	}
	st := zeroStats()

	if l.patients != nil {
		tiers, err := l.patients.ListIDsByTier(ctx)
		if err != nil {
			return Stats{}, fmt.Errorf("list patients: %w", err)
		}
		seen := make(map[string]struct{})
		for _, ids := range tiers {
			for _, id := range ids {
				seen[id] = struct{}{}
			}
		}
		st.TotalPatients = len(seen)
	}

	n, sum := 0, 0.0
	perDay := make(map[string]int)
	err := l.store.Scan(ctx, func(a Assessment) error {
		n++
		sum += a.RiskScore
		if risk.LevelOf(a.RiskLevel) == risk.LevelHigh {
			st.HighRiskCount++
		}
		perDay[a.Timestamp.UTC().Format(time.DateOnly)]++
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("scan assessments: %w", err)
	}

	if n > 0 {
		st.AvgRiskScore = sum / float64(n) * 100
	}

	days := make([]string, 0, len(perDay))
	for d := range perDay {
		days = append(days, d)
	}
	sort.Strings(days)
	if len(days) > trendDays {
		days = days[len(days)-trendDays:]
	}
	for _, d := range days {
		st.RecentTrend = append(st.RecentTrend, TrendPoint{Date: d, Count: perDay[d]})
	}
	return st, nil
}
