package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Skufu/CardioTriage/internal/ledger"
	"github.com/jackc/pgx/v5"
)

const insertAssessment = `
INSERT INTO assessments (assessment_id, timestamp, patient_id, risk_level, risk_score,
	input_snapshot, prediction_snapshot, visual_snapshot)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (assessment_id) DO NOTHING`

const selectAssessments = `
SELECT assessment_id, timestamp, patient_id, risk_level, risk_score,
	input_snapshot, prediction_snapshot, visual_snapshot
FROM assessments`

// AssessmentStore is a ledger.Store backed by the assessments table.
type AssessmentStore struct {
	db DB
}

func NewAssessmentStore(db DB) *AssessmentStore {
	return &AssessmentStore{db: db}
}

func (s *AssessmentStore) Insert(ctx context.Context, a ledger.Assessment) error {
	ok, err := s.InsertIfAbsent(ctx, a)
	if err != nil {
		return err
	}
	if !ok {
		return ledger.ErrDuplicateID
	}
	return nil
}

func (s *AssessmentStore) InsertIfAbsent(ctx context.Context, a ledger.Assessment) (bool, error) {
	tag, err := s.db.Exec(ctx, insertAssessment, insertArgs(a)...)
	if err != nil {
		return false, fmt.Errorf("insert assessment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *AssessmentStore) Recent(ctx context.Context, limit int) ([]ledger.Assessment, error) {
	rows, err := s.db.Query(ctx, selectAssessments+` ORDER BY timestamp DESC, assessment_id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query assessments: %w", err)
	}
	out := make([]ledger.Assessment, 0, limit)
	err = collect(rows, func(a ledger.Assessment) error {
		out = append(out, a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *AssessmentStore) Scan(ctx context.Context, fn func(ledger.Assessment) error) error {
	rows, err := s.db.Query(ctx, selectAssessments)
	if err != nil {
		return fmt.Errorf("query assessments: %w", err)
	}
	return collect(rows, fn)
}

func collect(rows pgx.Rows, fn func(ledger.Assessment) error) error {
	defer rows.Close()
	for rows.Next() {
		var (
			a                   ledger.Assessment
			input, pred, visual []byte
		)
		if err := rows.Scan(&a.ID, &a.Timestamp, &a.PatientID, &a.RiskLevel, &a.RiskScore, &input, &pred, &visual); err != nil {
			return fmt.Errorf("scan assessment: %w", err)
		}
		a.Timestamp = a.Timestamp.UTC()
		a.InputSnapshot = json.RawMessage(input)
		a.PredictionSnapshot = json.RawMessage(pred)
		if len(visual) > 0 {
			a.VisualSnapshot = json.RawMessage(visual)
		}
		if err := fn(a); err != nil {
			return err
		}
	}
	return rows.Err()
}

// insertArgs maps a record onto the insert placeholders. Snapshots are sent
// as text so the server parses them into JSONB.
func insertArgs(a ledger.Assessment) []any {
	var visual any
	if len(a.VisualSnapshot) > 0 {
		visual = string(a.VisualSnapshot)
	}
	return []any{
		a.ID,
		a.Timestamp.UTC(),
		a.PatientID,
		a.RiskLevel,
		a.RiskScore,
		jsonText(a.InputSnapshot),
		jsonText(a.PredictionSnapshot),
		visual,
	}
}

func jsonText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
