package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Skufu/CardioTriage/internal/registry"
	"github.com/Skufu/CardioTriage/internal/risk"
	"github.com/jackc/pgx/v5"
)

// PatientRegistry reads the patients table.
type PatientRegistry struct {
	db DB
}

func NewPatientRegistry(db DB) *PatientRegistry {
	return &PatientRegistry{db: db}
}

func (r *PatientRegistry) ListIDsByTier(ctx context.Context) (map[risk.Label][]string, error) {
	rows, err := r.db.Query(ctx, `SELECT patient_id, status_label FROM patients ORDER BY patient_id`)
	if err != nil {
		return nil, fmt.Errorf("query patients: %w", err)
	}
	defer rows.Close()

	out := registry.EmptyTiers()
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		out[tierOf(status)] = append(out[tierOf(status)], id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PatientRegistry) Get(ctx context.Context, id string) (map[string]any, bool, error) {
	var raw []byte
	err := r.db.QueryRow(ctx, `SELECT features FROM patients WHERE patient_id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load patient %s: %w", id, err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false, fmt.Errorf("decode patient %s: %w", id, err)
	}
	return out, true, nil
}

// SeedPatients copies registry rows into the patients table, skipping ids
// already present. Concurrent seeders serialize on an advisory lock. It
// reports how many rows were written.
func SeedPatients(ctx context.Context, db DB, patients []registry.Patient) (int, error) {
	inserted := 0
	err := withLock(ctx, db, seedLockKey, func(tx pgx.Tx) error {
		for _, p := range patients {
			feats, err := json.Marshal(p.Features)
			if err != nil {
				return fmt.Errorf("encode patient %s: %w", p.ID, err)
			}
			tag, err := tx.Exec(ctx,
				`INSERT INTO patients (patient_id, status_label, features) VALUES ($1, $2, $3)
				 ON CONFLICT (patient_id) DO NOTHING`,
				p.ID, string(p.Status), string(feats))
			if err != nil {
				return fmt.Errorf("insert patient %s: %w", p.ID, err)
			}
			inserted += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func tierOf(status string) risk.Label {
	if l, ok := risk.ParseLabel(status); ok {
		return l
	}
	return risk.Safe
}
