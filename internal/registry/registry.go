// Package registry is the read-only patient directory: each known patient
// with its recorded risk tier and raw feature columns.
package registry

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Skufu/CardioTriage/internal/risk"
)

// Patient is one registry row.
type Patient struct {
	ID       string
	Status   risk.Label
	Features map[string]any
}

var (
	idColumns     = []string{"patient_id", "Patient_ID"}
	statusColumns = []string{"status_label", "Status_Label", "risk_label"}
)

// EmptyTiers returns a tier map with every tier present.
func EmptyTiers() map[risk.Label][]string {
	return map[risk.Label][]string{
		risk.Safe:     {},
		risk.Warning:  {},
		risk.Critical: {},
	}
}

// CSV is an in-memory registry loaded from a CSV export.
type CSV struct {
	order    []string
	patients map[string]Patient
}

// LoadCSV reads a registry file. The first row is the header; an id and a
// status column are required. Rows with an unknown status are Safe. Later
// rows for the same id are ignored.
func LoadCSV(path string) (*CSV, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	defer f.Close()
	return ReadCSV(f)
}

func ReadCSV(r io.Reader) (*CSV, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read registry header: %w", err)
	}
	idCol := columnIndex(header, idColumns)
	if idCol < 0 {
		return nil, errors.New("registry has no patient id column")
	}
	statusCol := columnIndex(header, statusColumns)

	reg := &CSV{patients: make(map[string]Patient)}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read registry row: %w", err)
		}
		id := strings.TrimSpace(row[idCol])
		if id == "" {
			continue
		}
		if _, dup := reg.patients[id]; dup {
			continue
		}
		status := risk.Safe
		if statusCol >= 0 {
			if l, ok := risk.ParseLabel(row[statusCol]); ok {
				status = l
			}
		}
		feats := make(map[string]any, len(header))
		for i, col := range header {
			if i == idCol || i == statusCol || i >= len(row) {
				continue
			}
			feats[strings.TrimSpace(col)] = strings.TrimSpace(row[i])
		}
		reg.order = append(reg.order, id)
		reg.patients[id] = Patient{ID: id, Status: status, Features: feats}
	}
	return reg, nil
}

func columnIndex(header []string, names []string) int {
	for _, name := range names {
		for i, col := range header {
			if strings.TrimSpace(col) == name {
				return i
			}
		}
	}
	return -1
}

// ListIDsByTier groups ids by status in file order.
func (c *CSV) ListIDsByTier(ctx context.Context) (map[risk.Label][]string, error) {
	out := EmptyTiers()
	for _, id := range c.order {
		p := c.patients[id]
		out[p.Status] = append(out[p.Status], id)
	}
	return out, nil
}

// Get returns a copy of the patient's feature columns.
func (c *CSV) Get(ctx context.Context, id string) (map[string]any, bool, error) {
	p, ok := c.patients[id]
	if !ok {
		return nil, false, nil
	}
	out := make(map[string]any, len(p.Features))
	for k, v := range p.Features {
		out[k] = v
	}
	return out, true, nil
}

// Patients returns every row in file order.
func (c *CSV) Patients() []Patient {
	out := make([]Patient, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.patients[id])
	}
	return out
}
