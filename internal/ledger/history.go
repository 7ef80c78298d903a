package ledger

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Timestamp layouts accepted in history exports. Layouts without a zone are
// read as UTC.
var historyLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	time.DateTime,
	time.DateOnly,
}

// ReadHistoryCSV parses an exported assessment history for Seed. The header
// names the columns: timestamp is required; assessment_id, patient_id,
// risk_level, risk_score, input_data and prediction_details are optional.
// Rows without an id get one when seeded.
func ReadHistoryCSV(r io.Reader) ([]Assessment, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read history header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	if _, ok := col["timestamp"]; !ok {
		return nil, errors.New("history has no timestamp column")
	}
	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var out []Assessment
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read history row: %w", err)
		}

		ts, err := parseHistoryTime(field(row, "timestamp"))
		if err == nil {
			err = CheckTimestamp(ts)
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		a := Assessment{
			ID:                 field(row, "assessment_id"),
			Timestamp:          ts,
			PatientID:          field(row, "patient_id"),
			RiskLevel:          field(row, "risk_level"),
			InputSnapshot:      rawJSON(field(row, "input_data")),
			PredictionSnapshot: rawJSON(field(row, "prediction_details")),
		}
		if s := field(row, "risk_score"); s != "" {
			a.RiskScore, err = strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: risk_score %q: %w", line, s, err)
			}
		}
		out = append(out, a)
	}
}

func parseHistoryTime(s string) (time.Time, error) {
	for _, layout := range historyLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// rawJSON keeps valid JSON as is and quotes anything else.
func rawJSON(s string) json.RawMessage {
	if s == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}
