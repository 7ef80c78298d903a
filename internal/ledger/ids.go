package ledger

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns a UUIDv7: a millisecond timestamp followed by random bits,
// with a per-process counter that keeps ids unique and ordered when many
// are generated within the same millisecond.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

var historyNamespace = uuid.MustParse("5d2c7a8e-3f41-4b0c-9a6e-1c2f8b7d4e90")

// historyID derives a stable UUIDv5 for a history row that carries no id.
// The same row always maps to the same id.
func historyID(a Assessment) string {
	key := strings.Join([]string{
		a.Timestamp.UTC().Format(time.RFC3339Nano),
		a.PatientID,
		a.RiskLevel,
		strconv.FormatFloat(a.RiskScore, 'g', -1, 64),
		string(a.InputSnapshot),
		string(a.PredictionSnapshot),
	}, "\x1f")
	return uuid.NewSHA1(historyNamespace, []byte(key)).String()
}
