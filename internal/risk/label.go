package risk

import (
	"math"
	"strings"
)

// Label is the discrete risk tier produced by the classifier.
type Label string

const (
	Safe     Label = "Safe"
	Warning  Label = "Warning"
	Critical Label = "Critical"
)

// Order is the canonical label order. Argmax ties resolve to the earliest.
var Order = []Label{Safe, Warning, Critical}

// ParseLabel accepts canonical and legacy spellings of a tier.
func ParseLabel(s string) (Label, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "safe", "low":
		return Safe, true
	case "warning", "moderate", "medium":
		return Warning, true
	case "critical", "critical_stop", "high":
		return Critical, true
	}
	return "", false
}

// Level is the display projection of a Label.
type Level string

const (
	LevelLow    Level = "Low"
	LevelMedium Level = "Medium"
	LevelHigh   Level = "High"
)

// Level projects the label onto Low/Medium/High.
func (l Label) Level() Level {
	return LevelOf(string(l))
}

// LevelOf projects any label spelling onto a Level. Unrecognized spellings
// are Low.
func LevelOf(s string) Level {
	l, ok := ParseLabel(s)
	if !ok {
		return LevelLow
	}
	switch l {
	case Warning:
		return LevelMedium
	case Critical:
		return LevelHigh
	default:
		return LevelLow
	}
}

// Probabilities holds class probabilities keyed by label. A 2-class model
// only carries Safe and Critical.
type Probabilities map[Label]float64

// Get returns the probability of l, or 0 when the model has no such class.
func (p Probabilities) Get(l Label) float64 {
	return p[l]
}

// Has reports whether the model produced a probability for l.
func (p Probabilities) Has(l Label) bool {
	_, ok := p[l]
	return ok
}

// Max returns the largest probability.
func (p Probabilities) Max() float64 {
	best := 0.0
	for _, v := range p {
		if v > best {
			best = v
		}
	}
	return best
}

// Argmax returns the most likely label, breaking ties in canonical order.
func (p Probabilities) Argmax() Label {
	best := Label("")
	bestP := math.Inf(-1)
	for _, l := range Order {
		v, ok := p[l]
		if !ok {
			continue
		}
		if v > bestP {
			best, bestP = l, v
		}
	}
	return best
}
