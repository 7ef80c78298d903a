package risk

// Severity weights per class.
const (
	warningWeight  = 0.5
	criticalWeight = 1.0
)

// Score reduces probabilities to a severity in [0,1]:
// P(Warning)*0.5 + P(Critical). A 2-class vector scores P(positive), since
// its positive class is keyed as Critical. Missing classes contribute 0.
//
// The score reflects raw model belief and ignores any override applied to
// the discrete label.
func Score(p Probabilities) float64 {
	s := p.Get(Warning)*warningWeight + p.Get(Critical)*criticalWeight
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
