// Package visual derives the display parameters of the animated heart from
// a prediction and, when available, the measured features behind it.
package visual

import (
	"math"
	"math/rand/v2"

	"github.com/Skufu/CardioTriage/internal/features"
	"github.com/Skufu/CardioTriage/internal/risk"
)

// DefaultAge is used when the caller has no usable age.
const DefaultAge = 45.0

// Rhythm descriptions.
const (
	RhythmNormalSinus        = "Normal Sinus Rhythm"
	RhythmSinusTachycardia   = "Sinus Tachycardia"
	RhythmProlongedQTc       = "Prolonged QTc/Arrhythmia"
	RhythmAtrialFibrillation = "Atrial Fibrillation"
	RhythmVentricularTachy   = "Ventricular Tachycardia"
)

const (
	prolongedQTcMS    = 500.0
	minIntensity      = 0.5
	normalLVEFPercent = 60.0
	minHRV            = 10.0
	measuredHRJitter  = 2.0
	estimatedHRJitter = 5.0
	olderPatientAge   = 60.0
)

var baselineHeartRate = map[risk.Level]float64{
	risk.LevelLow:    70,
	risk.LevelMedium: 85,
	risk.LevelHigh:   100,
}

// Palette is the color token per risk level, shared with the UI.
type Palette struct {
	Low    string `json:"low" yaml:"low"`
	Medium string `json:"medium" yaml:"medium"`
	High   string `json:"high" yaml:"high"`
}

// DefaultPalette returns green/amber/red.
func DefaultPalette() Palette {
	return Palette{Low: "#4CAF50", Medium: "#FFC107", High: "#FF4444"}
}

func (p Palette) color(l risk.Level) string {
	switch l {
	case risk.LevelMedium:
		return p.Medium
	case risk.LevelHigh:
		return p.High
	default:
		return p.Low
	}
}

// Params are the display parameters.
type Params struct {
	HeartRate            int        `json:"heart_rate"`
	Color                string     `json:"color"`
	ArrhythmiaType       string     `json:"arrhythmia_type"`
	ContractionIntensity float64    `json:"contraction_intensity"`
	HRV                  int        `json:"hrv"`
	RiskScore            float64    `json:"risk_score"`
	RiskLevel            risk.Level `json:"risk_level"`
	OriginalLabel        string     `json:"original_label"`
}

// Option configures a Mapper.
type Option func(*Mapper)

// WithPalette fixes the color palette.
func WithPalette(p Palette) Option {
	return func(m *Mapper) {
		m.palette = func() Palette { return p }
	}
}

// WithPaletteFunc reads the palette on every call.
func WithPaletteFunc(fn func() Palette) Option {
	return func(m *Mapper) {
		if fn != nil {
			m.palette = fn
		}
	}
}

// WithJitter replaces the random heart-rate jitter. fn receives the spread
// and must return a value in [-spread, spread].
func WithJitter(fn func(spread float64) float64) Option {
	return func(m *Mapper) {
		if fn != nil {
			m.jitter = fn
		}
	}
}

// Mapper turns predictions into display parameters. It is safe for
// concurrent use.
type Mapper struct {
	palette func() Palette
	jitter  func(spread float64) float64
}

func NewMapper(opts ...Option) *Mapper {
	m := &Mapper{
		palette: DefaultPalette,
		jitter:  uniformJitter,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func uniformJitter(spread float64) float64 {
	return (rand.Float64()*2 - 1) * spread
}

// Map derives display parameters. score is the aggregated risk score and is
// echoed back as RiskScore. A nil or all-zero snapshot means no features
// were measured, in which case every value is estimated from the label and
// score.
func (m *Mapper) Map(pred risk.Prediction, score, age float64, snapshot *features.Patient) Params {
	if snapshot != nil && snapshot.IsZero() {
		snapshot = nil
	}
	if age <= 0 || age >= 220 {
		age = DefaultAge
	}
	level := risk.LevelOf(string(pred.Label))

	return Params{
		HeartRate:            m.heartRate(level, age, snapshot),
		Color:                m.palette().color(level),
		ArrhythmiaType:       rhythm(level, age, snapshot),
		ContractionIntensity: intensity(score, snapshot),
		HRV:                  hrv(score, snapshot),
		RiskScore:            score,
		RiskLevel:            level,
		OriginalLabel:        string(pred.Label),
	}
}

// heartRate never exceeds 90% of the age-predicted maximum.
func (m *Mapper) heartRate(level risk.Level, age float64, snapshot *features.Patient) int {
	var hr float64
	if snapshot != nil && snapshot.RestingHeartRateBPM > 0 {
		hr = snapshot.RestingHeartRateBPM + m.jitter(measuredHRJitter)
	} else {
		hr = baselineHeartRate[level] + m.jitter(estimatedHRJitter)
	}
	ceiling := 0.9 * (220 - age)
	hr = math.Min(hr, ceiling)
	if hr < 0 {
		hr = 0
	}
	return int(hr)
}

func rhythm(level risk.Level, age float64, snapshot *features.Patient) string {
	if snapshot == nil {
		switch level {
		case risk.LevelHigh:
			if age > olderPatientAge {
				return RhythmAtrialFibrillation
			}
			return RhythmVentricularTachy
		case risk.LevelMedium:
			return RhythmSinusTachycardia
		default:
			return RhythmNormalSinus
		}
	}
	switch {
	case level == risk.LevelHigh || snapshot.QTcIntervalMS > prolongedQTcMS:
		return RhythmProlongedQTc
	case level == risk.LevelMedium:
		return RhythmSinusTachycardia
	default:
		return RhythmNormalSinus
	}
}

func intensity(score float64, snapshot *features.Patient) float64 {
	v := 1.0 + score*0.5
	if snapshot != nil && snapshot.BaselineLVEFPercent > 0 {
		v = snapshot.BaselineLVEFPercent / normalLVEFPercent
	}
	return math.Max(minIntensity, v)
}

func hrv(score float64, snapshot *features.Patient) int {
	if snapshot != nil && snapshot.HRVRMSSD > 0 {
		return int(snapshot.HRVRMSSD)
	}
	return int(math.Max(minHRV, 60-score*40))
}
