// Package features turns loosely shaped clinical input into the fixed,
// ordered feature vector the risk model is trained on.
package features

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Canonical feature names, in model input order.
const (
	AgeYears            = "age_years"
	SexBinary           = "sex_binary"
	RestingHeartRateBPM = "resting_heart_rate_bpm"
	SystolicBP          = "systolic_bp_mmHg"
	DiastolicBP         = "diastolic_bp_mmHg"
	HRVRMSSD            = "heart_rate_variability_rmssd"
	QTcIntervalMS       = "qtc_interval_ms"
	BaselineLVEFPercent = "baseline_lvef_percent"
	ChemoCyclesCount    = "chemo_cycles_count"
	DosePerCycle        = "dose_per_cycle_mg_per_m2"
	CumulativeDose      = "cumulative_dose_mg_per_m2"
)

// Names lists the canonical features in the order the model consumes them.
var Names = []string{
	AgeYears,
	SexBinary,
	RestingHeartRateBPM,
	SystolicBP,
	DiastolicBP,
	HRVRMSSD,
	QTcIntervalMS,
	BaselineLVEFPercent,
	ChemoCyclesCount,
	DosePerCycle,
	CumulativeDose,
}

// Neutral blood pressure used when a composite "systolic/diastolic" value
// is present but cannot be parsed.
const (
	DefaultSystolic  = 120.0
	DefaultDiastolic = 80.0
)

// aliases maps each canonical name to the alternate spellings found in
// registry exports and older clients. The canonical key always wins.
var aliases = map[string][]string{
	AgeYears:            {"age", "Age"},
	SexBinary:           {"sex", "Sex", "gender", "Gender"},
	RestingHeartRateBPM: {"resting_hr", "Resting_HR"},
	SystolicBP:          {"systolic_bp", "BP_Systolic"},
	DiastolicBP:         {"diastolic_bp", "BP_Diastolic"},
	HRVRMSSD:            {"hrv_rmssd"},
	QTcIntervalMS:       {"qtc_baseline", "qtc_ms"},
	BaselineLVEFPercent: {"baseline_lvef", "lvef"},
	ChemoCyclesCount:    {"num_cycles", "Interval_No"},
	DosePerCycle:        {"dose_per_cycle", "Dose_Administered_mg_m2", "Dose_Administered (mg/m2)"},
	CumulativeDose:      {"cumulative_dose"},
}

var compositeBPKeys = []string{"blood_pressure", "Blood_Pressure_mmHg", "Blood_Pressure (mmHg)"}

// Patient is a complete, canonical feature snapshot. Every field is finite.
type Patient struct {
	AgeYears            float64 `json:"age_years"`
	SexBinary           float64 `json:"sex_binary"`
	RestingHeartRateBPM float64 `json:"resting_heart_rate_bpm"`
	SystolicBP          float64 `json:"systolic_bp_mmHg"`
	DiastolicBP         float64 `json:"diastolic_bp_mmHg"`
	HRVRMSSD            float64 `json:"heart_rate_variability_rmssd"`
	QTcIntervalMS       float64 `json:"qtc_interval_ms"`
	BaselineLVEFPercent float64 `json:"baseline_lvef_percent"`
	ChemoCyclesCount    float64 `json:"chemo_cycles_count"`
	DosePerCycle        float64 `json:"dose_per_cycle_mg_per_m2"`
	CumulativeDose      float64 `json:"cumulative_dose_mg_per_m2"`
}

func (p *Patient) slots() []*float64 {
	return []*float64{
		&p.AgeYears,
		&p.SexBinary,
		&p.RestingHeartRateBPM,
		&p.SystolicBP,
		&p.DiastolicBP,
		&p.HRVRMSSD,
		&p.QTcIntervalMS,
		&p.BaselineLVEFPercent,
		&p.ChemoCyclesCount,
		&p.DosePerCycle,
		&p.CumulativeDose,
	}
}

// Vector returns the features in canonical order.
func (p Patient) Vector() []float64 {
	slots := p.slots()
	out := make([]float64, len(slots))
	for i, s := range slots {
		out[i] = *s
	}
	return out
}

// IsZero reports whether every feature is 0, as for an empty input.
func (p Patient) IsZero() bool {
	return p == Patient{}
}

// Map returns the features keyed by canonical name. Feeding the result back
// into Normalize yields the same Patient.
func (p Patient) Map() map[string]any {
	slots := p.slots()
	out := make(map[string]any, len(slots))
	for i, name := range Names {
		out[name] = *slots[i]
	}
	return out
}

// Get returns a feature by canonical name.
func (p Patient) Get(name string) (float64, bool) {
	slots := p.slots()
	for i, n := range Names {
		if n == name {
			return *slots[i], true
		}
	}
	return 0, false
}

// Normalize coerces raw input into a Patient. It never fails: missing keys
// take their default and values that cannot be read as numbers become 0.
func Normalize(raw map[string]any) Patient {
	var p Patient
	slots := p.slots()
	for i, name := range Names {
		v, ok := lookup(raw, name)
		if !ok {
			continue
		}
		if name == SexBinary {
			*slots[i] = coerceSex(v)
			continue
		}
		*slots[i] = coerce(v)
	}

	_, hasSys := lookup(raw, SystolicBP)
	_, hasDia := lookup(raw, DiastolicBP)
	if hasSys && hasDia {
		return p
	}
	for _, key := range compositeBPKeys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		sys, dia := splitBloodPressure(v)
		if !hasSys {
			p.SystolicBP = sys
		}
		if !hasDia {
			p.DiastolicBP = dia
		}
		break
	}
	return p
}

func lookup(raw map[string]any, name string) (any, bool) {
	if v, ok := raw[name]; ok {
		return v, true
	}
	for _, alias := range aliases[name] {
		if v, ok := raw[alias]; ok {
			return v, true
		}
	}
	return nil, false
}

// splitBloodPressure parses "systolic/diastolic". If either half is not a
// number both halves take the neutral default.
func splitBloodPressure(v any) (float64, float64) {
	s, ok := v.(string)
	if !ok {
		return DefaultSystolic, DefaultDiastolic
	}
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return DefaultSystolic, DefaultDiastolic
	}
	sys, errSys := parseFloat(parts[0])
	dia, errDia := parseFloat(parts[1])
	if errSys != nil || errDia != nil {
		return DefaultSystolic, DefaultDiastolic
	}
	return sys, dia
}

func coerceSex(v any) float64 {
	if s, ok := v.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "m", "male":
			return 1
		case "f", "female":
			return 0
		}
	}
	return coerce(v)
}

func coerce(v any) float64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case uint:
		f = float64(t)
	case uint32:
		f = float64(t)
	case uint64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0
		}
		f = parsed
	case string:
		parsed, err := parseFloat(t)
		if err != nil {
			return 0
		}
		f = parsed
	case bool:
		if t {
			f = 1
		}
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func parseFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, strconv.ErrSyntax
	}
	return f, nil
}
