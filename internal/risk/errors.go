package risk

import "errors"

var (
	ErrModelUnavailable     = errors.New("risk model unavailable")
	ErrInvalidProbabilities = errors.New("invalid probability vector")
	ErrUnsupportedLabels    = errors.New("unsupported model label set")
)

// PredictionError reports a failed inference call or an unusable model output.
type PredictionError struct {
	Cause error
}

func (e *PredictionError) Error() string {
	return "prediction failed: " + e.Cause.Error()
}

func (e *PredictionError) Unwrap() error {
	return e.Cause
}
