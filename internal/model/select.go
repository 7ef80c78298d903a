package model

import (
	"time"

	"github.com/Skufu/CardioTriage/internal/risk"
)

// Open picks a model: the remote service when url is set, else the linear
// model in file, else none. A nil model with a nil error means no model is
// configured.
func Open(url, file string, timeout time.Duration) (risk.Model, error) {
	switch {
	case url != "":
		m, err := NewHTTP(url, WithTimeout(timeout))
		if err != nil {
			return nil, err
		}
		return m, nil
	case file != "":
		m, err := LoadLinear(file)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, nil
	}
}
