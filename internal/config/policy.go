package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync/atomic"

	"github.com/Skufu/CardioTriage/internal/risk"
	"github.com/Skufu/CardioTriage/internal/visual"
	"gopkg.in/yaml.v3"
)

// Policy is the tunable part of a decision: override thresholds, the age
// assumed when none is known, and the display palette.
type Policy struct {
	Thresholds risk.Thresholds `json:"thresholds" yaml:",inline"`
	DefaultAge float64         `json:"default_age" yaml:"default_age"`
	Palette    visual.Palette  `json:"palette" yaml:"palette"`
}

func DefaultPolicy() Policy {
	return Policy{
		Thresholds: risk.DefaultThresholds(),
		DefaultAge: visual.DefaultAge,
		Palette:    visual.DefaultPalette(),
	}
}

var hexColor = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

func (p Policy) Validate() error {
	if err := p.Thresholds.Validate(); err != nil {
		return err
	}
	if p.DefaultAge <= 0 || p.DefaultAge >= 220 {
		return fmt.Errorf("default age %.1f must be within (0,220)", p.DefaultAge)
	}
	for name, c := range map[string]string{"low": p.Palette.Low, "medium": p.Palette.Medium, "high": p.Palette.High} {
		if !hexColor.MatchString(c) {
			return fmt.Errorf("palette %s color %q is not #RRGGBB", name, c)
		}
	}
	return nil
}

// ParsePolicy decodes YAML over the defaults, so a file only needs the keys
// it changes.
func ParsePolicy(data []byte) (Policy, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Policy{}, errors.New("policy is empty")
	}
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("invalid policy: %w", err)
	}
	return p, nil
}

// LoadPolicy reads path, or returns the defaults when path is empty.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(data)
}

// PolicyHolder publishes the active policy. Readers never block; a reload
// swaps the whole policy at once.
type PolicyHolder struct {
	current atomic.Pointer[Policy]
}

func NewPolicyHolder(p Policy) *PolicyHolder {
	h := &PolicyHolder{}
	h.Store(p)
	return h
}

func (h *PolicyHolder) Load() Policy {
	return *h.current.Load()
}

func (h *PolicyHolder) Store(p Policy) {
	h.current.Store(&p)
}

func (h *PolicyHolder) Thresholds() risk.Thresholds {
	return h.Load().Thresholds
}

func (h *PolicyHolder) Palette() visual.Palette {
	return h.Load().Palette
}

func (h *PolicyHolder) DefaultAge() float64 {
	return h.Load().DefaultAge
}
