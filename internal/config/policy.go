package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/midterm-planner/internal/scheduling"
)

// Policy holds the planning and estimation defaults. Fields absent from
// the policy file keep their defaults.
type Policy struct {
	DailyCap      int     `yaml:"daily_study_cap_minutes"`
	MinBlock      int     `yaml:"min_block_minutes"`
	MaxBlock      int     `yaml:"max_block_minutes"`
	HardDailyCap  int     `yaml:"hard_daily_cap_minutes"`
	CapStep       int     `yaml:"cap_step_minutes"`
	MaxRounds     int     `yaml:"max_revision_rounds"`
	AllowWidening bool    `yaml:"allow_cap_widening"`
	RestDay       string  `yaml:"preferred_rest_day"`
	RestFraction  float64 `yaml:"rest_day_capacity_fraction"`
	EstimateMin   int     `yaml:"estimate_min_minutes"`
	EstimateMax   int     `yaml:"estimate_max_minutes"`
}

// DefaultPolicy returns the built-in planning defaults.
func DefaultPolicy() Policy {
	return Policy{
		DailyCap:      240,
		MinBlock:      30,
		MaxBlock:      90,
		HardDailyCap:  480,
		CapStep:       60,
		MaxRounds:     3,
		AllowWidening: true,
		RestFraction:  0.5,
		EstimateMin:   25,
		EstimateMax:   240,
	}
}

// LoadPolicy overlays the YAML file at path onto the defaults. An empty
// path returns the defaults.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("policy file %s: %w", path, err)
	}
	return p, nil
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	var errs []error
	if p.DailyCap <= 0 || p.DailyCap > 24*60 {
		errs = append(errs, fmt.Errorf("daily_study_cap_minutes must be in 1..1440"))
	}
	if p.MinBlock <= 0 {
		errs = append(errs, fmt.Errorf("min_block_minutes must be > 0"))
	}
	if p.MaxBlock < p.MinBlock {
		errs = append(errs, fmt.Errorf("max_block_minutes must be >= min_block_minutes"))
	}
	if p.HardDailyCap < p.DailyCap {
		errs = append(errs, fmt.Errorf("hard_daily_cap_minutes must be >= daily_study_cap_minutes"))
	}
	if p.CapStep <= 0 {
		errs = append(errs, fmt.Errorf("cap_step_minutes must be > 0"))
	}
	if p.MaxRounds < 0 {
		errs = append(errs, fmt.Errorf("max_revision_rounds must be >= 0"))
	}
	if _, ok := scheduling.ParseWeekday(p.RestDay); p.RestDay != "" && !ok {
		errs = append(errs, fmt.Errorf("preferred_rest_day %q is not a weekday", p.RestDay))
	}
	if p.RestFraction < 0 || p.RestFraction > 1 {
		errs = append(errs, fmt.Errorf("rest_day_capacity_fraction must be in 0..1"))
	}
	if p.EstimateMin <= 0 || p.EstimateMax < p.EstimateMin {
		errs = append(errs, fmt.Errorf("estimate bounds must satisfy 0 < estimate_min_minutes <= estimate_max_minutes"))
	}
	return errors.Join(errs...)
}
