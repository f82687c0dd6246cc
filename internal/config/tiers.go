package config

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// TierLimits bounds what a user of one tier may schedule.
type TierLimits struct {
	MaxJobs    int            `yaml:"max_jobs"`
	MaxFilters map[string]int `yaml:"max_filters"`
}

// Tiers maps tier name to its limits.
type Tiers map[string]TierLimits

// DefaultTiers returns the built-in tier table.
func DefaultTiers() Tiers {
	return Tiers{
		"free": {
			MaxJobs:    1,
			MaxFilters: map[string]int{"video": 2, "audio": 1, "image": 2},
		},
		"standard": {
			MaxJobs:    3,
			MaxFilters: map[string]int{"video": 4, "audio": 2, "image": 4},
		},
		"deluxe": {
			MaxJobs:    5,
			MaxFilters: map[string]int{"video": 10, "audio": 3, "image": 6},
		},
	}
}

// Limits returns the limits for tier, falling back to the free tier.
func (t Tiers) Limits(tier string) TierLimits {
	if l, ok := t[tier]; ok {
		return l
	}
	return t["free"]
}

// LoadTiers reads an optional YAML tier table and merges it over the defaults.
// Fields left out of the file keep their default value; an empty path returns
// the defaults unchanged.
func LoadTiers(path string) (Tiers, error) {
	tiers := DefaultTiers()
	if path == "" {
		return tiers, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read TIERS_FILE: %w", err)
	}

	var override Tiers
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parse TIERS_FILE: %w", err)
	}

	for name, limits := range override {
		base := tiers[name]
		if err := mergo.Merge(&limits, base); err != nil {
			return nil, fmt.Errorf("merge tier %q: %w", name, err)
		}
		if limits.MaxJobs <= 0 {
			return nil, fmt.Errorf("tier %q: max_jobs must be positive", name)
		}
		tiers[name] = limits
	}
	return tiers, nil
}
