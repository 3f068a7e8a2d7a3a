package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RatePolicy is a sliding window limit for one action
type RatePolicy struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

type ratePolicyFile struct {
	Policies map[string]RatePolicy `yaml:"policies"`
}

// LoadRatePolicies reads per-action overrides from a YAML file:
//
//	policies:
//	  otp_issue: {limit: 1, window: 2m}
//	  item_fetch: {limit: 1, window: 30s}
func LoadRatePolicies(path string) (map[string]RatePolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate policy file: %w", err)
	}

	var f ratePolicyFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse rate policy file: %w", err)
	}

	for action, p := range f.Policies {
		if p.Limit <= 0 {
			return nil, fmt.Errorf("rate policy %q: limit must be positive", action)
		}
		if p.Window <= 0 {
			return nil, fmt.Errorf("rate policy %q: window must be positive", action)
		}
	}
	return f.Policies, nil
}
