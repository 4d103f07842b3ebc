package rules

import (
	"fmt"
	"os"

	"github.com/opensource-finance/perch/internal/domain"
	"gopkg.in/yaml.v3"
)

// File is the on-disk rule configuration.
//
//	rules:
//	  - min_visits: 4
//	    window_months: 3
//	    tier: {name: Super VIP, priority: 2}
//	expressions:
//	  - expression: visits >= 6 && active_months >= 3
//	    tier: {name: Regular, priority: 3}
type File struct {
	Rules       []domain.LoyaltyRule `yaml:"rules"`
	Expressions []TierExpression     `yaml:"expressions"`
}

// LoadFile reads and validates a rule file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file %s: %w", path, err)
	}
	return ParseFile(data)
}

// ParseFile parses a YAML rule file. Rules are returned sorted by MinVisits,
// highest first; expressions keep file order.
func ParseFile(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}
	if len(f.Rules) == 0 && len(f.Expressions) == 0 {
		return nil, ErrNoRules
	}
	if err := domain.ValidateRules(f.Rules); err != nil {
		return nil, err
	}
	f.Rules = domain.SortRules(f.Rules)
	return &f, nil
}
