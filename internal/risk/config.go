package risk

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tedboudros/ClawQuant/internal/state"
	"github.com/tedboudros/ClawQuant/internal/types"
	"github.com/tedboudros/ClawQuant/internal/validate"
)

// File is the on-disk shape of a rules file.
type File struct {
	Rules []Definition `yaml:"rules"`
}

// DefaultDefinitions is the rule set written when no rules file exists.
func DefaultDefinitions() []Definition {
	return []Definition{
		{ID: "no_short_selling", Severity: SeverityHard},
		{ID: "max_position_value", Severity: SeverityHard, Parameters: map[string]any{"limit": 5000}},
		{ID: "min_cash_reserve", Severity: SeverityHard, Parameters: map[string]any{"amount": 500}},
		{ID: "max_portfolio_pct", Severity: SeveritySoft, Parameters: map[string]any{"limit_pct": 25}},
		{ID: "max_open_positions", Severity: SeveritySoft, Parameters: map[string]any{"count": 10}},
		{ID: "require_rationale", Severity: SeveritySoft},
	}
}

// ParseRules decodes and validates a YAML rules document.
func ParseRules(data []byte) ([]Definition, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, types.NewValidationError("risk rules", err.Error())
	}
	for i := range f.Rules {
		if err := validate.Struct(fmt.Sprintf("risk rule %d", i), f.Rules[i]); err != nil {
			return nil, err
		}
	}
	if _, err := Build(f.Rules); err != nil {
		return nil, err
	}
	return f.Rules, nil
}

// LoadRules reads the rules file at path.
func LoadRules(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	defs, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// LoadOrInit reads the rules file, writing the default rule set first if
// it does not exist.
func LoadOrInit(path string) ([]Definition, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := SaveRules(path, DefaultDefinitions()); err != nil {
			return nil, err
		}
	}
	return LoadRules(path)
}

// SaveRules writes defs to path atomically.
func SaveRules(path string, defs []Definition) error {
	data, err := yaml.Marshal(File{Rules: defs})
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	if err := state.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("write rules: %w", err)
	}
	return nil
}
