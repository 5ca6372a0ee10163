// Package risk evaluates proposed signals against configured rules. The
// engine is pure: the same signal, snapshot and rules always produce the
// same verdict.
package risk

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tedboudros/ClawQuant/internal/portfolio"
	"github.com/tedboudros/ClawQuant/internal/types"
)

type Severity string

const (
	SeverityHard Severity = "hard"
	SeveritySoft Severity = "soft"
)

// Definition is a rule as written in the rules file.
type Definition struct {
	ID         string         `yaml:"id" json:"id" validate:"required"`
	Kind       string         `yaml:"kind,omitempty" json:"kind,omitempty"`
	Scope      []string       `yaml:"scope,omitempty" json:"scope,omitempty"`
	Severity   Severity       `yaml:"severity" json:"severity" validate:"required,oneof=hard soft"`
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// KindName returns the evaluator kind, defaulting to the rule ID.
func (d Definition) KindName() string {
	if d.Kind != "" {
		return d.Kind
	}
	return d.ID
}

// Rule checks one constraint. Check returns a non-empty reason when the
// signal violates it.
type Rule interface {
	ID() string
	Severity() Severity
	Applies(assetClass string) bool
	Check(sig types.Signal, snap portfolio.Snapshot) (violated bool, reason string)
}

// Constructor builds a Rule from its definition, validating parameters.
type Constructor func(def Definition) (Rule, error)

var (
	kindsMu sync.RWMutex
	kinds   = map[string]Constructor{}
)

// RegisterKind adds a rule kind. Registering an existing name panics.
func RegisterKind(name string, ctor Constructor) {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	if _, exists := kinds[name]; exists {
		panic("risk: rule kind registered twice: " + name)
	}
	kinds[name] = ctor
}

// Kinds returns the registered rule kinds in sorted order.
func Kinds() []string {
	kindsMu.RLock()
	defer kindsMu.RUnlock()

	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Build constructs rules from definitions, preserving order. Unknown kinds,
// duplicate IDs and bad parameters are ValidationErrors.
func Build(defs []Definition) ([]Rule, error) {
	kindsMu.RLock()
	defer kindsMu.RUnlock()

	seen := make(map[string]bool, len(defs))
	rules := make([]Rule, 0, len(defs))
	for i, def := range defs {
		if seen[def.ID] {
			return nil, types.NewValidationError("risk rule", fmt.Sprintf("rule %d: duplicate id %q", i, def.ID))
		}
		seen[def.ID] = true

		ctor, ok := kinds[def.KindName()]
		if !ok {
			return nil, types.NewValidationError("risk rule",
				fmt.Sprintf("rule %q: unknown kind %q (known: %s)", def.ID, def.KindName(), strings.Join(kindNamesLocked(), ", ")))
		}
		rule, err := ctor(def)
		if err != nil {
			return nil, types.NewValidationError("risk rule", fmt.Sprintf("rule %q: %v", def.ID, err))
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func kindNamesLocked() []string {
	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// base carries the identity fields every rule shares.
type base struct {
	def Definition
}

func (b base) ID() string         { return b.def.ID }
func (b base) Severity() Severity { return b.def.Severity }

func (b base) Applies(assetClass string) bool {
	return len(b.def.Scope) == 0 || slices.Contains(b.def.Scope, assetClass)
}

// decimalParam reads a numeric parameter. YAML decodes numbers as int or
// float64; quoted strings are accepted too.
func decimalParam(def Definition, key string) (decimal.Decimal, error) {
	raw, ok := def.Parameters[key]
	if !ok {
		return decimal.Zero, fmt.Errorf("parameter %q is required", key)
	}
	switch v := raw.(type) {
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case uint64:
		return decimal.NewFromUint64(v), nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parameter %q: %v", key, err)
		}
		return d, nil
	default:
		return decimal.Zero, fmt.Errorf("parameter %q must be a number, got %T", key, raw)
	}
}

func intParam(def Definition, key string) (int, error) {
	d, err := decimalParam(def, key)
	if err != nil {
		return 0, err
	}
	if !d.IsInteger() || d.IsNegative() {
		return 0, fmt.Errorf("parameter %q must be a non-negative integer", key)
	}
	return int(d.IntPart()), nil
}

func stringsParam(def Definition, key string) ([]string, error) {
	raw, ok := def.Parameters[key]
	if !ok {
		return nil, fmt.Errorf("parameter %q is required", key)
	}
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("parameter %q must be a list of strings", key)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("parameter %q must be a list of strings", key)
	}
}
