package sim

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tedboudros/ClawQuant/internal/agent"
	"github.com/tedboudros/ClawQuant/internal/risk"
	"github.com/tedboudros/ClawQuant/internal/schedule"
	"github.com/tedboudros/ClawQuant/internal/types"
	"github.com/tedboudros/ClawQuant/internal/validate"
)

// Model kinds.
const (
	KindScripted = "scripted"
	KindLLM      = "llm"
)

// DatasetSynthetic asks for a seeded random-walk dataset over the run's
// assets and range.
const DatasetSynthetic = "synthetic"

var defaultInitialCash = decimal.NewFromInt(100000)

// ModelConfig is one model run side by side with the others.
type ModelConfig struct {
	Name   string                `json:"name" yaml:"name" validate:"required"`
	Kind   string                `json:"kind" yaml:"kind" default:"scripted" validate:"oneof=scripted llm"`
	Prompt string                `json:"prompt,omitempty" yaml:"prompt"`
	Plan   []agent.PlannedSignal `json:"plan,omitempty" yaml:"plan" validate:"dive"`
}

// Config describes one simulation run.
type Config struct {
	Name          string            `json:"name,omitempty" yaml:"name"`
	Start         time.Time         `json:"start" yaml:"start" validate:"required"`
	End           time.Time         `json:"end" yaml:"end" validate:"required,gtfield=Start"`
	Assets        []string          `json:"assets" yaml:"assets" validate:"required,min=1,dive,required"`
	Models        []ModelConfig     `json:"models" yaml:"models" validate:"required,min=1,dive"`
	InitialCash   decimal.Decimal   `json:"initial_cash" yaml:"initial_cash"`
	ConfirmPolicy string            `json:"confirm_policy" yaml:"confirm_policy" default:"approved" validate:"oneof=none approved approved_or_flagged"`
	TickEvery     string            `json:"tick_every" yaml:"tick_every" default:"24h"`
	WeekdaysOnly  bool              `json:"weekdays_only,omitempty" yaml:"weekdays_only"`
	Dataset       string            `json:"dataset,omitempty" yaml:"dataset"`
	Seed          uint64            `json:"seed,omitempty" yaml:"seed"`
	Rules         []risk.Definition `json:"rules,omitempty" yaml:"rules" validate:"dive"`
	MaxToolRounds int               `json:"max_tool_rounds" yaml:"max_tool_rounds" default:"8" validate:"min=1"`
}

// Normalize fills defaults and validates c.
func (c *Config) Normalize() error {
	if err := validate.WithDefaults("simulation config", c); err != nil {
		return err
	}
	c.Start, c.End = c.Start.UTC(), c.End.UTC()
	if c.InitialCash.IsZero() {
		c.InitialCash = defaultInitialCash
	}
	if !c.InitialCash.IsPositive() {
		return types.NewValidationError("simulation config", "initial_cash must be positive")
	}
	for i, a := range c.Assets {
		c.Assets[i] = strings.ToUpper(strings.TrimSpace(a))
	}

	seen := make(map[string]bool)
	for _, m := range c.Models {
		if seen[m.Name] {
			return types.NewValidationError("simulation config", fmt.Sprintf("duplicate model %q", m.Name))
		}
		seen[m.Name] = true
	}

	if _, err := c.Step(); err != nil {
		return err
	}
	return nil
}

// Step returns the simulated time between ticks.
func (c *Config) Step() (time.Duration, error) {
	sched, err := schedule.Parse("every " + c.TickEvery)
	if err != nil {
		return 0, err
	}
	iv, ok := sched.(schedule.Interval)
	if !ok {
		return 0, types.NewValidationError("simulation config", fmt.Sprintf("tick_every %q is not an interval", c.TickEvery))
	}
	return iv.Every, nil
}
