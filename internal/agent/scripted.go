package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tedboudros/ClawQuant/internal/marketdata"
	"github.com/tedboudros/ClawQuant/internal/types"
)

// PlannedSignal is a trade a scripted agent proposes on a given day.
type PlannedSignal struct {
	Day        string          `json:"day" yaml:"day" validate:"required,datetime=2006-01-02"`
	Instrument string          `json:"instrument" yaml:"instrument" validate:"required"`
	AssetClass string          `json:"asset_class,omitempty" yaml:"asset_class" default:"equity"`
	Action     types.Action    `json:"action" yaml:"action" validate:"required,oneof=buy sell hold"`
	Size       decimal.Decimal `json:"size" yaml:"size"`
	Rationale  string          `json:"rationale,omitempty" yaml:"rationale"`
}

// Scripted proposes a fixed plan through the same tools an LLM agent
// uses. Each planned signal is proposed once, on the first run whose
// current day matches.
type Scripted struct {
	model string
	tools *Registry
	data  *marketdata.Accessor
	plan  []PlannedSignal

	mu   sync.Mutex
	done map[int]bool
}

func NewScripted(model string, tools *Registry, data *marketdata.Accessor, plan []PlannedSignal) *Scripted {
	return &Scripted{
		model: model,
		tools: tools,
		data:  data,
		plan:  plan,
		done:  make(map[int]bool),
	}
}

func (s *Scripted) Model() string { return s.model }

func (s *Scripted) Run(ctx context.Context, _ Input) (Outcome, error) {
	day := s.data.Now().Format("2006-01-02")

	s.mu.Lock()
	var due []int
	for i, p := range s.plan {
		if p.Day == day && !s.done[i] {
			s.done[i] = true
			due = append(due, i)
		}
	}
	s.mu.Unlock()

	out := Outcome{Rounds: 1}
	for _, i := range due {
		p := s.plan[i]
		args, err := json.Marshal(proposeArgs{
			Instrument: p.Instrument,
			AssetClass: p.AssetClass,
			Action:     p.Action,
			Size:       p.Size,
			Rationale:  p.Rationale,
		})
		if err != nil {
			return out, err
		}
		out.ToolCalls++
		if _, err := s.tools.Execute(ctx, "propose_signal", args); err != nil {
			return out, fmt.Errorf("propose %s %s: %w", p.Action, p.Instrument, err)
		}
	}
	out.Reply = fmt.Sprintf("proposed %d signal(s) for %s", len(due), day)
	return out, nil
}
