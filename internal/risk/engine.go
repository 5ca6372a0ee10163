package risk

import (
	"github.com/tedboudros/ClawQuant/internal/portfolio"
	"github.com/tedboudros/ClawQuant/internal/types"
)

// Engine applies an immutable rule set. It holds no mutable state and is
// safe for concurrent use.
type Engine struct {
	hard []Rule
	soft []Rule
}

// NewEngine splits rules by severity, keeping configuration order within
// each group.
func NewEngine(rules []Rule) *Engine {
	e := &Engine{}
	for _, r := range rules {
		if r.Severity() == SeverityHard {
			e.hard = append(e.hard, r)
		} else {
			e.soft = append(e.soft, r)
		}
	}
	return e
}

// NewEngineFromDefinitions builds the rules and wraps them in an Engine.
func NewEngineFromDefinitions(defs []Definition) (*Engine, error) {
	rules, err := Build(defs)
	if err != nil {
		return nil, err
	}
	return NewEngine(rules), nil
}

// Rules returns the number of hard and soft rules.
func (e *Engine) Rules() (hard, soft int) {
	return len(e.hard), len(e.soft)
}

// Evaluate returns the verdict for sig against snap. The first violated
// hard rule rejects the signal and nothing else is evaluated. Otherwise
// every soft rule runs and any violations flag it.
func (e *Engine) Evaluate(sig types.Signal, snap portfolio.Snapshot) types.Verdict {
	v := types.Verdict{
		SignalID:       sig.ID,
		Status:         types.VerdictApproved,
		TriggeredRules: []string{},
	}

	for _, r := range e.hard {
		if !r.Applies(sig.AssetClass) {
			continue
		}
		if violated, reason := r.Check(sig, snap); violated {
			v.Status = types.VerdictRejected
			v.TriggeredRules = []string{r.ID()}
			v.Reasons = []string{reason}
			return v
		}
	}

	for _, r := range e.soft {
		if !r.Applies(sig.AssetClass) {
			continue
		}
		if violated, reason := r.Check(sig, snap); violated {
			v.Status = types.VerdictFlagged
			v.TriggeredRules = append(v.TriggeredRules, r.ID())
			v.Reasons = append(v.Reasons, reason)
		}
	}
	return v
}
