// internal/types/models.go
package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Event types published on the bus. Types are dotted namespaces; a
// subscriber pattern of "signal" or "signal.*" matches every signal event.
const (
	EventSignalProposed    = "signal.proposed"
	EventSignalVerdict     = "signal.verdict"
	EventSignalConfirmed   = "signal.confirmed"
	EventSignalDeclined    = "signal.declined"
	EventIntegrationOutput = "integration.output"
	EventTaskCompleted     = "task.completed"
	EventTaskFailed        = "task.failed"
	EventNewsBriefing      = "news.briefing"
	EventPortfolioUpdated  = "portfolio.updated"
	EventMemoryDivergence  = "memory.divergence"
	EventAgentPaused       = "agent.paused"
	EventSimTick           = "sim.tick"
)

type Event struct {
	ID        EventID         `json:"id" validate:"required"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type" validate:"required,eventtype"`
	Source    string          `json:"source" validate:"required"`
	Timestamp time.Time       `json:"timestamp" validate:"required"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Clone returns a copy that shares no memory with e.
func (e Event) Clone() Event {
	if e.Payload != nil {
		p := make(json.RawMessage, len(e.Payload))
		copy(p, e.Payload)
		e.Payload = p
	}
	return e
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// NewEvent builds an event with the payload marshaled to JSON. ID and
// Timestamp are filled in by the bus when left empty.
func NewEvent(typ, source string, payload any) (Event, error) {
	ev := Event{Type: typ, Source: source}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		ev.Payload = data
	}
	return ev, nil
}

type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

type Signal struct {
	ID             SignalID         `json:"id" validate:"required"`
	Model          string           `json:"model,omitempty"`
	Instrument     string           `json:"instrument" validate:"required"`
	AssetClass     string           `json:"asset_class" validate:"required"`
	ProposedAction Action           `json:"proposed_action" validate:"required,oneof=buy sell hold"`
	Size           decimal.Decimal  `json:"size"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	RationaleRef   string           `json:"rationale_ref,omitempty"`
	RiskFlags      []string         `json:"risk_flags,omitempty"`
	ProposedAt     time.Time        `json:"proposed_at"`
}

type VerdictStatus string

const (
	VerdictApproved VerdictStatus = "approved"
	VerdictRejected VerdictStatus = "rejected"
	VerdictFlagged  VerdictStatus = "flagged"
)

type Verdict struct {
	SignalID       SignalID      `json:"signal_id"`
	Status         VerdictStatus `json:"status"`
	TriggeredRules []string      `json:"triggered_rules"`
	Reasons        []string      `json:"reasons,omitempty"`
}

// VerdictRecord is the payload of signal.verdict. Price is the reference
// price the signal was evaluated at; a confirmed trade fills at it.
type VerdictRecord struct {
	Signal      Signal          `json:"signal"`
	Verdict     Verdict         `json:"verdict"`
	Price       decimal.Decimal `json:"price"`
	EvaluatedAt time.Time       `json:"evaluated_at"`
}

// Decision is the payload of signal.confirmed and signal.declined.
type Decision struct {
	SignalID  SignalID  `json:"signal_id" validate:"required"`
	DecidedBy string    `json:"decided_by"`
	Note      string    `json:"note,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Notification is the payload of integration.output. Key identifies the
// logical notification; outputs deliver each key at most once.
type Notification struct {
	Key       NotificationKey `json:"key"`
	Channel   string          `json:"channel,omitempty"`
	Output    string          `json:"output,omitempty"`
	Title     string          `json:"title,omitempty"`
	Text      string          `json:"text" validate:"required"`
	SignalID  SignalID        `json:"signal_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// TaskOutcome is the payload of task.completed and task.failed.
type TaskOutcome struct {
	TaskID      TaskID    `json:"task_id"`
	HandlerName string    `json:"handler_name"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}
