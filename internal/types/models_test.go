// internal/types/models_test.go
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestEventCloneDoesNotSharePayload(t *testing.T) {
	ev := Event{
		ID:        NewEventID(),
		Type:      EventSignalProposed,
		Source:    "agent",
		Timestamp: time.Now(),
		Payload:   json.RawMessage(`{"instrument":"XYZ"}`),
	}

	clone := ev.Clone()
	clone.Payload[2] = 'X'

	if string(ev.Payload) != `{"instrument":"XYZ"}` {
		t.Errorf("original payload mutated: %s", ev.Payload)
	}
}

func TestNewEventMarshalsPayload(t *testing.T) {
	sig := Signal{
		ID:             NewSignalID(),
		Instrument:     "XYZ",
		AssetClass:     "equity",
		ProposedAction: ActionBuy,
		Size:           decimal.NewFromInt(10),
	}
	ev, err := NewEvent(EventSignalProposed, "agent", sig)
	if err != nil {
		t.Fatal(err)
	}

	var decoded Signal
	if err := ev.Decode(&decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Instrument != "XYZ" || !decoded.Size.Equal(sig.Size) {
		t.Errorf("unexpected decoded signal: %+v", decoded)
	}
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	verr := fmt.Errorf("publish: %w", NewValidationError("event", "type is required"))
	if !errors.Is(verr, ErrValidation) {
		t.Error("expected ValidationError to match ErrValidation")
	}
	if verr.Error() != "publish: invalid event: type is required" {
		t.Errorf("unexpected message: %s", verr.Error())
	}

	gap := fmt.Errorf("load: %w", &DataGapError{Asset: "XYZ"})
	if !errors.Is(gap, ErrDataGap) {
		t.Error("expected DataGapError to match ErrDataGap")
	}

	var hf *HandlerFailure
	wrapped := fmt.Errorf("run: %w", &HandlerFailure{TaskID: "t1", Handler: "h", Err: errors.New("boom")})
	if !errors.As(wrapped, &hf) || hf.Handler != "h" {
		t.Error("expected HandlerFailure via errors.As")
	}
}
