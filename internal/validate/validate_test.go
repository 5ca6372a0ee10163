package validate

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tedboudros/ClawQuant/internal/types"
)

func TestStruct_Event(t *testing.T) {
	tests := []struct {
		name    string
		event   types.Event
		wantErr string
	}{
		{
			name:  "valid",
			event: types.Event{ID: "e1", Type: "signal.proposed", Source: "agent", Timestamp: time.Now()},
		},
		{
			name:    "missing type",
			event:   types.Event{ID: "e1", Source: "agent", Timestamp: time.Now()},
			wantErr: "type is required",
		},
		{
			name:    "undotted type",
			event:   types.Event{ID: "e1", Type: "signal", Source: "agent", Timestamp: time.Now()},
			wantErr: "type must be a dotted event type",
		},
		{
			name:    "missing source",
			event:   types.Event{ID: "e1", Type: "task.completed", Timestamp: time.Now()},
			wantErr: "source is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Struct("event", tt.event)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, types.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected %q in %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestWithDefaults(t *testing.T) {
	type request struct {
		Name  string `json:"name" validate:"required"`
		Limit int    `json:"limit" default:"5" validate:"min=1,max=10"`
	}

	req := request{Name: "x"}
	if err := WithDefaults("request", &req); err != nil {
		t.Fatal(err)
	}
	if req.Limit != 5 {
		t.Errorf("expected default limit 5, got %d", req.Limit)
	}

	bad := request{Name: "x", Limit: 50}
	err := WithDefaults("request", &bad)
	if err == nil || !strings.Contains(err.Error(), "limit must be at most 10") {
		t.Errorf("expected max error, got %v", err)
	}
}

func TestEventType(t *testing.T) {
	for _, typ := range []string{"signal.proposed", "sim.tick", "a.b.c"} {
		if !EventType(typ) {
			t.Errorf("%s should be valid", typ)
		}
	}
	for _, typ := range []string{"", "signal", "Signal.Proposed", "signal.", ".x"} {
		if EventType(typ) {
			t.Errorf("%q should be invalid", typ)
		}
	}
}
