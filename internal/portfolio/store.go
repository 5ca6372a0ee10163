package portfolio

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tedboudros/ClawQuant/internal/state"
)

// ledgerFile is the on-disk format of a ledger.
type ledgerFile struct {
	Variant     Variant             `json:"variant"`
	InitialCash decimal.Decimal     `json:"initial_cash"`
	Cash        decimal.Decimal     `json:"cash"`
	Positions   map[string]Position `json:"positions"`
	History     []Entry             `json:"history"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// Save atomically writes the ledger to path.
func (l *Ledger) Save(path string, now time.Time) error {
	l.mu.RLock()
	f := ledgerFile{
		Variant:     l.variant,
		InitialCash: l.initialCash,
		Cash:        l.cash,
		Positions:   l.positions,
		History:     l.history,
		UpdatedAt:   now,
	}
	err := state.WriteJSONAtomic(path, f)
	l.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("save %s ledger: %w", l.variant, err)
	}
	return nil
}

// LoadLedger reads a ledger from path, or returns a fresh ledger funded
// with initialCash when the file does not exist.
func LoadLedger(path string, variant Variant, initialCash decimal.Decimal) (*Ledger, error) {
	var f ledgerFile
	if err := state.ReadJSON(path, &f); err != nil {
		if os.IsNotExist(err) {
			return NewLedger(variant, initialCash), nil
		}
		return nil, fmt.Errorf("load %s ledger: %w", variant, err)
	}
	if f.Variant != variant {
		return nil, fmt.Errorf("load ledger %s: variant %q, expected %q", path, f.Variant, variant)
	}

	l := NewLedger(variant, f.InitialCash)
	l.cash = f.Cash
	for k, v := range f.Positions {
		l.positions[k] = v
	}
	l.history = f.History
	return l, nil
}
