package pipeline

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tedboudros/ClawQuant/internal/portfolio"
)

// Books holds one AI/human ledger pair per model, created on first use.
type Books struct {
	initialCash decimal.Decimal
	dir         string

	mu    sync.Mutex
	pairs map[string]*portfolio.Pair
}

// NewBooks creates in-memory books funding each new pair with initialCash.
func NewBooks(initialCash decimal.Decimal) *Books {
	return &Books{initialCash: initialCash, pairs: make(map[string]*portfolio.Pair)}
}

// OpenBooks creates books persisted under dir, loading any pairs already
// saved there for the given models.
func OpenBooks(dir string, initialCash decimal.Decimal, models ...string) (*Books, error) {
	b := NewBooks(initialCash)
	b.dir = dir
	for _, model := range models {
		ai, err := portfolio.LoadLedger(b.ledgerPath(model, portfolio.VariantAI), portfolio.VariantAI, initialCash)
		if err != nil {
			return nil, err
		}
		human, err := portfolio.LoadLedger(b.ledgerPath(model, portfolio.VariantHuman), portfolio.VariantHuman, initialCash)
		if err != nil {
			return nil, err
		}
		b.pairs[model] = &portfolio.Pair{AI: ai, Human: human}
	}
	return b, nil
}

func (b *Books) ledgerPath(model string, v portfolio.Variant) string {
	return filepath.Join(b.dir, model, string(v)+".json")
}

// Pair returns the ledger pair for model.
func (b *Books) Pair(model string) *portfolio.Pair {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pairs[model]
	if !ok {
		p = portfolio.NewPair(b.initialCash)
		b.pairs[model] = p
	}
	return p
}

// Models returns the models with a ledger pair, sorted.
func (b *Books) Models() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.pairs))
	for m := range b.pairs {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// InitialCash returns the funding of each new ledger.
func (b *Books) InitialCash() decimal.Decimal {
	return b.initialCash
}

// Save writes one ledger to disk. In-memory books ignore it.
func (b *Books) Save(model string, v portfolio.Variant, now time.Time) error {
	if b.dir == "" {
		return nil
	}
	l, ok := b.Pair(model).Ledger(v)
	if !ok {
		return fmt.Errorf("unknown ledger variant %q", v)
	}
	return l.Save(b.ledgerPath(model, v), now)
}
