// Package marketdata serves historical price and news records. Every read
// made on behalf of the pipeline goes through an Accessor, which enforces
// the availability cutoff of its TimeContext.
package marketdata

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindPrice Kind = "price"
	KindNews  Kind = "news"
)

// Record is one observation. Timestamp is when it describes; AvailableAt
// is when it could first have been known.
type Record struct {
	Asset       string          `json:"asset" validate:"required"`
	Kind        Kind            `json:"kind" validate:"required,oneof=price news"`
	Timestamp   time.Time       `json:"timestamp" validate:"required"`
	AvailableAt time.Time       `json:"available_at" validate:"required"`
	Price       decimal.Decimal `json:"price,omitempty"`
	Headline    string          `json:"headline,omitempty"`
	Body        string          `json:"body,omitempty"`
	URL         string          `json:"url,omitempty"`
}

// Range is an inclusive time window over Record.Timestamp. A zero bound is
// open.
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the range.
func (r Range) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// Source answers historical queries. Implementations must return only
// records with AvailableAt <= cutoff; Accessor re-checks regardless.
type Source interface {
	RecordsAvailableAt(ctx context.Context, asset string, r Range, cutoff time.Time) ([]Record, error)
}

// AssetLister is implemented by sources that can enumerate their assets.
type AssetLister interface {
	Assets(ctx context.Context) ([]string, error)
}

func sortRecords(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Timestamp.Equal(recs[j].Timestamp) {
			return recs[i].AvailableAt.Before(recs[j].AvailableAt)
		}
		return recs[i].Timestamp.Before(recs[j].Timestamp)
	})
}
