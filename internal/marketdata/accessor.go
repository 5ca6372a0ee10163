package marketdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tedboudros/ClawQuant/internal/types"
)

// Accessor is the only read path to historical data. It passes the
// TimeContext cutoff to the source and drops anything the source returns
// past it.
type Accessor struct {
	source Source
	tc     *TimeContext
}

func NewAccessor(source Source, tc *TimeContext) *Accessor {
	return &Accessor{source: source, tc: tc}
}

// Now returns the accessor's current time.
func (a *Accessor) Now() time.Time {
	return a.tc.Now()
}

// Cutoff returns the availability cutoff in force.
func (a *Accessor) Cutoff() time.Time {
	return a.tc.Cutoff()
}

// Simulated reports whether the accessor runs on simulated time.
func (a *Accessor) Simulated() bool {
	return a.tc.Simulated()
}

// Records returns the records for asset in r that are available at the
// current cutoff, ordered by timestamp.
func (a *Accessor) Records(ctx context.Context, asset string, r Range) ([]Record, error) {
	cutoff := a.tc.Cutoff()
	recs, err := a.source.RecordsAvailableAt(ctx, asset, r, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", asset, err)
	}

	visible := make([]Record, 0, len(recs))
	dropped := 0
	for _, rec := range recs {
		if rec.AvailableAt.After(cutoff) {
			dropped++
			continue
		}
		visible = append(visible, rec)
	}
	if dropped > 0 {
		slog.Warn("source returned records past the cutoff", "asset", asset, "dropped", dropped, "cutoff", cutoff)
	}
	sortRecords(visible)
	return visible, nil
}

func (a *Accessor) kind(ctx context.Context, asset string, r Range, kind Kind) ([]Record, error) {
	recs, err := a.Records(ctx, asset, r)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, rec := range recs {
		if rec.Kind == kind {
			out = append(out, rec)
		}
	}
	return out, nil
}

// PriceHistory returns the visible price records for asset in r.
func (a *Accessor) PriceHistory(ctx context.Context, asset string, r Range) ([]Record, error) {
	return a.kind(ctx, asset, r, KindPrice)
}

// News returns the visible news records for asset published since since.
func (a *Accessor) News(ctx context.Context, asset string, since time.Time) ([]Record, error) {
	return a.kind(ctx, asset, Range{Start: since}, KindNews)
}

// LatestPrice returns the most recent visible price for asset.
func (a *Accessor) LatestPrice(ctx context.Context, asset string) (Record, error) {
	recs, err := a.kind(ctx, asset, Range{End: a.tc.Now()}, KindPrice)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, fmt.Errorf("price for %s at %s: %w", asset, a.tc.Cutoff().Format(time.RFC3339), types.ErrNotFound)
	}
	return recs[len(recs)-1], nil
}

// Prices returns the latest visible price of each asset. Assets without a
// visible price are omitted.
func (a *Accessor) Prices(ctx context.Context, assets []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(assets))
	for _, asset := range assets {
		rec, err := a.LatestPrice(ctx, asset)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out[asset] = rec.Price
	}
	return out, nil
}

// Assets lists the source's assets when it can enumerate them.
func (a *Accessor) Assets(ctx context.Context) ([]string, error) {
	lister, ok := a.source.(AssetLister)
	if !ok {
		return nil, nil
	}
	return lister.Assets(ctx)
}
