package marketdata

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tedboudros/ClawQuant/internal/validate"
)

// LoadJSON reads a JSON array of records. A record without available_at
// is taken to be available at its timestamp.
func LoadJSON(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("parse dataset %s: %w", path, err)
	}
	for i := range recs {
		if recs[i].AvailableAt.IsZero() {
			recs[i].AvailableAt = recs[i].Timestamp
		}
		if err := validate.Struct(fmt.Sprintf("record %d", i), recs[i]); err != nil {
			return nil, fmt.Errorf("dataset %s: %w", path, err)
		}
	}
	return recs, nil
}

// Synthetic generates one daily close per asset for days days starting at
// start, as a seeded random walk from 100. Each close is available at its
// timestamp.
func Synthetic(assets []string, start time.Time, days int, seed uint64) []Record {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	recs := make([]Record, 0, len(assets)*days)
	for _, asset := range assets {
		price := 100.0
		for d := 0; d < days; d++ {
			ts := start.AddDate(0, 0, d).UTC()
			price *= 1 + (rng.Float64()-0.5)*0.04
			recs = append(recs, Record{
				Asset:       asset,
				Kind:        KindPrice,
				Timestamp:   ts,
				AvailableAt: ts,
				Price:       decimal.NewFromFloat(price).Round(2),
			})
		}
	}
	return recs
}
