package marketdata

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	asset        TEXT    NOT NULL,
	kind         TEXT    NOT NULL,
	ts           INTEGER NOT NULL,
	available_at INTEGER NOT NULL,
	price        TEXT    NOT NULL DEFAULT '',
	headline     TEXT    NOT NULL DEFAULT '',
	body         TEXT    NOT NULL DEFAULT '',
	url          TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_records_asset_ts ON records(asset, ts);
CREATE INDEX IF NOT EXISTS idx_records_available ON records(asset, available_at);
`

// SQLiteStore is a Source backed by a SQLite database file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create market data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open market data db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping market data db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create market data schema: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Insert stores records in one transaction.
func (s *SQLiteStore) Insert(ctx context.Context, recs ...Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (asset, kind, ts, available_at, price, headline, body, url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		price := ""
		if rec.Kind == KindPrice {
			price = rec.Price.String()
		}
		_, err := stmt.ExecContext(ctx,
			strings.ToUpper(rec.Asset), string(rec.Kind),
			rec.Timestamp.UnixNano(), rec.AvailableAt.UnixNano(),
			price, rec.Headline, rec.Body, rec.URL)
		if err != nil {
			return fmt.Errorf("insert %s record: %w", rec.Asset, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) RecordsAvailableAt(ctx context.Context, asset string, r Range, cutoff time.Time) ([]Record, error) {
	query := `
		SELECT asset, kind, ts, available_at, price, headline, body, url
		FROM records
		WHERE asset = ? AND available_at <= ?`
	args := []any{strings.ToUpper(asset), cutoff.UnixNano()}
	if !r.Start.IsZero() {
		query += " AND ts >= ?"
		args = append(args, r.Start.UnixNano())
	}
	if !r.End.IsZero() {
		query += " AND ts <= ?"
		args = append(args, r.End.UnixNano())
	}
	query += " ORDER BY ts, available_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec         Record
			kind, price string
			ts, avail   int64
		)
		if err := rows.Scan(&rec.Asset, &kind, &ts, &avail, &price, &rec.Headline, &rec.Body, &rec.URL); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Kind = Kind(kind)
		rec.Timestamp = time.Unix(0, ts).UTC()
		rec.AvailableAt = time.Unix(0, avail).UTC()
		if price != "" {
			if rec.Price, err = decimal.NewFromString(price); err != nil {
				return nil, fmt.Errorf("record %s at %s: bad price %q", rec.Asset, rec.Timestamp, price)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Assets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT asset FROM records ORDER BY asset`)
	if err != nil {
		return nil, fmt.Errorf("query assets: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
