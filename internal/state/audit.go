// internal/state/audit.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tedboudros/ClawQuant/internal/types"
)

// AuditLog is a JSONL-backed append-only log of every published event.
// Each line carries a strictly increasing sequence number. Appends are
// fsynced before they return.
type AuditLog struct {
	path string
	mu   sync.Mutex
	f    *os.File
	seq  int64
}

// OpenAuditLog opens (or creates) the log at path and resumes numbering
// after the last recorded sequence.
func OpenAuditLog(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	last, err := lastSeq(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	return &AuditLog{path: path, f: f, seq: last}, nil
}

// lastSeq scans the log and returns the highest sequence number seen.
// A final line without a newline is a write cut short by a crash: it is
// dropped if it does not parse and terminated if it does. A bad line
// anywhere else means the log is corrupt.
func lastSeq(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var (
		last   int64
		offset int64
	)
	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, readErr := r.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return 0, fmt.Errorf("scan audit log: %w", readErr)
		}
		if len(line) == 0 {
			break
		}

		torn := line[len(line)-1] != '\n'
		var rec struct {
			Seq int64 `json:"seq"`
		}
		if err := json.Unmarshal(line, &rec); err != nil {
			if !torn {
				return 0, fmt.Errorf("audit log %s is corrupt at byte %d: %w", path, offset, err)
			}
			slog.Warn("dropping incomplete trailing audit record", "path", path, "offset", offset, "bytes", len(line))
			if err := os.Truncate(path, offset); err != nil {
				return 0, fmt.Errorf("truncate audit log: %w", err)
			}
			break
		}
		if torn {
			if err := terminate(path); err != nil {
				return 0, err
			}
		}
		if rec.Seq > last {
			last = rec.Seq
		}
		offset += int64(len(line))
		if readErr == io.EOF {
			break
		}
	}
	return last, nil
}

// terminate appends the newline a complete final record is missing.
func terminate(path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	if _, err := f.Write([]byte{'\n'}); err != nil {
		f.Close()
		return fmt.Errorf("terminate audit log: %w", err)
	}
	return f.Close()
}

// Path returns the file path of the log.
func (a *AuditLog) Path() string {
	return a.path
}

// Append assigns the next sequence number to event and durably writes it.
// On failure the sequence number is not consumed.
func (a *AuditLog) Append(_ context.Context, event *types.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.f == nil {
		return fmt.Errorf("audit log closed")
	}

	event.Seq = a.seq + 1
	data, err := json.Marshal(event)
	if err != nil {
		event.Seq = 0
		return fmt.Errorf("marshal event: %w", err)
	}

	data = append(data, '\n')
	if _, err := a.f.Write(data); err != nil {
		event.Seq = 0
		return fmt.Errorf("write event: %w", err)
	}
	if err := a.f.Sync(); err != nil {
		event.Seq = 0
		return fmt.Errorf("sync audit log: %w", err)
	}

	a.seq++
	return nil
}

// LastSeq returns the sequence number of the most recent append.
func (a *AuditLog) LastSeq() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seq
}

// Tail returns the last limit events in sequence order. A limit of zero or
// less returns every event.
func (a *AuditLog) Tail(_ context.Context, limit int) ([]*types.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var events []*types.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var event types.Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, &event)
		if limit > 0 && len(events) > limit {
			events = events[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}

	return events, nil
}

// Close releases the file handle. Further appends fail.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}
