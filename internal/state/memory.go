// internal/state/memory.go
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// MemoryStore is a markdown bullet list of durable facts, one per line.
// Portfolio comparisons record divergences here and agents read it back
// as context.
type MemoryStore struct {
	path string
	mu   sync.Mutex
}

// NewMemoryStore creates a MemoryStore backed by the file at path.
func NewMemoryStore(path string) *MemoryStore {
	return &MemoryStore{path: path}
}

func (m *MemoryStore) read() (string, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read memory: %w", err)
	}
	return string(data), nil
}

// Save appends a fact. Returns false if an identical fact already exists.
func (m *MemoryStore) Save(content string) (bool, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return false, fmt.Errorf("content is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.read()
	if err != nil {
		return false, err
	}

	line := "- " + content
	for _, l := range strings.Split(existing, "\n") {
		if strings.TrimSpace(l) == line {
			return false, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return false, fmt.Errorf("create memory dir: %w", err)
	}
	f, err := os.OpenFile(m.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return false, fmt.Errorf("open memory: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(line + "\n"); err != nil {
		return false, fmt.Errorf("write memory: %w", err)
	}
	return true, nil
}

// Delete removes a fact. Returns false if it was not present.
func (m *MemoryStore) Delete(content string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.read()
	if err != nil {
		return false, err
	}

	target := "- " + strings.TrimSpace(content)
	var kept []string
	found := false
	for _, l := range strings.Split(existing, "\n") {
		if strings.TrimSpace(l) == target {
			found = true
			continue
		}
		if l != "" {
			kept = append(kept, l)
		}
	}
	if !found {
		return false, nil
	}

	out := ""
	if len(kept) > 0 {
		out = strings.Join(kept, "\n") + "\n"
	}
	if err := WriteFileAtomic(m.path, []byte(out)); err != nil {
		return false, err
	}
	return true, nil
}

// List returns every stored fact without the bullet prefix.
func (m *MemoryStore) List() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	content, err := m.read()
	if err != nil {
		return nil, err
	}
	var facts []string
	for _, l := range strings.Split(content, "\n") {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		facts = append(facts, strings.TrimPrefix(l, "- "))
	}
	return facts, nil
}
