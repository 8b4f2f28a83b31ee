package syncq

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"rarecandy/internal/config"
)

// Entry is a pending delta a session could not commit before it ended.
type Entry struct {
	PlayerID       string          `json:"player_id"`
	Delta          decimal.Decimal `json:"delta"`
	IdempotencyKey string          `json:"idempotency_key"`
	QueuedAt       time.Time       `json:"queued_at"`
}

// Queue persists entries as a JSON array in one file. Safe for use by a
// single process.
type Queue struct {
	path string
	mu   sync.Mutex
}

func Open(path string) *Queue {
	return &Queue{path: path}
}

// Default opens queue.json under the CLI state directory.
func Default() (*Queue, error) {
	dir, err := config.StateDir()
	if err != nil {
		return nil, err
	}
	return Open(filepath.Join(dir, "queue.json")), nil
}

func (q *Queue) Path() string {
	return q.path
}

func (q *Queue) Load() ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadLocked()
}

func (q *Queue) Save(entries []Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.saveLocked(entries)
}

// Push appends an entry. Zero deltas are not worth keeping.
func (q *Queue) Push(e Entry) error {
	if e.Delta.IsZero() {
		return nil
	}
	if e.QueuedAt.IsZero() {
		e.QueuedAt = time.Now().UTC()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.loadLocked()
	if err != nil {
		return err
	}
	return q.saveLocked(append(entries, e))
}

// Take removes and returns every entry belonging to playerID, leaving other
// players' entries in place.
func (q *Queue) Take(playerID string) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.loadLocked()
	if err != nil {
		return nil, err
	}
	var taken, kept []Entry
	for _, e := range entries {
		if e.PlayerID == playerID {
			taken = append(taken, e)
			continue
		}
		kept = append(kept, e)
	}
	if len(taken) == 0 {
		return nil, nil
	}
	if err := q.saveLocked(kept); err != nil {
		return nil, err
	}
	return taken, nil
}

// Sum totals the deltas of entries.
func Sum(entries []Entry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Delta)
	}
	return total
}

func (q *Queue) loadLocked() ([]Entry, error) {
	raw, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return []Entry{}, nil
	}
	var out []Entry
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", q.path, err)
	}
	return out, nil
}

func (q *Queue) saveLocked(entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(q.path, raw, 0o600)
}
