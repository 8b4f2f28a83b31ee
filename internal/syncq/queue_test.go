package syncq

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

func TestLoadMissingFileIsEmpty(t *testing.T) {
	q := Open(filepath.Join(t.TempDir(), "queue.json"))
	entries, err := q.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty queue, got %d", len(entries))
	}
}

func TestPushAndTakeByPlayer(t *testing.T) {
	q := Open(filepath.Join(t.TempDir(), "queue.json"))
	pushes := []Entry{
		{PlayerID: "a", Delta: decimal.RequireFromString("12.50"), IdempotencyKey: "k1"},
		{PlayerID: "b", Delta: decimal.NewFromInt(3), IdempotencyKey: "k2"},
		{PlayerID: "a", Delta: decimal.RequireFromString("-2.25"), IdempotencyKey: "k3"},
		{PlayerID: "a", Delta: decimal.Zero, IdempotencyKey: "k4"},
	}
	for _, e := range pushes {
		if err := q.Push(e); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	taken, err := q.Take("a")
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if len(taken) != 2 {
		t.Fatalf("expected 2 entries for a, got %d", len(taken))
	}
	if got := Sum(taken); !got.Equal(decimal.RequireFromString("10.25")) {
		t.Fatalf("sum: got %s want 10.25", got)
	}
	if taken[0].QueuedAt.IsZero() {
		t.Fatalf("queued_at should be stamped")
	}

	rest, err := q.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rest) != 1 || rest[0].PlayerID != "b" {
		t.Fatalf("unexpected remaining entries %+v", rest)
	}

	again, err := q.Take("a")
	if err != nil || again != nil {
		t.Fatalf("second take should be empty, got %v err=%v", again, err)
	}
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(path).Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestDefaultUsesStateDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CANDY_HOME", dir)
	q, err := Default()
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if q.Path() != filepath.Join(dir, "queue.json") {
		t.Fatalf("unexpected path %s", q.Path())
	}
}
