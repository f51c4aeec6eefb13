package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/Davileal/fireodm/driver"
)

func TestCRUDRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()

	if _, err := s.GetDocument(ctx, "users/u1"); !errors.Is(err, driver.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := s.SetDocument(ctx, "users/u1", map[string]any{"name": "A", "n": int64(1)}, driver.SetOptions{}); err != nil {
		t.Fatalf("set: %v", err)
	}
	snap, err := s.GetDocument(ctx, "users/u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap.Data["name"] != "A" {
		t.Errorf("name = %v", snap.Data["name"])
	}

	if _, err := s.UpdateDocument(ctx, "users/u1", map[string]any{"n": driver.Increment(2)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	snap, _ = s.GetDocument(ctx, "users/u1")
	if snap.Data["n"] != int64(3) {
		t.Errorf("n = %v, want 3", snap.Data["n"])
	}

	if _, err := s.DeleteDocument(ctx, "users/u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetDocument(ctx, "users/u1"); !errors.Is(err, driver.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestUpdateMissingDocument(t *testing.T) {
	s := New()
	_, err := s.UpdateDocument(context.Background(), "users/nope", map[string]any{"a": 1})
	if !errors.Is(err, driver.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.SetDocument(ctx, "users/u1", map[string]any{"tags": []any{"a"}}, driver.SetOptions{})

	snap, _ := s.GetDocument(ctx, "users/u1")
	snap.Data["tags"].([]any)[0] = "mutated"

	again, _ := s.GetDocument(ctx, "users/u1")
	if again.Data["tags"].([]any)[0] != "a" {
		t.Error("snapshot mutation leaked into the store")
	}
}

func TestQueryScopedToCollection(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.SetDocument(ctx, "users/u1", map[string]any{"n": 1}, driver.SetOptions{})
	s.SetDocument(ctx, "users/u2", map[string]any{"n": 2}, driver.SetOptions{})
	s.SetDocument(ctx, "users/u1/posts/p1", map[string]any{"n": 3}, driver.SetOptions{})

	snaps, err := s.Query(ctx, "users", driver.Query{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(snaps) != 2 {
		t.Errorf("expected 2 users, got %d (subcollection docs must not leak)", len(snaps))
	}

	snaps, err = s.Query(ctx, "users/u1/posts", driver.Query{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(snaps) != 1 {
		t.Errorf("expected 1 post, got %d", len(snaps))
	}
}

func TestTransactionCommitAndAbort(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.SetDocument(ctx, "acc/a", map[string]any{"n": int64(10)}, driver.SetOptions{})

	err := s.RunTransaction(ctx, func(ctx context.Context, tx driver.Tx) error {
		snap, err := tx.Get(ctx, "acc/a")
		if err != nil {
			return err
		}
		n := snap.Data["n"].(int64)
		return tx.Set(ctx, "acc/a", map[string]any{"n": n + 1}, driver.SetOptions{})
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	snap, _ := s.GetDocument(ctx, "acc/a")
	if snap.Data["n"] != int64(11) {
		t.Errorf("n = %v, want 11", snap.Data["n"])
	}

	boom := errors.New("boom")
	err = s.RunTransaction(ctx, func(ctx context.Context, tx driver.Tx) error {
		if err := tx.Set(ctx, "acc/a", map[string]any{"n": int64(999)}, driver.SetOptions{}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	snap, _ = s.GetDocument(ctx, "acc/a")
	if snap.Data["n"] != int64(11) {
		t.Errorf("aborted transaction leaked a write: n = %v", snap.Data["n"])
	}
}

func TestTransactionReadAfterWrite(t *testing.T) {
	ctx := context.Background()
	s := New()
	err := s.RunTransaction(ctx, func(ctx context.Context, tx driver.Tx) error {
		if err := tx.Set(ctx, "acc/a", map[string]any{"n": 1}, driver.SetOptions{}); err != nil {
			return err
		}
		_, err := tx.Get(ctx, "acc/a")
		return err
	})
	if !errors.Is(err, driver.ErrReadAfterWrite) {
		t.Fatalf("expected ErrReadAfterWrite, got %v", err)
	}
}

func TestBatchCommitAndAbandon(t *testing.T) {
	ctx := context.Background()
	s := New()

	b := s.NewBatch()
	b.Set("users/u1", map[string]any{"n": 1}, driver.SetOptions{})
	b.Set("users/u2", map[string]any{"n": 2}, driver.SetOptions{})
	if b.Len() != 2 {
		t.Fatalf("Len = %d", b.Len())
	}
	results, err := b.Commit(ctx)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("expected 2 results, got %d", len(results))
	}

	// A batch updating a missing document commits nothing.
	b = s.NewBatch()
	b.Set("users/u3", map[string]any{"n": 3}, driver.SetOptions{})
	b.Update("users/nope", map[string]any{"n": 4})
	if _, err := b.Commit(ctx); !errors.Is(err, driver.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetDocument(ctx, "users/u3"); !errors.Is(err, driver.ErrNotFound) {
		t.Error("failed batch applied a partial write")
	}
}

func TestCounters(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.SetDocument(ctx, "users/u1", map[string]any{}, driver.SetOptions{})
	s.GetDocument(ctx, "users/u1")
	s.GetDocument(ctx, "users/u1")

	if got := s.Writes(); got != 1 {
		t.Errorf("Writes = %d, want 1", got)
	}
	if got := s.Reads(); got != 2 {
		t.Errorf("Reads = %d, want 2", got)
	}
	s.ResetCounters()
	if s.Reads() != 0 || s.Writes() != 0 {
		t.Error("counters not reset")
	}
}
