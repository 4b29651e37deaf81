package decision

import (
	"context"
	"path/filepath"
	"testing"
)

func TestEventStore_AppendAndRecent(t *testing.T) {
	store, err := OpenEventStore(EventStoreConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "decisions.db"),
	}, testLogger())
	if err != nil {
		t.Fatalf("OpenEventStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	for _, id := range []string{"d-1", "d-2", "d-3"} {
		if err := store.Append(ctx, testEntry(id)); err != nil {
			t.Fatalf("Append %s: %v", id, err)
		}
	}

	entries, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].DecisionID != "d-3" {
		t.Errorf("newest first: got %q, want d-3", entries[0].DecisionID)
	}
}

func TestEventStore_DuplicateDecisionIDRejected(t *testing.T) {
	store, err := OpenEventStore(EventStoreConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "decisions.db"),
	}, testLogger())
	if err != nil {
		t.Fatalf("OpenEventStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Append(ctx, testEntry("d-1")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Append(ctx, testEntry("d-1")); err == nil {
		t.Fatal("duplicate decision_id must be rejected: records are write-once")
	}
}
