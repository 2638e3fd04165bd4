package vectorstore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

// fakeEmbedder maps known words to fixed axis-aligned vectors so cosine
// ranking is deterministic in tests.
type fakeEmbedder struct {
	failOn string
	calls  int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls++
	if f.failOn != "" && strings.Contains(text, f.failOn) {
		return nil, fmt.Errorf("embedding backend rejected %q", text)
	}
	switch {
	case strings.Contains(text, "minecraft"):
		return []float32{1, 0, 0}, nil
	case strings.Contains(text, "firewall"):
		return []float32{0, 1, 0}, nil
	default:
		return []float32{0.7, 0.7, 0}, nil
	}
}

func newTestVectorStore(t *testing.T, embedder *fakeEmbedder) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "knowledge.db"), embedder)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewRejectsBadInputs(t *testing.T) {
	if _, err := New("", &fakeEmbedder{}); err == nil {
		t.Error("empty path accepted")
	}
	if _, err := New(filepath.Join(t.TempDir(), "k.db"), nil); err == nil {
		t.Error("nil embedder accepted")
	}
}

func TestAddAndQueryRanksBySimilarity(t *testing.T) {
	ctx := context.Background()
	embedder := &fakeEmbedder{}
	store := newTestVectorStore(t, embedder)

	ids, err := store.AddBatch(ctx,
		[]string{"minecraft server tuning", "firewall rule ordering"},
		[]map[string]any{{"topic": "games"}, {"topic": "network"}},
	)
	if err != nil {
		t.Fatalf("AddBatch failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("got %d ids, want 2", len(ids))
	}

	matches, err := store.Query(ctx, "minecraft memory settings", 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if !strings.Contains(matches[0].Document.Text, "minecraft") {
		t.Errorf("best match = %q, want the minecraft document", matches[0].Document.Text)
	}
	if matches[0].Score <= matches[1].Score {
		t.Errorf("scores not descending: %v >= %v expected", matches[0].Score, matches[1].Score)
	}
	if matches[0].Document.Metadata["topic"] != "games" {
		t.Errorf("metadata did not round-trip: %v", matches[0].Document.Metadata)
	}
}

func TestQueryTopKLimit(t *testing.T) {
	ctx := context.Background()
	store := newTestVectorStore(t, &fakeEmbedder{})

	texts := []string{"minecraft one", "minecraft two", "minecraft three"}
	if _, err := store.AddBatch(ctx, texts, nil); err != nil {
		t.Fatal(err)
	}

	matches, err := store.Query(ctx, "minecraft", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Errorf("got %d matches, want topK=2", len(matches))
	}
}

func TestAddBatchAbortsOnEmbedFailure(t *testing.T) {
	ctx := context.Background()
	store := newTestVectorStore(t, &fakeEmbedder{failOn: "broken"})

	if _, err := store.AddBatch(ctx, []string{"minecraft ok", "broken doc"}, nil); err == nil {
		t.Fatal("expected batch to fail")
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("partial batch stored: %d documents", n)
	}
}

func TestAddBatchMetadataLengthMismatch(t *testing.T) {
	store := newTestVectorStore(t, &fakeEmbedder{})
	if _, err := store.AddBatch(context.Background(), []string{"a", "b"}, []map[string]any{{"k": "v"}}); err == nil {
		t.Error("mismatched metadata length accepted")
	}
}

func TestAddSingleDocument(t *testing.T) {
	ctx := context.Background()
	store := newTestVectorStore(t, &fakeEmbedder{})

	id, err := store.Add(ctx, "firewall basics", map[string]any{"topic": "network"})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if id == "" {
		t.Fatal("empty document ID")
	}

	n, _ := store.Count(ctx)
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}
