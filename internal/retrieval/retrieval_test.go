package retrieval

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"engramd/internal/config"
	"engramd/internal/store"
)

// stubEmbedder returns a canned vector for every text.
type stubEmbedder struct {
	vec []float32
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.vec, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vec
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int { return len(s.vec) }
func (s *stubEmbedder) Name() string    { return "stub" }

func newTestStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	st, err := store.NewMemoryStore(":memory:", 4)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func addNode(t *testing.T, st *store.MemoryStore, name string, emb []float32, importance float64) *store.Node {
	t.Helper()
	n, err := st.UpsertNode(&store.Node{
		Label:      store.LabelConcept,
		Name:       name,
		Embedding:  emb,
		Importance: importance,
	})
	if err != nil {
		t.Fatalf("UpsertNode(%s): %v", name, err)
	}
	return n
}

func TestRetrieveScoreBlending(t *testing.T) {
	st := newTestStore(t)
	query := []float32{1, 0, 0, 0}

	// Exact match with high importance, accessed just now:
	// score = 0.5*1 + 0.3*0.9 + 0.2*1 = 0.97
	addNode(t, st, "hot", query, 0.9)

	e := New(st, &stubEmbedder{vec: query}, config.DefaultRetrieval())
	e.now = func() time.Time { return time.Now() }

	got, err := e.Retrieve(context.Background(), query, 10, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d results, want 1", len(got))
	}
	if math.Abs(got[0].Score-0.97) > 0.005 {
		t.Errorf("score = %f, want ~0.97", got[0].Score)
	}
	if got[0].Relevance < 0.999 {
		t.Errorf("relevance = %f, want ~1", got[0].Relevance)
	}
}

func TestRetrieveRecencyDecay(t *testing.T) {
	st := newTestStore(t)
	query := []float32{1, 0, 0, 0}

	// Two identical nodes; one was accessed a day later than the other
	// from the scorer's point of view.
	addNode(t, st, "a", query, 0.5)
	addNode(t, st, "b", query, 0.5)

	e := New(st, &stubEmbedder{vec: query}, config.DefaultRetrieval())
	// Score from a day in the future: both nodes decayed equally, so
	// recency = exp(-0.0001 * 86400) ~ 0.00018.
	e.now = func() time.Time { return time.Now().Add(24 * time.Hour) }

	got, err := e.Retrieve(context.Background(), query, 10, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	for _, r := range got {
		if r.Recency > 0.001 {
			t.Errorf("recency after a day = %f, want near 0", r.Recency)
		}
	}
}

func TestRetrieveOrdersByScoreWithTieBreak(t *testing.T) {
	st := newTestStore(t)
	query := []float32{1, 0, 0, 0}

	addNode(t, st, "older", query, 0.5)
	newer := addNode(t, st, "newer", query, 0.5)

	// Touch the newer node so its last_accessed is strictly later.
	time.Sleep(5 * time.Millisecond)
	if err := st.TouchNodes([]string{newer.ID}); err != nil {
		t.Fatalf("TouchNodes: %v", err)
	}

	cfg := config.DefaultRetrieval()
	// Zero out recency so the two scores tie exactly.
	cfg.RecencyWeight = 0
	e := New(st, &stubEmbedder{vec: query}, cfg)

	got, err := e.Retrieve(context.Background(), query, 10, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].Node.ID != newer.ID {
		t.Error("tie should break toward the more recently accessed node")
	}
}

func TestRetrieveExcludesInvalidated(t *testing.T) {
	st := newTestStore(t)
	query := []float32{1, 0, 0, 0}

	dead := addNode(t, st, "dead", query, 0.9)
	addNode(t, st, "alive", query, 0.5)
	if err := st.InvalidateNode(dead.ID, time.Now()); err != nil {
		t.Fatalf("InvalidateNode: %v", err)
	}

	e := New(st, &stubEmbedder{vec: query}, config.DefaultRetrieval())
	got, err := e.Retrieve(context.Background(), query, 10, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 1 || got[0].Node.Name != "alive" {
		t.Errorf("invalidated node leaked into results: %v", got)
	}
}

func TestRetrieveLimit(t *testing.T) {
	st := newTestStore(t)
	query := []float32{1, 0, 0, 0}

	for _, name := range []string{"a", "b", "c"} {
		addNode(t, st, name, query, 0.5)
	}
	e := New(st, &stubEmbedder{vec: query}, config.DefaultRetrieval())

	got, err := e.Retrieve(context.Background(), query, 2, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d results, want 2", len(got))
	}

	empty, err := e.Retrieve(context.Background(), query, 0, 0)
	if err != nil {
		t.Fatalf("Retrieve(limit=0): %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("limit=0 should return empty, got %d", len(empty))
	}
}

func TestRetrieveRejectsWrongQueryDimension(t *testing.T) {
	st := newTestStore(t)
	addNode(t, st, "n", []float32{1, 0, 0, 0}, 0.5)
	e := New(st, &stubEmbedder{vec: []float32{1, 0, 0, 0}}, config.DefaultRetrieval())

	// A 3-dim query against a dim-4 store must fail loudly instead of
	// silently matching nothing.
	_, err := e.Retrieve(context.Background(), []float32{1, 0, 0}, 10, 0)
	if !errors.Is(err, store.ErrDimensionMismatch) {
		t.Errorf("got %v, want ErrDimensionMismatch", err)
	}
}

func TestRetrieveTouchOnRead(t *testing.T) {
	query := []float32{1, 0, 0, 0}

	for _, touch := range []bool{false, true} {
		st := newTestStore(t)
		n := addNode(t, st, "n", query, 0.5)

		cfg := config.DefaultRetrieval()
		cfg.TouchOnRead = touch
		e := New(st, &stubEmbedder{vec: query}, cfg)

		if _, err := e.Retrieve(context.Background(), query, 10, 0); err != nil {
			t.Fatalf("Retrieve(touch=%v): %v", touch, err)
		}

		got, err := st.GetNode(n.ID)
		if err != nil {
			t.Fatalf("GetNode: %v", err)
		}
		wantCount := int64(0)
		if touch {
			wantCount = 1
		}
		if got.AccessCount != wantCount {
			t.Errorf("touch=%v: access_count = %d, want %d", touch, got.AccessCount, wantCount)
		}
	}
}

func TestRetrieveTimeout(t *testing.T) {
	st := newTestStore(t)
	query := []float32{1, 0, 0, 0}
	addNode(t, st, "n", query, 0.5)

	cfg := config.DefaultRetrieval()
	cfg.Timeout = time.Nanosecond
	e := New(st, &stubEmbedder{vec: query}, cfg)

	_, err := e.Retrieve(context.Background(), query, 10, 0)
	if !errors.Is(err, store.ErrTimeout) {
		t.Errorf("got %v, want ErrTimeout", err)
	}
}

func TestRetrieveContextEmbedsQuery(t *testing.T) {
	st := newTestStore(t)
	query := []float32{0, 1, 0, 0}
	addNode(t, st, "match", query, 0.5)

	e := New(st, &stubEmbedder{vec: query}, config.DefaultRetrieval())
	got, err := e.RetrieveContext(context.Background(), "how do I match", 10, 0)
	if err != nil {
		t.Fatalf("RetrieveContext: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d results, want 1", len(got))
	}

	if _, err := e.RetrieveContext(context.Background(), "", 10, 0); err == nil {
		t.Error("empty query should error")
	}
}

func TestRetrieveMinScoreDropsWeakHits(t *testing.T) {
	st := newTestStore(t)
	query := []float32{1, 0, 0, 0}

	addNode(t, st, "strong", query, 0.9)
	// Orthogonal embedding, zero importance: score ~ 0.2 from recency alone.
	addNode(t, st, "weak", []float32{0, 1, 0, 0}, 0)

	e := New(st, &stubEmbedder{vec: query}, config.DefaultRetrieval())

	got, err := e.Retrieve(context.Background(), query, 10, 0.5)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d results, want 1", len(got))
	}
	if got[0].Node.Name != "strong" {
		t.Errorf("got %q, want strong", got[0].Node.Name)
	}

	all, err := e.Retrieve(context.Background(), query, 10, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("minScore=0 returned %d results, want 2", len(all))
	}
}
