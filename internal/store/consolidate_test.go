package store

import (
	"errors"
	"testing"
	"time"
)

func TestApplyConsolidationCommitsBatch(t *testing.T) {
	s := newTestStore(t)

	ep := appendStep(t, s, "run-1", 0, "TimeoutError in internal/api/server.go")

	batch := &ConsolidationBatch{
		Nodes: []*Node{
			{Label: LabelFile, Name: "internal/api/server.go", Importance: 0.7},
			{Label: LabelError, Name: "TimeoutError", Importance: 0.8},
		},
		Edges: []EdgeObservation{{
			Source:    NodeRef{Label: LabelFile, Name: "internal/api/server.go"},
			Relation:  "mentions",
			Target:    NodeRef{Label: LabelError, Name: "TimeoutError"},
			Increment: 0.1,
		}},
		EpisodeIDs: []string{ep.ID},
	}

	result, err := s.ApplyConsolidation(batch)
	if err != nil {
		t.Fatalf("ApplyConsolidation: %v", err)
	}
	if result.NodesUpserted != 2 || result.EdgesObserved != 1 || result.EpisodesMarked != 1 {
		t.Errorf("unexpected result: %+v", result)
	}

	file, err := s.GetNodeByName(LabelFile, "internal/api/server.go")
	if err != nil {
		t.Fatalf("file node missing: %v", err)
	}
	errNode, err := s.GetNodeByName(LabelError, "TimeoutError")
	if err != nil {
		t.Fatalf("error node missing: %v", err)
	}

	// The edge's interval opens when the batch commits, after the
	// node's, so query at the present instead of node valid_from.
	edges, err := s.Neighbors(file.ID, time.Now())
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(edges) != 1 || edges[0].TargetID != errNode.ID {
		t.Fatalf("edge not committed: %v", edges)
	}

	pending, err := s.UnconsolidatedEpisodes("", 0)
	if err != nil {
		t.Fatalf("UnconsolidatedEpisodes: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("%d episodes still pending", len(pending))
	}
}

func TestApplyConsolidationReinforcesAcrossBatches(t *testing.T) {
	s := newTestStore(t)

	batch := &ConsolidationBatch{
		Nodes: []*Node{
			{Label: LabelFile, Name: "a.go"},
			{Label: LabelError, Name: "ErrClosed"},
		},
		Edges: []EdgeObservation{{
			Source:    NodeRef{Label: LabelFile, Name: "a.go"},
			Relation:  "mentions",
			Target:    NodeRef{Label: LabelError, Name: "ErrClosed"},
			Increment: 0.1,
		}},
	}
	for i := 0; i < 3; i++ {
		if _, err := s.ApplyConsolidation(batch); err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
	}

	file, err := s.GetNodeByName(LabelFile, "a.go")
	if err != nil {
		t.Fatalf("GetNodeByName: %v", err)
	}
	edges, err := s.Neighbors(file.ID, time.Now())
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("got %d edges, want 1 reinforced edge", len(edges))
	}
	// First observation creates at 1.0; two more add 0.1 each.
	if edges[0].Weight < 1.19 || edges[0].Weight > 1.21 {
		t.Errorf("weight = %f, want 1.2", edges[0].Weight)
	}
	if edges[0].Observed != 3 {
		t.Errorf("observed = %d, want 3", edges[0].Observed)
	}
}

func TestApplyConsolidationIsAtomic(t *testing.T) {
	s := newTestStore(t)

	batch := &ConsolidationBatch{
		Nodes: []*Node{{Label: LabelFile, Name: "orphan.go"}},
		Edges: []EdgeObservation{{
			Source:   NodeRef{Label: LabelFile, Name: "orphan.go"},
			Relation: "mentions",
			Target:   NodeRef{Label: LabelError, Name: "NeverExtracted"},
		}},
	}

	if _, err := s.ApplyConsolidation(batch); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound for missing edge target", err)
	}

	// The node upsert in the failed batch must have rolled back.
	if _, err := s.GetNodeByName(LabelFile, "orphan.go"); !errors.Is(err, ErrNotFound) {
		t.Errorf("failed batch leaked a node: %v", err)
	}
}

func TestConsolidationRunBookkeeping(t *testing.T) {
	s := newTestStore(t)

	id, err := s.StartConsolidationRun()
	if err != nil {
		t.Fatalf("StartConsolidationRun: %v", err)
	}
	if id == 0 {
		t.Fatal("run id should be assigned")
	}

	err = s.FinishConsolidationRun(id, ConsolidationRunTotals{
		EpisodesConsolidated: 5,
		NodesCreated:         2,
	})
	if err != nil {
		t.Fatalf("FinishConsolidationRun: %v", err)
	}
}
