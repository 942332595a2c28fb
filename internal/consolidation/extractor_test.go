package consolidation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engramd/internal/store"
)

func TestHeuristicExtractorFindsFilesAndErrors(t *testing.T) {
	ex := NewHeuristicExtractor(0.1)

	got, err := ex.Extract([]*store.Episode{
		{ID: "e1", Content: "TimeoutError raised in internal/api/server.go while dialing"},
	})
	require.NoError(t, err)

	require.Len(t, got.Nodes, 2)
	byLabel := map[string]string{}
	for _, n := range got.Nodes {
		byLabel[n.Label] = n.Name
	}
	assert.Equal(t, "internal/api/server.go", byLabel[store.LabelFile])
	assert.Equal(t, "TimeoutError", byLabel[store.LabelError])

	require.Len(t, got.Edges, 1)
	edge := got.Edges[0]
	assert.Equal(t, store.LabelFile, edge.Source.Label)
	assert.Equal(t, "mentions", edge.Relation)
	assert.Equal(t, store.LabelError, edge.Target.Label)
	assert.InDelta(t, 0.1, edge.Increment, 1e-9)
}

func TestHeuristicExtractorDeduplicatesNodes(t *testing.T) {
	ex := NewHeuristicExtractor(0.1)

	got, err := ex.Extract([]*store.Episode{
		{ID: "e1", Content: "ErrNotFound from internal/db/query.go"},
		{ID: "e2", Content: "again ErrNotFound from internal/db/query.go"},
	})
	require.NoError(t, err)

	// Nodes deduplicate across episodes, edges accumulate.
	assert.Len(t, got.Nodes, 2)
	assert.Len(t, got.Edges, 2)
}

func TestHeuristicExtractorIgnoresPlainProse(t *testing.T) {
	ex := NewHeuristicExtractor(0.1)

	got, err := ex.Extract([]*store.Episode{
		{ID: "e1", Content: "everything looks fine, moving on to the next task"},
	})
	require.NoError(t, err)
	assert.Empty(t, got.Nodes)
	assert.Empty(t, got.Edges)
}

func TestHeuristicExtractorErrorShapes(t *testing.T) {
	tests := []struct {
		content string
		want    string
	}{
		{"caught a NullPointerException deep in the stack", "NullPointerException"},
		{"ErrDeadlineExceeded bubbled up", "ErrDeadlineExceeded"},
		{"the worker hit a RuntimePanic", "RuntimePanic"},
	}
	ex := NewHeuristicExtractor(0.1)
	for _, tt := range tests {
		got, err := ex.Extract([]*store.Episode{{ID: "e", Content: tt.content}})
		require.NoError(t, err)
		require.Len(t, got.Nodes, 1, "content: %s", tt.content)
		assert.Equal(t, tt.want, got.Nodes[0].Name)
	}
}

func TestHeuristicExtractorClassifiesOutcomes(t *testing.T) {
	ex := NewHeuristicExtractor(0.1)

	got, err := ex.Extract([]*store.Episode{
		{ID: "e1", RunID: "r", StepIndex: 0, Content: "dialing the upstream service"},
		{ID: "e2", RunID: "r", StepIndex: 1, Content: "TimeoutError raised in internal/api/server.go"},
		{ID: "e3", RunID: "r", StepIndex: 2, Content: "added a retry, request succeeded"},
		{ID: "e4", RunID: "r", StepIndex: 3, Content: "nothing notable here"},
	})
	require.NoError(t, err)
	require.Len(t, got.Patterns, 2)

	failure := got.Patterns[0]
	assert.Equal(t, store.PatternFailure, failure.Type)
	assert.Equal(t, "TimeoutError", failure.OutcomeResult)
	assert.Equal(t, "dialing the upstream service", failure.TriggerContext)

	success := got.Patterns[1]
	assert.Equal(t, store.PatternSuccess, success.Type)
	assert.Equal(t, "succeeded", success.OutcomeResult)
	assert.Equal(t, "TimeoutError raised in internal/api/server.go", success.TriggerContext)
}

func TestSummarizeTruncates(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	assert.LessOrEqual(t, len(summarize(string(long))), 200)
	assert.Equal(t, "first line", summarize("first line\nsecond line"))
}
