package store

import "time"

// Metadata is free-form JSON attached to memory records. Stored as a
// TEXT column, round-tripped through encoding/json.
type Metadata map[string]interface{}

// Node labels recognized by the graph layer. Labels are open-ended
// strings; these are the ones the consolidation extractor emits.
const (
	LabelFile     = "FILE"
	LabelError    = "ERROR"
	LabelConcept  = "CONCEPT"
	LabelFunction = "FUNCTION"
	LabelDecision = "DECISION"
)

// Episode roles.
const (
	RoleUser   = "user"
	RoleAgent  = "agent"
	RoleTool   = "tool"
	RoleSystem = "system"
)

// Column size limits enforced at the write boundary.
const (
	maxLabelLen    = 50
	maxRelationLen = 100
)

// Pattern types. A pattern records either an approach that worked or
// one that failed; failures carry a correction strategy when known.
const (
	PatternSuccess = "SUCCESS"
	PatternFailure = "FAILURE"
)

// Node is an entity in the temporal knowledge graph. ValidUntil is nil
// while the node is current; once set the node is historical and
// excluded from retrieval.
type Node struct {
	ID             string
	Label          string
	Name           string
	Description    string
	ContentSummary string
	Embedding      []float32
	Importance     float64
	Metadata       Metadata
	CreatedAt      time.Time
	ValidFrom      time.Time
	ValidUntil     *time.Time
	LastAccessed   time.Time
	AccessCount    int64
}

// Valid reports whether the node is current at time t.
func (n *Node) Valid(t time.Time) bool {
	if n.ValidUntil == nil {
		return !n.ValidFrom.After(t)
	}
	return !n.ValidFrom.After(t) && n.ValidUntil.After(t)
}

// Edge is a directed, weighted, temporally-scoped relation between two
// nodes. At most one edge per (source, relation, target) triple is open
// at any time.
type Edge struct {
	ID         string
	SourceID   string
	TargetID   string
	Relation   string
	Weight     float64
	Metadata   Metadata
	ValidFrom  time.Time
	ValidUntil *time.Time
	Observed   int64
}

// Episode is one step of a recorded run. Steps are unique per
// (run_id, step_index) and replayable in order.
type Episode struct {
	ID             string
	RunID          string
	StepIndex      int
	Role           string
	Content        string
	Embedding      []float32
	Importance     float64
	Metadata       Metadata
	CreatedAt      time.Time
	Archived       bool
	ConsolidatedAt *time.Time
}

// SkillStep is one ordered action in a skill's procedure.
type SkillStep struct {
	Action string `json:"action"`
	Detail string `json:"detail,omitempty"`
}

// Skill is a named procedure with success tracking. SuccessRate is an
// incremental average over TimesUsed invocations.
type Skill struct {
	ID          string
	Name        string
	Description string
	Steps       []SkillStep
	TimesUsed   int64
	SuccessRate float64
	Archived    bool
	Metadata    Metadata
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastUsed    *time.Time
}

// Pattern is a recurring execution shape detected across runs,
// deduplicated by embedding similarity over the trigger context.
// CorrectionStrategy is nil unless a recovery is known for a failure.
type Pattern struct {
	ID                 string
	Type               string
	TriggerContext     string
	ApproachSummary    string
	OutcomeResult      string
	CorrectionStrategy *string
	Embedding          []float32
	Frequency          int64
	Archived           bool
	Metadata           Metadata
	CreatedAt          time.Time
	LastSeen           time.Time
}

// Stats is a point-in-time census of the store, used by the CLI and by
// consolidation reporting. OverallSuccessRate is the usage-weighted
// mean success rate across live skills, 0 when no skill has been used.
type Stats struct {
	Nodes                  int64
	ValidNodes             int64
	Edges                  int64
	ValidEdges             int64
	Episodes               int64
	UnconsolidatedEpisodes int64
	ArchivedEpisodes       int64
	Skills                 int64
	Patterns               int64
	Runs                   int64
	OverallSuccessRate     float64
	SchemaVersion          int
}
