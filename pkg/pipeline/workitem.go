package pipeline

import "time"

// WorkItem is one unit of work flowing through the pipeline, keyed by the
// external issue number.
type WorkItem struct {
	Issue      int       `json:"issue"`
	Title      string    `json:"title"`
	Stage      Stage     `json:"stage"`
	PlanPath   string    `json:"plan_path,omitempty"`
	Branch     string    `json:"branch,omitempty"`
	Worktree   string    `json:"worktree,omitempty"`
	PR         int       `json:"pr,omitempty"`
	PRURL      string    `json:"pr_url,omitempty"`
	Retries    int       `json:"retries,omitempty"`
	ReviewIter int       `json:"review_iter,omitempty"`
	// ReviewFeedback is the latest reviewer feedback, carried back into the
	// developer prompt on a rework pass.
	ReviewFeedback string    `json:"review_feedback,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// BlockedTicket records a work item a worker could not progress.
type BlockedTicket struct {
	Ticket  int       `json:"ticket"`
	Reason  string    `json:"reason"`
	Retries int       `json:"retries"`
	// Resume is the stage the ticket re-enters when retried.
	Resume  Stage     `json:"resume"`
	AgentID string    `json:"agent_id,omitempty"`
	Since   time.Time `json:"since"`
}

// FixEntry is a pending PR-fix assignment, keyed by PR number. Reason is
// either "ci_failing" or "changes_requested"; Summary carries the structured
// CI failure text or the concatenated review feedback.
type FixEntry struct {
	PR        int       `json:"pr"`
	Ticket    int       `json:"ticket"`
	Branch    string    `json:"branch"`
	Reason    string    `json:"reason"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// TrunkRepair tracks the dedicated trunk-repair assignment while trunk CI
// is failing. It is keyed by CI run id, not issue number, and never enters
// the issue-keyed item map.
type TrunkRepair struct {
	RunID   int64     `json:"run_id"`
	SlotID  string    `json:"slot_id,omitempty"`
	Since   time.Time `json:"since"`
	Summary string    `json:"summary,omitempty"`
}

// SlotStatus is an agent slot's lifecycle state.
type SlotStatus string

// Slot states.
const (
	SlotIdle    SlotStatus = "idle"
	SlotRunning SlotStatus = "running"
	SlotStale   SlotStatus = "stale"
)

// AgentSlot is one seat in a role pool. A running slot has a live process
// (tracked through its PID file) and an assigned ticket; the reserved
// trunk-repair slot runs with Ticket == 0 and TrunkRepair == true.
type AgentSlot struct {
	ID            string     `json:"id"`
	Role          Role       `json:"role"`
	Status        SlotStatus `json:"status"`
	Ticket        int        `json:"ticket,omitempty"`
	PID           int        `json:"pid,omitempty"`
	Worktree      string     `json:"worktree,omitempty"`
	TrunkRepair   bool       `json:"trunk_repair,omitempty"`
	StartedAt     time.Time  `json:"started_at,omitzero"`
	LastHeartbeat time.Time  `json:"last_heartbeat,omitzero"`
	// OutputLen is the output artifact size at the last poll; growth
	// refreshes the heartbeat.
	OutputLen int `json:"output_len,omitempty"`
}

// Assigned reports whether the slot currently holds work.
func (s *AgentSlot) Assigned() bool {
	return s.Ticket != 0 || s.TrunkRepair
}
