package pipeline

import (
	"fmt"
	"time"
)

// TrunkStatus values mirror the forge's view of trunk CI.
const (
	TrunkPassing = "passing"
	TrunkFailing = "failing"
	TrunkPending = "pending"
	TrunkUnknown = "unknown"
)

// State is the aggregate orchestrator state: the single shared document,
// loaded at iteration start and saved at iteration end by the one
// orchestrator process. Workers never write it.
type State struct {
	Iteration int       `json:"iteration"`
	UpdatedAt time.Time `json:"updated_at"`

	Pools map[Role][]*AgentSlot `json:"pools"`

	// Items holds every live work item by issue number. Completed and
	// failed tickets move to the history slices below.
	Items map[int]*WorkItem `json:"items"`

	// Queues holds tickets waiting for an idle slot of each role, FIFO.
	Queues map[Role][]int `json:"queues"`

	Completed []int                  `json:"completed,omitempty"`
	Failed    []int                  `json:"failed,omitempty"`
	Blocked   map[int]*BlockedTicket `json:"blocked,omitempty"`

	// Fixes are pending PR-fix entries keyed by PR number.
	Fixes map[int]*FixEntry `json:"fixes,omitempty"`

	TrunkStatus string       `json:"trunk_status"`
	TrunkRepair *TrunkRepair `json:"trunk_repair,omitempty"`
}

// NewState builds a fresh idle state with the given pool sizes.
func NewState(sizes map[Role]int) *State {
	s := &State{
		Pools:       make(map[Role][]*AgentSlot),
		Items:       make(map[int]*WorkItem),
		Queues:      make(map[Role][]int),
		Blocked:     make(map[int]*BlockedTicket),
		Fixes:       make(map[int]*FixEntry),
		TrunkStatus: TrunkUnknown,
	}
	for _, role := range Roles() {
		n := sizes[role]
		slots := make([]*AgentSlot, 0, n)
		for i := 1; i <= n; i++ {
			slots = append(slots, &AgentSlot{
				ID:     fmt.Sprintf("%s-%d", role, i),
				Role:   role,
				Status: SlotIdle,
			})
		}
		s.Pools[role] = slots
	}
	return s
}

// normalize backfills maps that json decoding may have left nil.
func (s *State) normalize() {
	if s.Pools == nil {
		s.Pools = make(map[Role][]*AgentSlot)
	}
	if s.Items == nil {
		s.Items = make(map[int]*WorkItem)
	}
	if s.Queues == nil {
		s.Queues = make(map[Role][]int)
	}
	if s.Blocked == nil {
		s.Blocked = make(map[int]*BlockedTicket)
	}
	if s.Fixes == nil {
		s.Fixes = make(map[int]*FixEntry)
	}
	if s.TrunkStatus == "" {
		s.TrunkStatus = TrunkUnknown
	}
}

// Transition moves item to the target stage, enforcing the legal-transition
// table, and stamps UpdatedAt.
func (s *State) Transition(item *WorkItem, to Stage, now time.Time) error {
	if !CanTransition(item.Stage, to) {
		return &ErrIllegalTransition{Ticket: item.Issue, From: item.Stage, To: to}
	}
	item.Stage = to
	item.UpdatedAt = now
	return nil
}

// Enqueue appends ticket to the role's queue unless it is already queued
// anywhere. Harvesting the same marker twice must not double-enqueue.
func (s *State) Enqueue(role Role, ticket int) bool {
	if s.QueuedRole(ticket) != "" {
		return false
	}
	s.Queues[role] = append(s.Queues[role], ticket)
	return true
}

// Dequeue pops the head of the role's queue, or 0 if it is empty.
func (s *State) Dequeue(role Role) int {
	q := s.Queues[role]
	if len(q) == 0 {
		return 0
	}
	head := q[0]
	s.Queues[role] = q[1:]
	return head
}

// RemoveQueued removes ticket from whatever queue holds it.
func (s *State) RemoveQueued(ticket int) {
	for role, q := range s.Queues {
		for i, t := range q {
			if t == ticket {
				s.Queues[role] = append(q[:i:i], q[i+1:]...)
				return
			}
		}
	}
}

// QueuedRole returns the role whose queue holds ticket, or "".
func (s *State) QueuedRole(ticket int) Role {
	for role, q := range s.Queues {
		for _, t := range q {
			if t == ticket {
				return role
			}
		}
	}
	return ""
}

// IdleSlot returns the first idle slot in the role's pool, or nil.
func (s *State) IdleSlot(role Role) *AgentSlot {
	for _, slot := range s.Pools[role] {
		if slot.Status == SlotIdle {
			return slot
		}
	}
	return nil
}

// SlotByID finds a slot across all pools.
func (s *State) SlotByID(id string) *AgentSlot {
	for _, pool := range s.Pools {
		for _, slot := range pool {
			if slot.ID == id {
				return slot
			}
		}
	}
	return nil
}

// SlotForTicket returns the slot currently assigned to ticket, or nil.
func (s *State) SlotForTicket(ticket int) *AgentSlot {
	if ticket == 0 {
		return nil
	}
	for _, pool := range s.Pools {
		for _, slot := range pool {
			if slot.Ticket == ticket {
				return slot
			}
		}
	}
	return nil
}

// RunningCount returns the number of running slots in a role's pool.
func (s *State) RunningCount(role Role) int {
	n := 0
	for _, slot := range s.Pools[role] {
		if slot.Status == SlotRunning {
			n++
		}
	}
	return n
}

// Tracked reports whether an issue is known in any form: live, blocked,
// completed, or failed. Intake uses this to avoid re-admitting tickets.
func (s *State) Tracked(issue int) bool {
	if _, ok := s.Items[issue]; ok {
		return true
	}
	for _, t := range s.Completed {
		if t == issue {
			return true
		}
	}
	for _, t := range s.Failed {
		if t == issue {
			return true
		}
	}
	return false
}

// ItemByPR returns the live work item tracking the given PR number, or nil.
func (s *State) ItemByPR(pr int) *WorkItem {
	for _, item := range s.Items {
		if item.PR == pr {
			return item
		}
	}
	return nil
}

// Complete moves a ticket to the completed history and drops it from the
// live maps and queues.
func (s *State) Complete(ticket int) {
	s.RemoveQueued(ticket)
	delete(s.Items, ticket)
	delete(s.Blocked, ticket)
	s.Completed = append(s.Completed, ticket)
}

// Fail moves a ticket to the failed history and drops it from the live
// maps and queues.
func (s *State) Fail(ticket int) {
	s.RemoveQueued(ticket)
	delete(s.Items, ticket)
	delete(s.Blocked, ticket)
	s.Failed = append(s.Failed, ticket)
}
