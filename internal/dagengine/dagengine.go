// Package dagengine holds the task graph: the task state machine,
// ready-set computation, cycle prevention, and cascading cancellation
// described in spec §4.2. A DAG's task map is guarded by a single
// per-DAG RWMutex (spec §5's "DAG task maps: per-DAG exclusive write
// lock; read access is concurrent"), following the same per-resource
// mutex idiom the teacher uses in internal/engine.Engine.
package dagengine

import (
	"sort"
	"sync"
	"time"

	"github.com/apexswarm/orchestrator/internal/ids"
	"github.com/apexswarm/orchestrator/internal/orcherr"
)

// TaskStatus is one of the six closed states in spec §4.2.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusReady     TaskStatus = "ready"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether s is one of Completed/Failed/Cancelled.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// allowedTransitions enumerates every valid edge in spec §4.2's state
// machine diagram. Any attempted transition absent from this map fails
// with InvalidStateTransition, the same central-validation idiom the
// teacher applies to its own TaskStatus in internal/persistence/store.go.
var allowedTransitions = map[TaskStatus][]TaskStatus{
	StatusPending:   {StatusReady, StatusCancelled},
	StatusReady:     {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled, StatusPending},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

func canTransition(from, to TaskStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Artifact is a pure value describing a task input/output attachment.
type Artifact struct {
	Name        string
	MimeType    string
	SizeBytes   int64
	URL         *string
	ContentHash *string
}

// Input bundles a task's instruction, free-form context, parameters, and
// attached artifacts.
type Input struct {
	Instruction string
	Context     map[string]any
	Parameters  map[string]any
	Artifacts   []Artifact
}

// Task is a unit of work (spec §3).
type Task struct {
	ID         ids.TaskID
	ParentID   *ids.TaskID
	Name       string
	Priority   int
	Status     TaskStatus
	Input      Input
	Output     *string
	Error      *string
	RetryCount int
	MaxRetries int

	AssignedAgent    *ids.AgentID
	AssignedContract *ids.ContractID

	TokensUsed int64
	CostUSD    float64

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	TraceID *string
	SpanID  *string
}

// clone returns a shallow value copy safe to hand to callers outside the
// DAG's lock.
func (t *Task) clone() *Task {
	c := *t
	return &c
}

// Stats is the O(1) maintained per-status count aggregate (spec §4.2).
type Stats struct {
	Pending   int
	Ready     int
	Running   int
	Completed int
	Failed    int
	Cancelled int
	Total     int
}

func (s *Stats) adjust(status TaskStatus, delta int) {
	switch status {
	case StatusPending:
		s.Pending += delta
	case StatusReady:
		s.Ready += delta
	case StatusRunning:
		s.Running += delta
	case StatusCompleted:
		s.Completed += delta
	case StatusFailed:
		s.Failed += delta
	case StatusCancelled:
		s.Cancelled += delta
	}
}

// Edge encodes "to depends on from".
type Edge struct {
	From ids.TaskID
	To   ids.TaskID
}

// DAG is a directed acyclic graph of tasks (spec §3). Tasks are owned
// exclusively by the DAG and stored in a flat map keyed by TaskID (spec
// §9): even the DAG's strong containment relationship is expressed
// through id lookups, not pointer graphs.
type DAG struct {
	ID        ids.DagID
	Name      string
	CreatedAt time.Time

	mu    sync.RWMutex
	tasks map[ids.TaskID]*Task
	// predecessors/successors are adjacency lists derived from edges.
	predecessors map[ids.TaskID][]ids.TaskID
	successors   map[ids.TaskID][]ids.TaskID
	stats        Stats
}

// New creates an empty DAG.
func New(name string) *DAG {
	return &DAG{
		ID:           ids.NewDagID(),
		Name:         name,
		CreatedAt:    time.Now(),
		tasks:        make(map[ids.TaskID]*Task),
		predecessors: make(map[ids.TaskID][]ids.TaskID),
		successors:   make(map[ids.TaskID][]ids.TaskID),
	}
}

// AddTask inserts a new Pending task into the DAG.
func (d *DAG) AddTask(name string, priority int, input Input, maxRetries int) *Task {
	d.mu.Lock()
	defer d.mu.Unlock()

	if maxRetries <= 0 {
		maxRetries = 3
	}
	t := &Task{
		ID:         ids.NewTaskID(),
		Name:       name,
		Priority:   priority,
		Status:     StatusPending,
		Input:      input,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now(),
	}
	d.tasks[t.ID] = t
	d.stats.adjust(StatusPending, 1)
	d.stats.Total++
	return t.clone()
}

// AddDependency adds an edge "to depends on from", rejecting it with
// DagCycleDetected if to is reachable from itself through the proposed
// edge — detected via DFS from "to" over outgoing edges with early exit on
// reaching "from" (spec §4.2).
func (d *DAG) AddDependency(from, to ids.TaskID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.tasks[from]; !ok {
		return orcherr.New(orcherr.TaskNotFound, "dependency source task not found").
			WithDetails(map[string]any{"task_id": string(from)})
	}
	if _, ok := d.tasks[to]; !ok {
		return orcherr.New(orcherr.TaskNotFound, "dependency target task not found").
			WithDetails(map[string]any{"task_id": string(to)})
	}

	// Proposed edge is from -> to meaning "to depends on from"; a cycle
	// exists iff from is reachable from to over existing successor edges,
	// i.e. DFS from `to`'s successors can reach `from`.
	if d.reachableFrom(to, from) {
		return orcherr.New(orcherr.DagCycleDetected, "adding this dependency would create a cycle").
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}

	d.successors[from] = append(d.successors[from], to)
	d.predecessors[to] = append(d.predecessors[to], from)
	return nil
}

// reachableFrom reports whether target is reachable from start by walking
// outgoing (successor) edges, matching spec §4.2's cycle-detection rule.
func (d *DAG) reachableFrom(start, target ids.TaskID) bool {
	if start == target {
		return true
	}
	visited := map[ids.TaskID]bool{start: true}
	stack := []ids.TaskID{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range d.successors[cur] {
			if next == target {
				return true
			}
			if !visited[next] {
				visited[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// Task returns a copy of the task by id.
func (d *DAG) Task(id ids.TaskID) (*Task, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tasks[id]
	if !ok {
		return nil, orcherr.New(orcherr.TaskNotFound, "task not found").
			WithDetails(map[string]any{"task_id": string(id)})
	}
	return t.clone(), nil
}

// AssignAgent records which agent and contract a Running task was
// awarded to, without itself being a state transition — the CNP
// allocation round happens after the task is already marked Running
// (so a concurrent ready-set scan never redispatches it), so recording
// the winner is a plain field update under the same lock Transition
// uses, not a same-status no-op transition.
func (d *DAG) AssignAgent(id ids.TaskID, agent ids.AgentID, contractID ids.ContractID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[id]
	if !ok {
		return orcherr.New(orcherr.TaskNotFound, "task not found").
			WithDetails(map[string]any{"task_id": string(id)})
	}
	t.AssignedAgent = &agent
	t.AssignedContract = &contractID
	return nil
}

// Stats returns the O(1) maintained status-count aggregate.
func (d *DAG) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stats
}

// TransitionResult is returned by Transition, carrying any cascade and
// ready-set side effects so the caller (orchestrator) can emit events
// without re-deriving them.
type TransitionResult struct {
	Task           *Task
	NewlyReady     []*Task
	CascadCancelled []*Task
}

// Transition moves task id from its current status to `to`, validating
// against allowedTransitions, applying retry bookkeeping, recomputing the
// ready-set for successors on terminal transitions, and cascading cancel
// to non-terminal dependents when to == Cancelled.
func (d *DAG) Transition(id ids.TaskID, to TaskStatus, opts TransitionOptions) (*TransitionResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[id]
	if !ok {
		return nil, orcherr.New(orcherr.TaskNotFound, "task not found").
			WithDetails(map[string]any{"task_id": string(id)})
	}

	from := t.Status
	if from == to {
		// Idempotent no-op for cancel-of-cancelled etc. (spec §8).
		return &TransitionResult{Task: t.clone()}, nil
	}
	if !canTransition(from, to) {
		return nil, orcherr.New(orcherr.InvalidStateTransition, "invalid task state transition").
			WithDetails(map[string]any{"task_id": string(id), "from": string(from), "to": string(to)})
	}

	d.stats.adjust(from, -1)
	now := time.Now()

	switch to {
	case StatusRunning:
		t.StartedAt = &now
		t.AssignedAgent = opts.AssignedAgent
		t.AssignedContract = opts.AssignedContract
	case StatusCompleted:
		t.CompletedAt = &now
		t.Output = opts.Output
		t.TokensUsed = opts.TokensUsed
		t.CostUSD = opts.CostUSD
	case StatusFailed:
		t.CompletedAt = &now
		t.Error = opts.Error
	case StatusCancelled:
		t.CompletedAt = &now
	case StatusPending:
		// retry path: Running -> Pending
		t.RetryCount++
		t.Error = opts.Error
	}
	t.Status = to
	d.stats.adjust(to, 1)

	result := &TransitionResult{Task: t.clone()}

	if to.IsTerminal() {
		if to == StatusCompleted {
			result.NewlyReady = d.recomputeReadySetLocked(id)
		}
		if to == StatusCancelled {
			// Cascade cancel acts on DAG successors (spec §9's resolved
			// open question), not on any hierarchical parent/child field.
			result.CascadCancelled = d.cascadeCancelLocked(id)
		}
	}
	return result, nil
}

// TransitionOptions carries the side-channel data a transition needs that
// isn't implied by the target status alone.
type TransitionOptions struct {
	AssignedAgent    *ids.AgentID
	AssignedContract *ids.ContractID
	Output           *string
	Error            *string
	TokensUsed       int64
	CostUSD          float64
}

// recomputeReadySetLocked implements spec §4.2's ready-set algorithm: for
// each successor S of the just-completed task, if all of S's predecessors
// are Completed and S is Pending, transition S to Ready.
func (d *DAG) recomputeReadySetLocked(completed ids.TaskID) []*Task {
	var newlyReady []*Task
	for _, succID := range d.successors[completed] {
		succ, ok := d.tasks[succID]
		if !ok || succ.Status != StatusPending {
			continue
		}
		if d.allPredecessorsCompletedLocked(succID) {
			d.stats.adjust(StatusPending, -1)
			succ.Status = StatusReady
			d.stats.adjust(StatusReady, 1)
			newlyReady = append(newlyReady, succ.clone())
		}
	}
	return newlyReady
}

func (d *DAG) allPredecessorsCompletedLocked(id ids.TaskID) bool {
	for _, predID := range d.predecessors[id] {
		pred, ok := d.tasks[predID]
		if !ok || pred.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// cascadeCancelLocked recursively cancels all non-terminal dependents of
// id, returning every task it cancelled (id itself excluded — the caller
// already transitioned id).
func (d *DAG) cascadeCancelLocked(id ids.TaskID) []*Task {
	var cancelled []*Task
	queue := append([]ids.TaskID{}, d.successors[id]...)
	seen := map[ids.TaskID]bool{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		t, ok := d.tasks[cur]
		if !ok || t.Status.IsTerminal() {
			continue
		}
		d.stats.adjust(t.Status, -1)
		t.Status = StatusCancelled
		now := time.Now()
		t.CompletedAt = &now
		d.stats.adjust(StatusCancelled, 1)
		cancelled = append(cancelled, t.clone())
		queue = append(queue, d.successors[cur]...)
	}
	return cancelled
}

// ReadySet returns a snapshot of all Ready tasks ordered by
// (−priority, created_at) — a lazy, non-live sequence per spec §9:
// callers must recompute after acting on items.
func (d *DAG) ReadySet() []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ready []*Task
	for _, t := range d.tasks {
		if t.Status == StatusReady {
			ready = append(ready, t.clone())
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	return ready
}

// Verify recomputes stats from the task set and compares it to the
// maintained aggregate, returning a non-nil error if they diverge. This
// supplements spec §4.2 for use by a scheduled consistency sweep (see
// SPEC_FULL.md's maintenance cron), grounded on the original Rust source's
// periodic health-checker pattern.
func (d *DAG) Verify() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var recomputed Stats
	for _, t := range d.tasks {
		recomputed.adjust(t.Status, 1)
		recomputed.Total++
	}
	if recomputed != d.stats {
		return orcherr.New(orcherr.Internal, "dag stats aggregate diverged from task set").
			WithDetails(map[string]any{"dag_id": string(d.ID)})
	}
	return nil
}

// Done reports whether no task remains in Pending, Ready, or Running —
// the exit condition for execute_dag's loop (spec §4.4).
func (d *DAG) Done() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stats.Pending == 0 && d.stats.Ready == 0 && d.stats.Running == 0
}

// ExecutionStatus summarizes the DAG-level outcome (spec §4.4).
type ExecutionStatus string

const (
	ExecCompleted      ExecutionStatus = "completed"
	ExecPartialFailure ExecutionStatus = "partial_failure"
	ExecFailed         ExecutionStatus = "failed"
	ExecCancelled      ExecutionStatus = "cancelled"
)

// FinalStatus classifies the DAG-level outcome once Done() holds.
func (d *DAG) FinalStatus() ExecutionStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stats.Cancelled == d.stats.Total && d.stats.Total > 0 {
		return ExecCancelled
	}
	if d.stats.Completed == 0 && d.stats.Failed > 0 {
		return ExecFailed
	}
	if d.stats.Failed > 0 || d.stats.Cancelled > 0 {
		return ExecPartialFailure
	}
	return ExecCompleted
}
