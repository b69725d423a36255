package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/apexswarm/orchestrator/internal/cnp"
	"github.com/apexswarm/orchestrator/internal/contract"
	"github.com/apexswarm/orchestrator/internal/dagengine"
	"github.com/apexswarm/orchestrator/internal/eventlog"
	"github.com/apexswarm/orchestrator/internal/ids"
	"github.com/apexswarm/orchestrator/internal/resourcemodel"
	"github.com/apexswarm/orchestrator/internal/roombus"
)

// fakeBidder always bids a fixed cost/duration/confidence for any
// announcement, mimicking a single always-available agent.
type fakeBidder struct {
	id         ids.AgentID
	cost       float64
	duration   time.Duration
	confidence float64
	fail       bool
}

func (f *fakeBidder) ID() ids.AgentID { return f.id }

func (f *fakeBidder) Bid(ctx context.Context, ann cnp.TaskAnnouncement) *cnp.Bid {
	return &cnp.Bid{
		AgentID:           f.id,
		TaskID:            ann.TaskID,
		EstimatedCostUSD:  f.cost,
		EstimatedDuration: f.duration,
		Confidence:        f.confidence,
	}
}

// fakeExecutor runs tasks instantly, optionally failing the first N
// attempts to exercise the retry path.
type fakeExecutor struct {
	failUntilAttempt map[ids.TaskID]int
	calls            map[ids.TaskID]int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		failUntilAttempt: make(map[ids.TaskID]int),
		calls:            make(map[ids.TaskID]int),
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, agentID ids.AgentID, task *dagengine.Task) (Result, error) {
	f.calls[task.ID]++
	if f.calls[task.ID] <= f.failUntilAttempt[task.ID] {
		return Result{}, errExecFailed
	}
	return Result{Output: "done:" + task.Name, TokensUsed: 10, CostUSD: 0.01}, nil
}

type stubErr string

func (e stubErr) Error() string { return string(e) }

const errExecFailed = stubErr("executor: simulated failure")

func setup(t *testing.T) (*dagengine.DAG, *contract.Store, *eventlog.Log, *roombus.Broadcaster, ids.ContractID) {
	t.Helper()
	dir := t.TempDir()

	contracts, err := contract.Open(filepath.Join(dir, "contracts.db"))
	if err != nil {
		t.Fatalf("open contracts: %v", err)
	}
	t.Cleanup(func() { _ = contracts.Close() })

	events, err := eventlog.Open(filepath.Join(dir, "events.db"), eventlog.DefaultRetention)
	if err != nil {
		t.Fatalf("open eventlog: %v", err)
	}
	t.Cleanup(func() { _ = events.Close() })

	root, err := contracts.CreateRootContract(context.Background(), ids.AgentID("root"), nil, resourcemodel.Limits{})
	if err != nil {
		t.Fatalf("create root contract: %v", err)
	}

	dag := dagengine.New("test-dag")
	bus := roombus.New(nil)
	return dag, contracts, events, bus, root
}

func TestOrchestrator_RunsLinearDAGToCompletion(t *testing.T) {
	dag, contracts, events, bus, root := setup(t)

	a := dag.AddTask("A", 0, dagengine.Input{}, 2)
	b := dag.AddTask("B", 0, dagengine.Input{}, 2)
	if err := dag.AddDependency(a.ID, b.ID); err != nil {
		t.Fatalf("add dependency: %v", err)
	}
	if _, err := dag.Transition(a.ID, dagengine.StatusReady, dagengine.TransitionOptions{}); err != nil {
		t.Fatalf("a -> ready: %v", err)
	}

	cnpMgr := cnp.New(bus, cnp.DefaultConfig(), nil)
	exec := newFakeExecutor()
	bidder := &fakeBidder{id: "agent-1", cost: 1.0, duration: time.Second, confidence: 0.9}

	o := New(dag, contracts, events, bus, cnpMgr, exec, []Bidder{bidder}, Options{
		MaxConcurrency: 4,
		BidDeadline:    20 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	report, err := o.Run(ctx, root)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != dagengine.ExecCompleted {
		t.Fatalf("status = %v, want completed", report.Status)
	}
	if report.TasksCompleted != 2 {
		t.Fatalf("tasks completed = %d, want 2", report.TasksCompleted)
	}
	if report.TotalTokens != 20 {
		t.Fatalf("total tokens = %d, want 20", report.TotalTokens)
	}

	stats := dag.Stats()
	if stats.Completed != 2 {
		t.Fatalf("completed = %d, want 2", stats.Completed)
	}
}

func TestOrchestrator_RetriesOnFailureThenSucceeds(t *testing.T) {
	dag, contracts, events, bus, root := setup(t)

	a := dag.AddTask("flaky", 0, dagengine.Input{}, 3)
	if _, err := dag.Transition(a.ID, dagengine.StatusReady, dagengine.TransitionOptions{}); err != nil {
		t.Fatal(err)
	}

	cnpMgr := cnp.New(bus, cnp.DefaultConfig(), nil)
	exec := newFakeExecutor()
	exec.failUntilAttempt[a.ID] = 2 // first two attempts fail, third succeeds
	bidder := &fakeBidder{id: "agent-1", cost: 1.0, duration: time.Second, confidence: 0.9}

	o := New(dag, contracts, events, bus, cnpMgr, exec, []Bidder{bidder}, Options{
		MaxConcurrency: 1,
		BidDeadline:    20 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	report, err := o.Run(ctx, root)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != dagengine.ExecCompleted {
		t.Fatalf("status = %v, want completed after retries", report.Status)
	}
	if exec.calls[a.ID] != 3 {
		t.Fatalf("expected 3 attempts, got %d", exec.calls[a.ID])
	}
}

func TestOrchestrator_FailsAfterExhaustingRetries(t *testing.T) {
	dag, contracts, events, bus, root := setup(t)

	a := dag.AddTask("always-fails", 0, dagengine.Input{}, 1)
	if _, err := dag.Transition(a.ID, dagengine.StatusReady, dagengine.TransitionOptions{}); err != nil {
		t.Fatal(err)
	}

	cnpMgr := cnp.New(bus, cnp.DefaultConfig(), nil)
	exec := newFakeExecutor()
	exec.failUntilAttempt[a.ID] = 100 // never succeeds
	bidder := &fakeBidder{id: "agent-1", cost: 1.0, duration: time.Second, confidence: 0.9}

	o := New(dag, contracts, events, bus, cnpMgr, exec, []Bidder{bidder}, Options{
		MaxConcurrency: 1,
		BidDeadline:    20 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	report, err := o.Run(ctx, root)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != dagengine.ExecFailed {
		t.Fatalf("status = %v, want failed", report.Status)
	}
	if report.TasksFailed != 1 {
		t.Fatalf("tasks failed = %d, want 1", report.TasksFailed)
	}
}

func TestOrchestrator_NoBiddersFailsAllocation(t *testing.T) {
	dag, contracts, events, bus, root := setup(t)

	a := dag.AddTask("orphan", 0, dagengine.Input{}, 0)
	if _, err := dag.Transition(a.ID, dagengine.StatusReady, dagengine.TransitionOptions{}); err != nil {
		t.Fatal(err)
	}

	cnpMgr := cnp.New(bus, cnp.DefaultConfig(), nil)
	exec := newFakeExecutor()

	o := New(dag, contracts, events, bus, cnpMgr, exec, nil, Options{
		MaxConcurrency: 1,
		BidDeadline:    15 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	report, err := o.Run(ctx, root)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != dagengine.ExecFailed {
		t.Fatalf("status = %v, want failed (no bidders)", report.Status)
	}
}
