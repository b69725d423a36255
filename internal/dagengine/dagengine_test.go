package dagengine

import (
	"testing"

	"github.com/apexswarm/orchestrator/internal/orcherr"
)

func TestReadySetClosure(t *testing.T) {
	d := New("linear")
	a := d.AddTask("A", 0, Input{}, 3)
	b := d.AddTask("B", 0, Input{}, 3)
	if err := d.AddDependency(a.ID, b.ID); err != nil {
		t.Fatalf("add dependency: %v", err)
	}

	if _, err := d.Transition(a.ID, StatusReady, TransitionOptions{}); err != nil {
		t.Fatalf("a -> ready: %v", err)
	}
	ready := d.ReadySet()
	if len(ready) != 1 || ready[0].ID != a.ID {
		t.Fatalf("expected only A ready, got %+v", ready)
	}

	if _, err := d.Transition(a.ID, StatusRunning, TransitionOptions{}); err != nil {
		t.Fatalf("a -> running: %v", err)
	}
	res, err := d.Transition(a.ID, StatusCompleted, TransitionOptions{})
	if err != nil {
		t.Fatalf("a -> completed: %v", err)
	}
	if len(res.NewlyReady) != 1 || res.NewlyReady[0].ID != b.ID {
		t.Fatalf("expected B to become ready, got %+v", res.NewlyReady)
	}

	ready = d.ReadySet()
	if len(ready) != 1 || ready[0].ID != b.ID {
		t.Fatalf("expected only B ready after A completes, got %+v", ready)
	}
}

func TestCycleRejection(t *testing.T) {
	d := New("cyclic")
	a := d.AddTask("A", 0, Input{}, 3)
	b := d.AddTask("B", 0, Input{}, 3)
	c := d.AddTask("C", 0, Input{}, 3)

	if err := d.AddDependency(a.ID, b.ID); err != nil {
		t.Fatalf("A->B: %v", err)
	}
	if err := d.AddDependency(b.ID, c.ID); err != nil {
		t.Fatalf("B->C: %v", err)
	}

	err := d.AddDependency(c.ID, a.ID)
	if err == nil {
		t.Fatal("expected cycle rejection, got nil")
	}
	if orcherr.CodeOf(err) != orcherr.DagCycleDetected {
		t.Fatalf("expected DagCycleDetected, got %v", err)
	}

	stats := d.Stats()
	if stats.Total != 3 {
		t.Fatalf("dag should be unchanged after rejected edge, total=%d", stats.Total)
	}
}

func TestCascadeCancel(t *testing.T) {
	d := New("chain")
	a := d.AddTask("A", 0, Input{}, 3)
	b := d.AddTask("B", 0, Input{}, 3)
	c := d.AddTask("C", 0, Input{}, 3)
	if err := d.AddDependency(a.ID, b.ID); err != nil {
		t.Fatal(err)
	}
	if err := d.AddDependency(b.ID, c.ID); err != nil {
		t.Fatal(err)
	}

	res, err := d.Transition(a.ID, StatusCancelled, TransitionOptions{})
	if err != nil {
		t.Fatalf("cancel A: %v", err)
	}
	if len(res.CascadCancelled) != 2 {
		t.Fatalf("expected B and C cancelled, got %+v", res.CascadCancelled)
	}

	stats := d.Stats()
	if stats.Cancelled != 3 {
		t.Fatalf("expected all 3 tasks cancelled, got %d", stats.Cancelled)
	}
}

func TestCancelAlreadyCancelledIsNoop(t *testing.T) {
	d := New("solo")
	a := d.AddTask("A", 0, Input{}, 3)
	if _, err := d.Transition(a.ID, StatusCancelled, TransitionOptions{}); err != nil {
		t.Fatal(err)
	}
	res, err := d.Transition(a.ID, StatusCancelled, TransitionOptions{})
	if err != nil {
		t.Fatalf("second cancel should succeed as no-op: %v", err)
	}
	if len(res.CascadCancelled) != 0 {
		t.Fatalf("second cancel should emit no cascade, got %+v", res.CascadCancelled)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	d := New("solo")
	a := d.AddTask("A", 0, Input{}, 3)
	_, err := d.Transition(a.ID, StatusCompleted, TransitionOptions{})
	if err == nil {
		t.Fatal("expected invalid transition error")
	}
	if orcherr.CodeOf(err) != orcherr.InvalidStateTransition {
		t.Fatalf("expected InvalidStateTransition, got %v", err)
	}
}

func TestStatsVerify(t *testing.T) {
	d := New("verify")
	d.AddTask("A", 0, Input{}, 3)
	d.AddTask("B", 0, Input{}, 3)
	if err := d.Verify(); err != nil {
		t.Fatalf("expected consistent stats, got %v", err)
	}
}

func TestPriorityOrdering(t *testing.T) {
	d := New("priority")
	low := d.AddTask("low", 1, Input{}, 3)
	high := d.AddTask("high", 10, Input{}, 3)
	for _, tk := range []*Task{low, high} {
		if _, err := d.Transition(tk.ID, StatusReady, TransitionOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	ready := d.ReadySet()
	if len(ready) != 2 || ready[0].ID != high.ID {
		t.Fatalf("expected high priority task first, got %+v", ready)
	}
}
