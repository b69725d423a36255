package cnp

import (
	"context"
	"testing"
	"time"

	"github.com/apexswarm/orchestrator/internal/ids"
	"github.com/apexswarm/orchestrator/internal/orcherr"
	"github.com/apexswarm/orchestrator/internal/roombus"
)

func makeBid(agent, task string, cost float64, duration time.Duration, confidence float64, caps []string) Bid {
	return Bid{
		AgentID:           ids.AgentID(agent),
		TaskID:            ids.TaskID(task),
		EstimatedCostUSD:  cost,
		EstimatedDuration: duration,
		Confidence:        confidence,
		Capabilities:      caps,
	}
}

func testManager() *Manager {
	return New(roombus.New(nil), DefaultConfig(), nil)
}

func TestEvaluateBids_Empty(t *testing.T) {
	m := testManager()
	scored := m.EvaluateBids(nil, nil)
	if len(scored) != 0 {
		t.Fatalf("expected no scores, got %+v", scored)
	}
}

func TestEvaluateBids_SingleBidPerfectScore(t *testing.T) {
	m := testManager()
	bid := makeBid("agent-a", "task-1", 1.0, 10*time.Second, 1.0, []string{"rust", "python"})
	scored := m.EvaluateBids([]Bid{bid}, []string{"rust", "python"})
	if len(scored) != 1 {
		t.Fatalf("expected 1 score, got %d", len(scored))
	}
	if diff := scored[0].Score - 1.0; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("score = %v, want 1.0", scored[0].Score)
	}
}

func TestEvaluateBids_PrefersCheaperBid(t *testing.T) {
	m := testManager()
	cheap := makeBid("cheap", "task-1", 0.50, 30*time.Second, 0.8, []string{"rust"})
	expensive := makeBid("expensive", "task-1", 5.00, 30*time.Second, 0.8, []string{"rust"})
	scored := m.EvaluateBids([]Bid{cheap, expensive}, []string{"rust"})
	if scored[0].Bid.AgentID != "cheap" {
		t.Fatalf("expected cheap to win, got %s", scored[0].Bid.AgentID)
	}
}

func TestEvaluateBids_PrefersFasterBid(t *testing.T) {
	m := testManager()
	fast := makeBid("fast", "task-1", 2.0, 5*time.Second, 0.8, []string{"rust"})
	slow := makeBid("slow", "task-1", 2.0, 120*time.Second, 0.8, []string{"rust"})
	scored := m.EvaluateBids([]Bid{fast, slow}, []string{"rust"})
	if scored[0].Bid.AgentID != "fast" {
		t.Fatalf("expected fast to win, got %s", scored[0].Bid.AgentID)
	}
}

func TestEvaluateBids_PrefersHigherConfidence(t *testing.T) {
	m := testManager()
	confident := makeBid("confident", "task-1", 2.0, 30*time.Second, 0.99, []string{"rust"})
	uncertain := makeBid("uncertain", "task-1", 2.0, 30*time.Second, 0.30, []string{"rust"})
	scored := m.EvaluateBids([]Bid{confident, uncertain}, []string{"rust"})
	if scored[0].Bid.AgentID != "confident" {
		t.Fatalf("expected confident to win, got %s", scored[0].Bid.AgentID)
	}
}

func TestEvaluateBids_CapabilityMatchMatters(t *testing.T) {
	m := testManager()
	full := makeBid("full", "task-1", 2.0, 30*time.Second, 0.8, []string{"rust", "python", "docker"})
	partial := makeBid("partial", "task-1", 2.0, 30*time.Second, 0.8, []string{"rust"})
	scored := m.EvaluateBids([]Bid{full, partial}, []string{"rust", "python", "docker"})
	if scored[0].Bid.AgentID != "full" {
		t.Fatalf("expected full match to win, got %s", scored[0].Bid.AgentID)
	}
}

func TestEvaluateBids_NoRequirementsGivesFullCapabilityScore(t *testing.T) {
	m := testManager()
	bid := makeBid("agent-a", "task-1", 1.0, 10*time.Second, 0.9, nil)
	scored := m.EvaluateBids([]Bid{bid}, nil)
	if diff := scored[0].Breakdown.CapabilityScore - 1.0; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("capability score = %v, want 1.0", scored[0].Breakdown.CapabilityScore)
	}
}

func TestEvaluateBids_SortsDescendingWithDeterministicTieBreak(t *testing.T) {
	m := testManager()
	bids := []Bid{
		makeBid("worst", "task-1", 10.0, 120*time.Second, 0.1, nil),
		makeBid("best", "task-1", 0.5, 5*time.Second, 0.99, []string{"rust", "python"}),
		makeBid("mid", "task-1", 3.0, 60*time.Second, 0.5, []string{"rust"}),
	}
	scored := m.EvaluateBids(bids, []string{"rust", "python"})
	if scored[0].Bid.AgentID != "best" || scored[2].Bid.AgentID != "worst" {
		t.Fatalf("unexpected order: %+v", scored)
	}
	for i := 0; i < len(scored)-1; i++ {
		if scored[i].Score < scored[i+1].Score {
			t.Fatalf("scores not descending at %d: %+v", i, scored)
		}
	}
}

func TestEvaluateBids_TieBreaksByConfidenceThenCostThenAgentID(t *testing.T) {
	m := testManager()
	bids := []Bid{
		makeBid("zebra", "task-1", 1.0, 10*time.Second, 0.9, nil),
		makeBid("apple", "task-1", 1.0, 10*time.Second, 0.9, nil),
	}
	scored := m.EvaluateBids(bids, nil)
	if scored[0].Score != scored[1].Score {
		t.Fatalf("expected identical scores for identical bids, got %+v", scored)
	}
	if scored[0].Bid.AgentID != "apple" {
		t.Fatalf("expected lexicographic tie-break to prefer apple, got %s", scored[0].Bid.AgentID)
	}
}

func TestAwardTask_NoBidsReturnsAgentNotFound(t *testing.T) {
	m := testManager()
	_, err := m.AwardTask(context.Background(), ids.TaskID("task-1"), nil)
	if err == nil {
		t.Fatal("expected error for zero bids")
	}
	if orcherr.CodeOf(err) != orcherr.AgentNotFound {
		t.Fatalf("expected AgentNotFound, got %v", err)
	}
}

func TestAwardTask_WinnerAndRunnerUp(t *testing.T) {
	m := testManager()
	bids := []Bid{
		makeBid("first", "task-1", 1.0, 10*time.Second, 0.9, []string{"rust"}),
		makeBid("second", "task-1", 2.0, 20*time.Second, 0.8, []string{"rust"}),
	}
	scored := m.EvaluateBids(bids, []string{"rust"})
	decision, err := m.AwardTask(context.Background(), "task-1", scored)
	if err != nil {
		t.Fatalf("award: %v", err)
	}
	if decision.Winner.Bid.AgentID != "first" {
		t.Fatalf("expected first to win, got %s", decision.Winner.Bid.AgentID)
	}
	if decision.RunnerUp == nil || decision.RunnerUp.Bid.AgentID != "second" {
		t.Fatalf("expected second as runner-up, got %+v", decision.RunnerUp)
	}
	if decision.TotalBids != 2 {
		t.Fatalf("total bids = %d, want 2", decision.TotalBids)
	}
}

func TestCollectBids_GathersUntilDeadline(t *testing.T) {
	m := testManager()
	taskID := ids.TaskID("task-collect")

	go func() {
		time.Sleep(10 * time.Millisecond)
		m.SubmitBid(context.Background(), makeBid("a", string(taskID), 1.0, time.Second, 0.9, nil))
		m.SubmitBid(context.Background(), makeBid("b", string(taskID), 2.0, time.Second, 0.8, nil))
	}()

	bids, err := m.CollectBids(context.Background(), taskID, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("collect bids: %v", err)
	}
	if len(bids) != 2 {
		t.Fatalf("expected 2 bids, got %d", len(bids))
	}
}

func TestRunProtocol_InsufficientBidsFails(t *testing.T) {
	m := testManager()
	ann := TaskAnnouncement{
		TaskID:      "task-empty",
		Deadline:    20 * time.Millisecond,
		MinBidCount: 1,
	}
	_, err := m.RunProtocol(context.Background(), ann)
	if err == nil {
		t.Fatal("expected insufficient-bids error")
	}
	if orcherr.CodeOf(err) != orcherr.AgentNotFound {
		t.Fatalf("expected AgentNotFound, got %v", err)
	}
}

func TestMonitorExecution_FailsOverToRunnerUp(t *testing.T) {
	m := testManager()
	m.config.HeartbeatInterval = 5 * time.Millisecond
	m.config.HeartbeatTimeout = 10 * time.Millisecond

	decision := &AwardDecision{
		TaskID: "task-mon",
		Winner: BidScore{Bid: makeBid("primary", "task-mon", 1.0, time.Second, 0.9, nil)},
		RunnerUp: &BidScore{
			Bid: makeBid("backup", "task-mon", 2.0, time.Second, 0.8, nil),
		},
		TotalBids: 2,
	}

	sub := m.bus.Subscribe(awardsRoom("backup"))
	defer m.bus.Unsubscribe(sub)

	if err := m.MonitorExecution(context.Background(), decision); err != nil {
		t.Fatalf("monitor execution: %v", err)
	}

	select {
	case msg := <-sub.Ch():
		if msg.Kind != "cnp.task_awarded_failover" {
			t.Fatalf("expected failover award, got kind %q", msg.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for failover award")
	}
}

func TestMonitorExecution_NoRunnerUpReturnsAgentUnavailable(t *testing.T) {
	m := testManager()
	m.config.HeartbeatInterval = 5 * time.Millisecond
	m.config.HeartbeatTimeout = 10 * time.Millisecond

	decision := &AwardDecision{
		TaskID:    "task-alone",
		Winner:    BidScore{Bid: makeBid("only", "task-alone", 1.0, time.Second, 0.9, nil)},
		TotalBids: 1,
	}

	err := m.MonitorExecution(context.Background(), decision)
	if err == nil {
		t.Fatal("expected error when no runner-up is available")
	}
	if orcherr.CodeOf(err) != orcherr.AgentUnavailable {
		t.Fatalf("expected AgentUnavailable, got %v", err)
	}
}

func TestMonitorExecution_HeartbeatHoldsSucceeds(t *testing.T) {
	m := testManager()
	m.config.HeartbeatInterval = 5 * time.Millisecond
	m.config.HeartbeatTimeout = 15 * time.Millisecond

	decision := &AwardDecision{
		TaskID: "task-alive",
		Winner: BidScore{Bid: makeBid("primary", "task-alive", 1.0, time.Second, 0.9, nil)},
	}
	m.RecordHeartbeat(decision.TaskID)

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(4 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.RecordHeartbeat(decision.TaskID)
			}
		}
	}()
	defer close(stop)

	if err := m.MonitorExecution(context.Background(), decision); err != nil {
		t.Fatalf("expected monitor to succeed while heartbeat holds, got %v", err)
	}
}

func TestDefaultConfig_WeightsSumToOne(t *testing.T) {
	cfg := DefaultConfig()
	total := cfg.WeightCost + cfg.WeightDuration + cfg.WeightConfidence + cfg.WeightCapability
	if diff := total - 1.0; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("weights sum to %v, want 1.0", total)
	}
}
