// Package cnp implements the Contract Net Protocol allocator (spec §4.3):
// announce a task, collect bids, score them, award to the best bidder
// with a runner-up kept for failover, and monitor the winner's heartbeat.
// It is grounded directly on original_source/orchestrator/cnp.rs — the
// CnpConfig weights, the TaskAnnouncement/AgentBid/BidScore/AwardDecision
// shapes, and the scoring/tie-break formula all carry over unchanged in
// meaning. Where the Rust original pushes announcements/bids/awards
// through Redis pub/sub and lists, this version uses internal/roombus's
// bounded, non-blocking room channels — the same fan-out primitive the
// realtime layer uses for room broadcasts — so no new transport is
// introduced for what is, in both cases, an in-process bid/award queue.
package cnp

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/apexswarm/orchestrator/internal/ids"
	"github.com/apexswarm/orchestrator/internal/orcherr"
	"github.com/apexswarm/orchestrator/internal/roombus"
)

// Config mirrors CnpConfig from the Rust original, including its default
// weights (cost 0.40 / duration 0.30 / confidence 0.20 / capability 0.10).
type Config struct {
	MinBidCount       int
	DefaultDeadline   time.Duration
	HeartbeatTimeout  time.Duration
	HeartbeatInterval time.Duration
	WeightCost        float64
	WeightDuration    float64
	WeightConfidence  float64
	WeightCapability  float64
}

// DefaultConfig matches the original's Default impl.
func DefaultConfig() Config {
	return Config{
		MinBidCount:       1,
		DefaultDeadline:   30 * time.Second,
		HeartbeatTimeout:  15 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		WeightCost:        0.40,
		WeightDuration:    0.30,
		WeightConfidence:  0.20,
		WeightCapability:  0.10,
	}
}

// TaskAnnouncement is broadcast to every agent eligible to bid.
type TaskAnnouncement struct {
	TaskID       ids.TaskID
	Description  string
	Requirements []string
	Deadline     time.Duration
	MinBidCount  int
	Metadata     map[string]any
}

// Bid is an agent's response to an announcement.
type Bid struct {
	AgentID           ids.AgentID
	TaskID            ids.TaskID
	EstimatedCostUSD  float64
	EstimatedDuration time.Duration
	Confidence        float64
	Capabilities      []string
}

func (b Bid) String() string {
	return fmt.Sprintf("Bid(agent=%s, task=%s, cost=$%.4f, duration=%s, confidence=%.2f)",
		b.AgentID, b.TaskID, b.EstimatedCostUSD, b.EstimatedDuration, b.Confidence)
}

// ScoreBreakdown is the per-component normalized score behind a Bid's
// total, kept for observability and for deterministic tie-breaking.
type ScoreBreakdown struct {
	CostScore       float64
	DurationScore   float64
	ConfidenceScore float64
	CapabilityScore float64
}

// BidScore is a Bid plus its evaluated score.
type BidScore struct {
	Bid       Bid
	Score     float64
	Breakdown ScoreBreakdown
}

// AwardDecision is the outcome of evaluating a task's bids.
type AwardDecision struct {
	TaskID    ids.TaskID
	Winner    BidScore
	RunnerUp  *BidScore
	TotalBids int
}

func (d AwardDecision) String() string {
	return fmt.Sprintf("Award(task=%s, winner=%s, score=%.4f, bids=%d)",
		d.TaskID, d.Winner.Bid.AgentID, d.Winner.Score, d.TotalBids)
}

// Room helpers, mirroring the Rust original's Redis key constants
// (apex:cnp:announcements / apex:cnp:bids:{task_id} / apex:cnp:awards:{agent_id}).
func announcementsRoom() roombus.Room            { return roombus.RoomCustom("cnp:announcements") }
func bidsRoom(task ids.TaskID) roombus.Room      { return roombus.RoomCustom("cnp:bids:" + string(task)) }
func awardsRoom(agent ids.AgentID) roombus.Room  { return roombus.RoomCustom("cnp:awards:" + string(agent)) }
func heartbeatRoom(task ids.TaskID) roombus.Room { return roombus.RoomCustom("cnp:heartbeat:" + string(task)) }

// Manager coordinates the full CNP lifecycle over a roombus.Broadcaster.
type Manager struct {
	bus    *roombus.Broadcaster
	config Config
	logger *slog.Logger

	mu          sync.Mutex
	heartbeats  map[ids.TaskID]time.Time
}

// New creates a Manager bound to bus with the given config.
func New(bus *roombus.Broadcaster, config Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bus:        bus,
		config:     config,
		logger:     logger,
		heartbeats: make(map[ids.TaskID]time.Time),
	}
}

// AnnounceTask publishes a TaskAnnouncement to the announcements room.
// Agents subscribed there decide whether to bid.
func (m *Manager) AnnounceTask(ctx context.Context, ann TaskAnnouncement) error {
	m.bus.Broadcast(roombus.Message{
		Room:    announcementsRoom(),
		Kind:    "cnp.task_announced",
		Payload: ann,
	})
	m.logger.Info("task announcement published",
		slog.String("task_id", string(ann.TaskID)),
		slog.Any("requirements", ann.Requirements),
		slog.Duration("deadline", ann.Deadline),
	)
	return nil
}

// SubmitBid is called by an agent (or an agent's proxy) in response to an
// announcement. It is the in-process equivalent of RPUSH onto the Rust
// original's apex:cnp:bids:{task_id} list.
func (m *Manager) SubmitBid(ctx context.Context, bid Bid) {
	m.bus.Broadcast(roombus.Message{
		Room:    bidsRoom(bid.TaskID),
		Kind:    "cnp.bid_submitted",
		Payload: bid,
	})
}

// CollectBids gathers bids for taskID until deadline elapses or the
// context is cancelled. It subscribes to the task's bid room for the
// duration of the collection window — the blocking BLPOP loop in the
// Rust original becomes a buffered channel read with a deadline timer.
func (m *Manager) CollectBids(ctx context.Context, taskID ids.TaskID, deadline time.Duration) ([]Bid, error) {
	if deadline <= 0 {
		deadline = m.config.DefaultDeadline
	}
	sub := m.bus.Subscribe(bidsRoom(taskID))
	defer m.bus.Unsubscribe(sub)

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	var bids []Bid
	for {
		select {
		case msg, ok := <-sub.Ch():
			if !ok {
				return bids, nil
			}
			bid, ok := msg.Payload.(Bid)
			if !ok {
				m.logger.Warn("ignoring malformed bid payload", slog.String("task_id", string(taskID)))
				continue
			}
			m.logger.Debug("bid received",
				slog.String("task_id", string(taskID)),
				slog.String("agent_id", string(bid.AgentID)),
				slog.Float64("cost", bid.EstimatedCostUSD),
			)
			bids = append(bids, bid)
		case <-ctx.Done():
			m.logger.Info("bid collection complete",
				slog.String("task_id", string(taskID)),
				slog.Int("bid_count", len(bids)),
				slog.Duration("elapsed", time.Since(start)),
			)
			return bids, nil
		}
	}
}

// EvaluateBids scores bids against requirements and returns them sorted
// by score descending, ties broken by confidence, then cost, then
// agent_id (lexicographic) — the deterministic tie-break spec §4.3 names
// explicitly where the Rust original leaves comparator ties unspecified.
func (m *Manager) EvaluateBids(bids []Bid, requirements []string) []BidScore {
	if len(bids) == 0 {
		return nil
	}

	minCost, maxCost := bids[0].EstimatedCostUSD, bids[0].EstimatedCostUSD
	minDur, maxDur := bids[0].EstimatedDuration, bids[0].EstimatedDuration
	for _, b := range bids[1:] {
		minCost = math.Min(minCost, b.EstimatedCostUSD)
		maxCost = math.Max(maxCost, b.EstimatedCostUSD)
		if b.EstimatedDuration < minDur {
			minDur = b.EstimatedDuration
		}
		if b.EstimatedDuration > maxDur {
			maxDur = b.EstimatedDuration
		}
	}
	costRange := maxCost - minCost
	durRange := maxDur - minDur

	scored := make([]BidScore, 0, len(bids))
	for _, b := range bids {
		costScore := 1.0
		if costRange > 0 {
			costScore = 1.0 - (b.EstimatedCostUSD-minCost)/costRange
		}
		durScore := 1.0
		if durRange > 0 {
			durScore = 1.0 - float64(b.EstimatedDuration-minDur)/float64(durRange)
		}
		confScore := clamp01(b.Confidence)
		capScore := 1.0
		if len(requirements) > 0 {
			matched := 0
			for _, req := range requirements {
				if containsCapability(b.Capabilities, req) {
					matched++
				}
			}
			capScore = float64(matched) / float64(len(requirements))
		}

		score := m.config.WeightCost*costScore +
			m.config.WeightDuration*durScore +
			m.config.WeightConfidence*confScore +
			m.config.WeightCapability*capScore

		scored = append(scored, BidScore{
			Bid:   b,
			Score: score,
			Breakdown: ScoreBreakdown{
				CostScore:       costScore,
				DurationScore:   durScore,
				ConfidenceScore: confScore,
				CapabilityScore: capScore,
			},
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Bid.Confidence != b.Bid.Confidence {
			return a.Bid.Confidence > b.Bid.Confidence
		}
		if a.Bid.EstimatedCostUSD != b.Bid.EstimatedCostUSD {
			return a.Bid.EstimatedCostUSD < b.Bid.EstimatedCostUSD
		}
		return a.Bid.AgentID < b.Bid.AgentID
	})
	return scored
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func containsCapability(caps []string, want string) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}

// AwardTask selects the winning bid and publishes the award to the
// winner's room. Returns orcherr.AgentNotFound if scored is empty,
// matching the Rust original's "insufficient bids" failure.
func (m *Manager) AwardTask(ctx context.Context, taskID ids.TaskID, scored []BidScore) (*AwardDecision, error) {
	if len(scored) == 0 {
		return nil, orcherr.New(orcherr.AgentNotFound, "no bids received for task").
			WithDetails(map[string]any{"task_id": string(taskID)})
	}

	decision := &AwardDecision{
		TaskID:    taskID,
		Winner:    scored[0],
		TotalBids: len(scored),
	}
	if len(scored) > 1 {
		ru := scored[1]
		decision.RunnerUp = &ru
	}

	m.bus.Broadcast(roombus.Message{
		Room:    awardsRoom(decision.Winner.Bid.AgentID),
		Kind:    "cnp.task_awarded",
		Payload: *decision,
	})

	m.logger.Info("task awarded",
		slog.String("task_id", string(taskID)),
		slog.String("winner", string(decision.Winner.Bid.AgentID)),
		slog.Float64("score", decision.Winner.Score),
		slog.Int("total_bids", len(scored)),
	)
	return decision, nil
}

// RunProtocol runs the complete announce → collect → evaluate → award
// flow for a single task. The caller is responsible for monitoring the
// resulting award (see MonitorExecution).
func (m *Manager) RunProtocol(ctx context.Context, ann TaskAnnouncement) (*AwardDecision, error) {
	if err := m.AnnounceTask(ctx, ann); err != nil {
		return nil, err
	}

	bids, err := m.CollectBids(ctx, ann.TaskID, ann.Deadline)
	if err != nil {
		return nil, err
	}

	minBids := ann.MinBidCount
	if minBids <= 0 {
		minBids = m.config.MinBidCount
	}
	if len(bids) < minBids {
		return nil, orcherr.New(orcherr.AgentNotFound, "insufficient bids received for task").
			WithDetails(map[string]any{
				"task_id":   string(ann.TaskID),
				"received":  len(bids),
				"required":  minBids,
			})
	}

	scored := m.EvaluateBids(bids, ann.Requirements)
	return m.AwardTask(ctx, ann.TaskID, scored)
}

// RecordHeartbeat marks taskID's current agent as alive as of now. Agents
// call this on their own execution's heartbeat_interval_secs cadence; it
// is the in-process analogue of the Rust original's
// apex:cnp:heartbeat:{task_id} key with a TTL.
func (m *Manager) RecordHeartbeat(taskID ids.TaskID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats[taskID] = time.Now()
}

// CheckHeartbeat reports whether taskID has had a heartbeat within the
// configured timeout window.
func (m *Manager) CheckHeartbeat(taskID ids.TaskID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.heartbeats[taskID]
	if !ok {
		return false
	}
	return time.Since(last) < m.config.HeartbeatTimeout
}

// MonitorExecution polls decision's heartbeat at HeartbeatInterval until
// either the heartbeat holds past HeartbeatTimeout (success, returns nil)
// or it expires, in which case the task fails over to the runner-up (if
// any). Mirrors the Rust original's monitor_execution loop; the
// ticker-and-context-cancellation shape follows the teacher's
// HeartbeatManager.Start loop in internal/engine/heartbeat.go.
func (m *Manager) MonitorExecution(ctx context.Context, decision *AwardDecision) error {
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	maxChecks := int(m.config.HeartbeatTimeout/m.config.HeartbeatInterval) + 1
	for i := 0; i < maxChecks; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if m.CheckHeartbeat(decision.TaskID) {
				m.logger.Debug("heartbeat ok", slog.String("task_id", string(decision.TaskID)))
				return nil
			}
		}
	}

	m.logger.Warn("heartbeat expired, attempting failover",
		slog.String("task_id", string(decision.TaskID)),
		slog.String("original_agent", string(decision.Winner.Bid.AgentID)),
	)

	if decision.RunnerUp == nil {
		m.logger.Error("no runner-up available for failover", slog.String("task_id", string(decision.TaskID)))
		return orcherr.New(orcherr.AgentUnavailable, "heartbeat expired and no runner-up available for failover").
			WithDetails(map[string]any{"task_id": string(decision.TaskID)})
	}

	failover := AwardDecision{
		TaskID:    decision.TaskID,
		Winner:    *decision.RunnerUp,
		TotalBids: decision.TotalBids,
	}
	m.bus.Broadcast(roombus.Message{
		Room:    awardsRoom(failover.Winner.Bid.AgentID),
		Kind:    "cnp.task_awarded_failover",
		Payload: failover,
	})
	m.RecordHeartbeat(decision.TaskID) // reset the clock for the new agent
	m.logger.Info("failover award published",
		slog.String("task_id", string(decision.TaskID)),
		slog.String("failover_agent", string(failover.Winner.Bid.AgentID)),
	)
	return nil
}
