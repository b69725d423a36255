// Package orchestrator is the execute_dag driver (spec §4.4): it pulls
// the DAG engine's ready set, runs one Contract Net Protocol round per
// ready task to pick an agent, dispatches execution under a bounded
// worker pool, charges/settles the task's contract on completion, and
// relies on the DAG engine's own cascade-cancel for failure propagation.
// The wave loop is grounded on internal/coordinator/executor.go's
// Execute/executeWave (topoSort replaced by the DAG engine's recomputed
// ready set, since spec.md's ready-set model is more general than
// static waves); the event-driven completion tracking is grounded on
// internal/coordinator/waiter.go's bus-subscription pattern, adapted
// here to roombus room events instead of the teacher's flat event bus.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/apexswarm/orchestrator/internal/cnp"
	"github.com/apexswarm/orchestrator/internal/contract"
	"github.com/apexswarm/orchestrator/internal/dagengine"
	"github.com/apexswarm/orchestrator/internal/eventlog"
	"github.com/apexswarm/orchestrator/internal/ids"
	"github.com/apexswarm/orchestrator/internal/obs"
	"github.com/apexswarm/orchestrator/internal/orcherr"
	"github.com/apexswarm/orchestrator/internal/resourcemodel"
	"github.com/apexswarm/orchestrator/internal/roombus"
)

// AgentExecutor runs a single task on behalf of the agent the CNP round
// awarded it to. Implementations are opaque to the orchestrator core —
// an HTTP call, a local process, a Docker sandbox (internal/runners) —
// the orchestrator only needs the result shape.
type AgentExecutor interface {
	Execute(ctx context.Context, agentID ids.AgentID, task *dagengine.Task) (Result, error)
}

// Result is what an AgentExecutor reports back for a single task run.
type Result struct {
	Output     string
	TokensUsed int64
	CostUSD    float64
}

// Bidder is something capable of evaluating a CNP announcement and
// deciding whether to bid, e.g. a registered agent or an agent pool
// front-end. A nil return declines to bid.
type Bidder interface {
	ID() ids.AgentID
	Bid(ctx context.Context, ann cnp.TaskAnnouncement) *cnp.Bid
}

// Orchestrator drives a single DAG's execution to completion.
type Orchestrator struct {
	dag       *dagengine.DAG
	contracts *contract.Store
	events    *eventlog.Log
	bus       *roombus.Broadcaster
	cnpMgr    *cnp.Manager
	executor  AgentExecutor
	bidders   []Bidder
	logger    *slog.Logger
	obs       *obs.Provider

	maxConcurrency int
	bidDeadline    time.Duration
}

// Options configures an Orchestrator.
type Options struct {
	MaxConcurrency int
	BidDeadline    time.Duration
	Logger         *slog.Logger
	// Obs is optional; a nil Provider means no tracing/metrics (use
	// obs.Init with Config{Enabled: false} to get a cheap no-op one).
	Obs *obs.Provider
}

// New creates an Orchestrator for dag, backed by the given stores/bus.
func New(dag *dagengine.DAG, contracts *contract.Store, events *eventlog.Log, bus *roombus.Broadcaster, cnpMgr *cnp.Manager, executor AgentExecutor, bidders []Bidder, opts Options) *Orchestrator {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 8
	}
	if opts.BidDeadline <= 0 {
		opts.BidDeadline = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		dag:            dag,
		contracts:      contracts,
		events:         events,
		bus:            bus,
		cnpMgr:         cnpMgr,
		executor:       executor,
		bidders:        bidders,
		logger:         opts.Logger,
		obs:            opts.Obs,
		maxConcurrency: opts.MaxConcurrency,
		bidDeadline:    opts.BidDeadline,
	}
}

// taskOutcome flows from a dispatched task's goroutine back to the
// scheduling loop.
type taskOutcome struct {
	taskID ids.TaskID
	result Result
	err    error
}

// ExecutionReport summarizes a completed execute_dag run (spec §4.4):
// the terminal DAG status plus the usage totals accumulated across every
// task that reached Completed or Failed.
type ExecutionReport struct {
	Status         dagengine.ExecutionStatus
	TasksCompleted int
	TasksFailed    int
	TotalTokens    int64
	TotalCostUSD   float64
	DurationMs     int64
}

// Run drives the DAG to a terminal execution status, allocating each
// ready task via CNP and charging its result against rootContract (or
// the task's own AssignedContract if set at enqueue time). It returns
// once dag.Done() or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, rootContract ids.ContractID) (*ExecutionReport, error) {
	start := time.Now()
	report := &ExecutionReport{}
	finish := func(status dagengine.ExecutionStatus) *ExecutionReport {
		report.Status = status
		report.DurationMs = time.Since(start).Milliseconds()
		return report
	}
	if o.obs != nil {
		var span trace.Span
		ctx, span = obs.StartSpan(ctx, o.obs.Tracer, "dag.execute",
			obs.AttrContractID.String(string(rootContract)))
		defer span.End()
		if o.obs.Instruments != nil {
			o.obs.Instruments.DagExecutions.Add(ctx, 1)
			defer func() {
				o.obs.Instruments.DagExecutionTime.Record(ctx, time.Since(start).Seconds())
			}()
		}
	}

	sem := make(chan struct{}, o.maxConcurrency)
	outcomes := make(chan taskOutcome, o.maxConcurrency)
	dispatched := make(map[ids.TaskID]bool)

	var wg sync.WaitGroup
	inFlight := 0

	room := roombus.RoomDag(string(o.dag.ID))
	publish := func(kind string, payload any) {
		var eventID int64
		if o.events != nil {
			ev, err := o.events.Append(ctx, room, kind, payload)
			if err != nil {
				o.logger.Warn("event append failed", slog.String("kind", kind), slog.Any("error", err))
			} else {
				eventID = ev.EventID
			}
		}
		if o.bus != nil {
			o.bus.Broadcast(roombus.Message{Room: room, EventID: eventID, Kind: kind, Payload: payload})
		}
	}

	for {
		for _, task := range o.dag.ReadySet() {
			if dispatched[task.ID] {
				continue
			}
			dispatched[task.ID] = true
			inFlight++

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				inFlight--
				delete(dispatched, task.ID)
				wg.Wait()
				return finish(dagengine.ExecCancelled), ctx.Err()
			}

			wg.Add(1)
			go func(t *dagengine.Task) {
				defer wg.Done()
				defer func() { <-sem }()
				res, err := o.runTask(ctx, t, rootContract, publish)
				select {
				case outcomes <- taskOutcome{taskID: t.ID, result: res, err: err}:
				case <-ctx.Done():
				}
			}(task)
		}

		if o.dag.Done() {
			break
		}
		if inFlight == 0 {
			// Nothing ready and nothing in flight: either done or deadlocked.
			break
		}

		select {
		case out := <-outcomes:
			inFlight--
			o.applyOutcome(ctx, out, dispatched, publish, report)
		case <-ctx.Done():
			wg.Wait()
			return finish(dagengine.ExecCancelled), ctx.Err()
		}
	}

	wg.Wait()
	// Drain any outcomes produced between the last select and wg.Wait returning.
	for {
		select {
		case out := <-outcomes:
			o.applyOutcome(ctx, out, dispatched, publish, report)
		default:
			final := o.dag.FinalStatus()
			publish("dag.finished", map[string]any{"status": final})
			return finish(final), nil
		}
	}
}

func (o *Orchestrator) applyOutcome(ctx context.Context, out taskOutcome, dispatched map[ids.TaskID]bool, publish func(string, any), report *ExecutionReport) {
	if out.err != nil {
		task, lookupErr := o.dag.Task(out.taskID)
		if lookupErr == nil && task.RetryCount < task.MaxRetries {
			errMsg := out.err.Error()
			if _, err := o.dag.Transition(out.taskID, dagengine.StatusPending, dagengine.TransitionOptions{Error: &errMsg}); err != nil {
				o.logger.Error("retry transition failed", slog.String("task_id", string(out.taskID)), slog.Any("error", err))
				return
			}
			// All of this task's predecessors were already completed once
			// (that's how it reached Ready the first attempt), so the
			// retry goes straight back to Ready rather than waiting on
			// recomputeReadySetLocked, which only fires off a predecessor
			// completion.
			if _, err := o.dag.Transition(out.taskID, dagengine.StatusReady, dagengine.TransitionOptions{}); err != nil {
				o.logger.Error("retry re-ready transition failed", slog.String("task_id", string(out.taskID)), slog.Any("error", err))
			}
			delete(dispatched, out.taskID)
			publish("task.retrying", map[string]any{"task_id": out.taskID, "attempt": task.RetryCount})
			return
		}
		errMsg := out.err.Error()
		if _, err := o.dag.Transition(out.taskID, dagengine.StatusFailed, dagengine.TransitionOptions{Error: &errMsg}); err != nil {
			o.logger.Error("fail transition failed", slog.String("task_id", string(out.taskID)), slog.Any("error", err))
		}
		report.TasksFailed++
		publish("task.failed", map[string]any{"task_id": out.taskID, "error": errMsg})
		return
	}

	output := out.result.Output
	res, err := o.dag.Transition(out.taskID, dagengine.StatusCompleted, dagengine.TransitionOptions{
		Output:     &output,
		TokensUsed: out.result.TokensUsed,
		CostUSD:    out.result.CostUSD,
	})
	if err != nil {
		o.logger.Error("complete transition failed", slog.String("task_id", string(out.taskID)), slog.Any("error", err))
		return
	}
	report.TasksCompleted++
	report.TotalTokens += out.result.TokensUsed
	report.TotalCostUSD += out.result.CostUSD
	publish("task.completed", map[string]any{"task_id": out.taskID, "output": output})
	for _, newly := range res.NewlyReady {
		publish("task.ready", map[string]any{"task_id": newly.ID})
	}
}

// runTask allocates an agent via CNP, dispatches the task to it, and
// charges the contract on success.
func (o *Orchestrator) runTask(ctx context.Context, task *dagengine.Task, rootContract ids.ContractID, publish func(string, any)) (Result, error) {
	if _, err := o.dag.Transition(task.ID, dagengine.StatusRunning, dagengine.TransitionOptions{}); err != nil {
		return Result{}, err
	}
	publish("task.started", map[string]any{"task_id": task.ID})

	decision, err := o.allocate(ctx, task)
	if err != nil {
		return Result{}, err
	}

	agentID := decision.Winner.Bid.AgentID

	// The child's budget is whatever the root still has available, not an
	// unbounded allowance: this is what makes Charge's LimitExceeded path
	// (spec §4.1) reachable from real execution instead of only from a
	// unit test that talks to the store directly. Under a bounded root with
	// several tasks dispatched concurrently, the first child to be created
	// reserves all of what was available at that instant; a sibling
	// created before the first settles may see ContractViolation — an
	// accepted consequence of the conservation invariant, not a bug.
	available, err := o.contracts.ParentAvailable(ctx, rootContract)
	if err != nil {
		return Result{}, err
	}
	childContract, err := o.contracts.CreateChildContract(ctx, rootContract, agentID, &task.ID, available)
	if err != nil {
		return Result{}, err
	}
	if err := o.dag.AssignAgent(task.ID, agentID, childContract); err != nil {
		o.logger.Warn("record assignment failed", slog.String("task_id", string(task.ID)), slog.Any("error", err))
	}

	o.cnpMgr.RecordHeartbeat(task.ID)
	monitorCtx, cancelMonitor := context.WithCancel(ctx)
	monitorErr := make(chan error, 1)
	go func() { monitorErr <- o.cnpMgr.MonitorExecution(monitorCtx, decision) }()

	result, execErr := o.executor.Execute(ctx, agentID, task)
	cancelMonitor()
	if merr := <-monitorErr; merr != nil && !errors.Is(merr, context.Canceled) {
		// A genuine heartbeat timeout with no runner-up (or a cancelled
		// root ctx) preempts whatever the executor reported: the agent is
		// considered lost regardless of whether its call happened to
		// return in the meantime.
		_ = o.contracts.Settle(ctx, childContract, contract.StatusCancelled)
		return Result{}, merr
	}
	if execErr != nil {
		_ = o.contracts.Settle(ctx, childContract, contract.StatusCancelled)
		return Result{}, execErr
	}

	delta := resourcemodel.Usage{
		Tokens:     result.TokensUsed,
		CostUsdMcr: resourcemodel.UsdToMicro(result.CostUSD),
	}
	if err := o.contracts.Charge(ctx, childContract, delta); err != nil {
		return result, err
	}
	if o.obs != nil && o.obs.Instruments != nil {
		o.obs.Instruments.ContractCharges.Add(ctx, 1)
	}
	if err := o.contracts.Settle(ctx, childContract, contract.StatusCompleted); err != nil {
		o.logger.Warn("settle child contract failed", slog.String("task_id", string(task.ID)), slog.Any("error", err))
	}
	return result, nil
}

// allocate runs one CNP round for task: announce, solicit bids from
// every registered Bidder, evaluate, and award.
func (o *Orchestrator) allocate(ctx context.Context, task *dagengine.Task) (*cnp.AwardDecision, error) {
	if o.obs != nil {
		var span trace.Span
		ctx, span = obs.StartSpan(ctx, o.obs.Tracer, "cnp.round", obs.AttrTaskID.String(string(task.ID)))
		defer span.End()
		if o.obs.Instruments != nil {
			o.obs.Instruments.CnpRounds.Add(ctx, 1)
		}
	}

	ann := cnp.TaskAnnouncement{
		TaskID:      task.ID,
		Description: task.Name,
		Deadline:    o.bidDeadline,
		MinBidCount: 1,
	}
	if err := o.cnpMgr.AnnounceTask(ctx, ann); err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	for _, b := range o.bidders {
		wg.Add(1)
		go func(bidder Bidder) {
			defer wg.Done()
			if bid := bidder.Bid(ctx, ann); bid != nil {
				o.cnpMgr.SubmitBid(ctx, *bid)
			}
		}(b)
	}

	collectCtx, cancel := context.WithTimeout(ctx, o.bidDeadline)
	defer cancel()
	bids, err := o.cnpMgr.CollectBids(collectCtx, task.ID, o.bidDeadline)
	wg.Wait()
	if err != nil {
		return nil, err
	}
	if len(bids) == 0 {
		return nil, orcherr.New(orcherr.AgentNotFound, "no agent bid on task").
			WithDetails(map[string]any{"task_id": string(task.ID)})
	}

	scored := o.cnpMgr.EvaluateBids(bids, nil)
	return o.cnpMgr.AwardTask(ctx, task.ID, scored)
}
