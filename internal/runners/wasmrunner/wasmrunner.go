// Package wasmrunner is an orchestrator.AgentExecutor that runs a task
// by invoking a WebAssembly module loaded into a shared wazero runtime —
// one of the opaque agent executors spec.md §1 describes (the core never
// knows or cares that the agent inside is a .wasm module rather than an
// HTTP call or a Docker container). Grounded directly on
// internal/sandbox/wasm/host.go's Host: the same memory-limited,
// context-terminated wazero.RuntimeConfig, the same per-module +
// aggregate memory accounting on LoadModule, and the same
// classifyFault mapping of wazero's sys.ExitError/timeout errors to a
// deterministic fault reason. Trimmed down from the teacher's
// persistence/policy/audit-integrated skill host (quarantine tracking,
// KV store, HTTP capability gating) to the orchestrator's narrower need:
// hand a task instruction to a module and get a result string back.
package wasmrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/apexswarm/orchestrator/internal/dagengine"
	"github.com/apexswarm/orchestrator/internal/ids"
	"github.com/apexswarm/orchestrator/internal/orchestrator"
)

// Fault reason codes, mirroring host.go's Fault* constants.
const (
	FaultModuleNotFound  = "WASM_MODULE_NOT_FOUND"
	FaultTimeout         = "WASM_TIMEOUT"
	FaultMemoryExceeded  = "WASM_MEMORY_EXCEEDED"
	FaultNoExport        = "WASM_NO_EXPORT"
	FaultExecError       = "WASM_FAULT"
	FaultMemoryExhausted = "WASM_HOST_MEMORY_EXHAUSTED"
)

// DefaultMemoryLimitPages is 160 pages = 10MB (each WASM page is 64KB).
const DefaultMemoryLimitPages = 160

// DefaultAggregateMemoryLimitPages is 640 pages = 40MB across all agents.
const DefaultAggregateMemoryLimitPages uint32 = 640

// DefaultInvokeTimeout is the wall-clock limit for a single task run.
const DefaultInvokeTimeout = 30 * time.Second

// Fault is a structured error from a module invocation.
type Fault struct {
	Reason string
	Agent  ids.AgentID
	Detail string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: agent=%s: %s", f.Reason, f.Agent, f.Detail)
}

// Config configures a Host.
type Config struct {
	Logger                    *slog.Logger
	MemoryLimitPages          uint32
	AggregateMemoryLimitPages uint32
	InvokeTimeout             time.Duration
}

// Host owns a wazero runtime and the WASM modules loaded into it, one
// per agent id. It implements orchestrator.AgentExecutor.
type Host struct {
	logger        *slog.Logger
	runtime       wazero.Runtime
	invokeTimeout time.Duration

	mu                   sync.Mutex
	modules              map[ids.AgentID]api.Module
	moduleMemoryPages    map[ids.AgentID]uint32
	aggregateMemoryLimit uint32
}

var _ orchestrator.AgentExecutor = (*Host)(nil)

// NewHost builds a Host with a host module exporting "host.log", so a
// guest can surface its own log lines through the orchestrator's logger.
func NewHost(ctx context.Context, cfg Config) (*Host, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = DefaultMemoryLimitPages
	}
	aggLimit := cfg.AggregateMemoryLimitPages
	if aggLimit == 0 {
		aggLimit = DefaultAggregateMemoryLimitPages
	}
	invokeTimeout := cfg.InvokeTimeout
	if invokeTimeout == 0 {
		invokeTimeout = DefaultInvokeTimeout
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)

	h := &Host{
		logger:               cfg.Logger,
		runtime:              wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		invokeTimeout:        invokeTimeout,
		modules:              map[ids.AgentID]api.Module{},
		moduleMemoryPages:    map[ids.AgentID]uint32{},
		aggregateMemoryLimit: aggLimit,
	}

	builder := h.runtime.NewHostModuleBuilder("host")
	builder.NewFunctionBuilder().WithFunc(h.hostLog).Export("host.log")
	if _, err := builder.Instantiate(ctx); err != nil {
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	return h, nil
}

// Close releases every loaded module and the runtime itself.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	for agent, module := range h.modules {
		_ = module.Close(ctx)
		delete(h.modules, agent)
		delete(h.moduleMemoryPages, agent)
	}
	h.mu.Unlock()
	return h.runtime.Close(ctx)
}

// LoadModule compiles and instantiates wasmBytes under agent's id,
// rejecting it if doing so would exceed the aggregate memory budget.
func (h *Host) LoadModule(ctx context.Context, agent ids.AgentID, wasmBytes []byte) error {
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("compile wasm module for agent %s: %w", agent, err)
	}

	var estimatedPages uint32
	for _, def := range compiled.ImportedMemories() {
		estimatedPages += def.Min()
	}
	for _, def := range compiled.ExportedMemories() {
		estimatedPages += def.Min()
	}
	if estimatedPages == 0 {
		estimatedPages = 1
	}

	h.mu.Lock()
	var currentAggregate uint32
	for a, pages := range h.moduleMemoryPages {
		if a != agent {
			currentAggregate += pages
		}
	}
	if currentAggregate+estimatedPages > h.aggregateMemoryLimit {
		h.mu.Unlock()
		return &Fault{
			Reason: FaultMemoryExhausted,
			Agent:  agent,
			Detail: fmt.Sprintf("aggregate=%d pages, new=%d pages, limit=%d pages",
				currentAggregate, estimatedPages, h.aggregateMemoryLimit),
		}
	}
	if old, ok := h.modules[agent]; ok {
		_ = old.Close(ctx)
		delete(h.modules, agent)
		delete(h.moduleMemoryPages, agent)
	}
	h.mu.Unlock()

	module, err := h.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(string(agent)))
	if err != nil {
		return fmt.Errorf("instantiate wasm module for agent %s: %w", agent, err)
	}

	h.mu.Lock()
	h.modules[agent] = module
	h.moduleMemoryPages[agent] = estimatedPages
	h.mu.Unlock()

	h.logger.Info("wasm module loaded", "agent", agent, "memory_pages", estimatedPages)
	return nil
}

// Execute implements orchestrator.AgentExecutor: invokes the module
// loaded for agentID, writing task.Input.Instruction into guest memory
// via its exported "alloc" and reading the output back from the pair
// of i32s its exported "run" returns (result pointer, result length).
func (h *Host) Execute(ctx context.Context, agentID ids.AgentID, task *dagengine.Task) (orchestrator.Result, error) {
	h.mu.Lock()
	module, ok := h.modules[agentID]
	h.mu.Unlock()
	if !ok {
		return orchestrator.Result{}, &Fault{Reason: FaultModuleNotFound, Agent: agentID, Detail: "module not loaded"}
	}

	invokeCtx, cancel := context.WithTimeout(ctx, h.invokeTimeout)
	defer cancel()

	allocFn := module.ExportedFunction("alloc")
	runFn := module.ExportedFunction("run")
	if allocFn == nil || runFn == nil {
		return orchestrator.Result{}, &Fault{Reason: FaultNoExport, Agent: agentID, Detail: "module must export alloc and run"}
	}

	instruction := []byte(task.Input.Instruction)
	allocResults, err := allocFn.Call(invokeCtx, uint64(len(instruction)))
	if err != nil {
		return orchestrator.Result{}, classifyFault(agentID, err)
	}
	if len(allocResults) == 0 {
		return orchestrator.Result{}, &Fault{Reason: FaultExecError, Agent: agentID, Detail: "alloc returned no pointer"}
	}
	ptr := uint32(allocResults[0])
	if !module.Memory().Write(ptr, instruction) {
		return orchestrator.Result{}, &Fault{Reason: FaultExecError, Agent: agentID, Detail: "failed writing instruction to guest memory"}
	}

	runResults, err := runFn.Call(invokeCtx, uint64(ptr), uint64(len(instruction)))
	if err != nil {
		return orchestrator.Result{}, classifyFault(agentID, err)
	}
	if len(runResults) < 2 {
		return orchestrator.Result{}, &Fault{Reason: FaultExecError, Agent: agentID, Detail: "run must return (result_ptr, result_len)"}
	}

	resultPtr, resultLen := uint32(runResults[0]), uint32(runResults[1])
	output, ok := module.Memory().Read(resultPtr, resultLen)
	if !ok {
		return orchestrator.Result{}, &Fault{Reason: FaultExecError, Agent: agentID, Detail: "failed reading result from guest memory"}
	}

	return orchestrator.Result{Output: string(output)}, nil
}

func classifyFault(agent ids.AgentID, err error) *Fault {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Fault{Reason: FaultTimeout, Agent: agent, Detail: err.Error()}
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &Fault{Reason: FaultTimeout, Agent: agent, Detail: err.Error()}
	}
	msg := err.Error()
	if strings.Contains(msg, "memory") {
		return &Fault{Reason: FaultMemoryExceeded, Agent: agent, Detail: msg}
	}
	return &Fault{Reason: FaultExecError, Agent: agent, Detail: msg}
}

func (h *Host) hostLog(ctx context.Context, module api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) {
	level, ok := module.Memory().Read(levelPtr, levelLen)
	if !ok {
		level = []byte("info")
	}
	msg, ok := module.Memory().Read(msgPtr, msgLen)
	if !ok {
		h.logger.Warn("host.log: failed to read message from wasm memory")
		return
	}
	switch strings.ToLower(string(level)) {
	case "error":
		h.logger.Error("wasm guest log", "msg", string(msg))
	case "warn":
		h.logger.Warn("wasm guest log", "msg", string(msg))
	case "debug":
		h.logger.Debug("wasm guest log", "msg", string(msg))
	default:
		h.logger.Info("wasm guest log", "msg", string(msg))
	}
}
