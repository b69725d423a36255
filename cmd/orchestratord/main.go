// Command orchestratord is the thin process that wires the orchestrator
// core (DAG engine, contract store, CNP allocator, event log, room
// broadcaster, realtime gateway) into a runnable daemon. Per spec.md §1
// the HTTP/RPC surface is out of core scope; this binary supplies only
// the minimal net/http + websocket adapter needed to exercise the core
// end to end, grounded on cmd/goclaw/main.go's wiring role: load config,
// open stores, start the scheduler and optional bridges, serve, and
// shut down gracefully on signal.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/apexswarm/orchestrator/internal/bridges"
	"github.com/apexswarm/orchestrator/internal/cnp"
	"github.com/apexswarm/orchestrator/internal/contract"
	"github.com/apexswarm/orchestrator/internal/dagyaml"
	"github.com/apexswarm/orchestrator/internal/eventlog"
	"github.com/apexswarm/orchestrator/internal/ids"
	"github.com/apexswarm/orchestrator/internal/maintenance"
	"github.com/apexswarm/orchestrator/internal/obs"
	"github.com/apexswarm/orchestrator/internal/orchconfig"
	"github.com/apexswarm/orchestrator/internal/orchestrator"
	"github.com/apexswarm/orchestrator/internal/orchlog"
	"github.com/apexswarm/orchestrator/internal/realtime"
	"github.com/apexswarm/orchestrator/internal/resourcemodel"
	"github.com/apexswarm/orchestrator/internal/roombus"
	"github.com/apexswarm/orchestrator/internal/runners/dockerrunner"
	"github.com/apexswarm/orchestrator/internal/runners/wasmrunner"
	"github.com/apexswarm/orchestrator/internal/schema"
	"github.com/apexswarm/orchestrator/internal/session"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s -config <path>       Start the orchestrator daemon

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  ORCHESTRATOR_AUTH_TOKEN      Bearer token realtime clients must present
  ORCHESTRATOR_TELEGRAM_TOKEN  Telegram bot token for the approval bridge
`)
}

func main() {
	configPath := flag.String("config", "./orchestrator.yaml", "path to the orchestrator config file")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := orchconfig.Load(*configPath)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := orchlog.New(cfg.DataDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	watcher := orchconfig.NewWatcher(logger, *configPath)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				reloaded, err := orchconfig.Load(*configPath)
				if err != nil {
					logger.Error("config reload failed", "path", ev.Path, "error", err)
					continue
				}
				logger.Info("config reloaded", "path", ev.Path, "fingerprint", reloaded.Fingerprint())
			}
		}()
	}

	otelProvider, err := obs.Init(ctx, obs.Config{
		Enabled:        cfg.Otel.Enabled,
		Exporter:       cfg.Otel.Exporter,
		Endpoint:       cfg.Otel.Endpoint,
		ServiceName:    cfg.Otel.ServiceName,
		SampleRate:     cfg.Otel.SampleRate,
		MetricsEnabled: cfg.Otel.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	contractsPath, err := cfg.DataPath("contracts.db")
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	contracts, err := contract.Open(contractsPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer contracts.Close()

	eventsPath, err := cfg.DataPath("events.db")
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	events, err := eventlog.Open(eventsPath, eventlog.Retention{MaxEvents: cfg.RetentionMaxEvents, MaxAge: cfg.RetentionMaxAge()})
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer events.Close()

	sessionsPath, err := cfg.DataPath("sessions.db")
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	sessions, err := session.Open(sessionsPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer sessions.Close()
	logger.Info("startup phase", "phase", "stores_opened")

	bus := roombus.New(logger)

	cnpMgr := cnp.New(bus, cnp.Config{
		MinBidCount:       cfg.MinBidCount,
		DefaultDeadline:   cfg.BidDeadline(),
		HeartbeatTimeout:  cfg.HeartbeatTimeout(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		WeightCost:        cfg.CnpWeights.Cost,
		WeightDuration:    cfg.CnpWeights.Duration,
		WeightConfidence:  cfg.CnpWeights.Confidence,
		WeightCapability:  cfg.CnpWeights.Capability,
	}, logger)

	schemas := schema.NewRegistry()

	executor, executorName := buildExecutor(ctx, cfg, logger)
	defer func() {
		if closer, ok := executor.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}()
	bidder := demoBidder{agentID: ids.AgentID("default")}
	logger.Info("startup phase", "phase", "executor_ready", "executor", executorName)

	realtimeSrv := realtime.New(realtime.Config{
		Sessions:          sessions,
		Events:            events,
		Bus:               bus,
		Auth:              realtime.AuthenticatorFunc(tokenAuthenticator(cfg.AuthToken)),
		AllowOrigins:      cfg.AllowOrigins,
		HeartbeatInterval: cfg.HeartbeatFrameInterval(),
		ConnectionTimeout: cfg.ConnectionTimeout(),
		ApprovalTimeout:   cfg.ApprovalTimeout(),
		Logger:            logger,
	})

	maint := maintenance.New(maintenance.Config{
		Contracts:   contracts,
		Events:      events,
		Sessions:    sessions,
		Logger:      logger,
		Interval:    cfg.MaintenanceInterval(),
		IdleTimeout: cfg.SessionIdleTimeout(),
	})
	maint.Start(ctx)
	defer maint.Stop()

	if cfg.Telegram.Enabled {
		if cfg.Telegram.Token == "" {
			logger.Warn("telegram bridge enabled but token is missing")
		} else {
			tg := bridges.New(bridges.Config{
				Token:      cfg.Telegram.Token,
				AllowedIDs: cfg.Telegram.AllowedIDs,
				Bus:        bus,
				Realtime:   realtimeSrv,
				Logger:     logger,
			})
			go func() {
				if err := tg.Start(ctx); err != nil {
					logger.Error("telegram bridge failed", "error", err)
				}
			}()
		}
	}

	deps := &server{
		logger:    logger,
		cfg:       cfg,
		contracts: contracts,
		events:    events,
		bus:       bus,
		cnpMgr:    cnpMgr,
		schemas:   schemas,
		executor:  executor,
		bidder:    bidder,
		obs:       otelProvider,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", deps.handleHealthz)
	mux.HandleFunc("POST /v1/dags", deps.handleSubmitDAG)
	mux.HandleFunc("/ws", realtimeSrv.HandleWS)

	httpServer := &http.Server{Addr: cfg.BindAddr, Handler: mux}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("orchestratord listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("http server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// buildExecutor picks the agent executor wired into the single demo
// bidder: a Docker sandbox when a daemon is reachable, falling back to
// the embedded WASM host (with no module loaded, so dispatch faults
// loudly rather than the daemon failing to start) when it is not.
func buildExecutor(ctx context.Context, cfg orchconfig.Config, logger *slog.Logger) (orchestrator.AgentExecutor, string) {
	if runner, err := dockerrunner.New(dockerrunner.Config{}); err == nil {
		return runner, "docker"
	} else {
		logger.Warn("docker executor unavailable, falling back to wasm host", "error", err)
	}
	host, err := wasmrunner.NewHost(ctx, wasmrunner.Config{Logger: logger})
	if err != nil {
		fatalStartup(logger, "E_EXECUTOR_INIT", err)
	}
	return host, "wasm"
}

// demoBidder is the daemon's single registered Bidder: it always bids
// on every announcement so a submitted DAG can run end to end without
// a separate agent process connecting to bid competitively. Real
// deployments register their own Bidder implementations fronting
// whatever agent pool they run.
type demoBidder struct {
	agentID ids.AgentID
}

func (d demoBidder) ID() ids.AgentID { return d.agentID }

func (d demoBidder) Bid(ctx context.Context, ann cnp.TaskAnnouncement) *cnp.Bid {
	return &cnp.Bid{
		AgentID:           d.agentID,
		TaskID:            ann.TaskID,
		EstimatedCostUSD:  0.01,
		EstimatedDuration: 2 * time.Second,
		Confidence:        0.75,
	}
}

func tokenAuthenticator(expected string) func(ctx context.Context, token string) (map[string]any, bool) {
	return func(_ context.Context, token string) (map[string]any, bool) {
		if expected == "" {
			return map[string]any{}, token != ""
		}
		return map[string]any{}, token == expected
	}
}

type server struct {
	logger    *slog.Logger
	cfg       orchconfig.Config
	contracts *contract.Store
	events    *eventlog.Log
	bus       *roombus.Broadcaster
	cnpMgr    *cnp.Manager
	schemas   *schema.Registry
	executor  orchestrator.AgentExecutor
	bidder    orchestrator.Bidder
	obs       *obs.Provider
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": Version})
}

// handleSubmitDAG accepts a YAML DAG document (internal/dagyaml), builds
// a root contract with unlimited resource axes, and runs the DAG to
// completion in the background via internal/orchestrator. The response
// is returned immediately with the assigned dag/contract ids; progress
// is observable over /ws by subscribing to roombus.RoomDag(id).
func (s *server) handleSubmitDAG(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, 1<<20)
	raw, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, fmt.Sprintf("read body: %v", err), http.StatusBadRequest)
		return
	}

	dag, _, err := dagyaml.Load(raw)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid dag document: %v", err), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	rootContract, err := s.contracts.CreateRootContract(ctx, s.bidder.ID(), nil, resourcemodel.Limits{})
	if err != nil {
		http.Error(w, fmt.Sprintf("create root contract: %v", err), http.StatusInternalServerError)
		return
	}

	orch := orchestrator.New(dag, s.contracts, s.events, s.bus, s.cnpMgr, s.executor, []orchestrator.Bidder{s.bidder}, orchestrator.Options{
		MaxConcurrency: s.cfg.MaxConcurrency,
		BidDeadline:    s.cfg.BidDeadline(),
		Logger:         s.logger,
		Obs:            s.obs,
	})

	go func() {
		runCtx := context.Background()
		report, err := orch.Run(runCtx, rootContract)
		if err != nil {
			s.logger.Error("dag run failed", "dag_id", dag.ID, "error", err)
			return
		}
		s.logger.Info("dag run finished", "dag_id", dag.ID,
			"status", report.Status,
			"tasks_completed", report.TasksCompleted,
			"tasks_failed", report.TasksFailed,
			"total_tokens", report.TotalTokens,
			"total_cost_usd", report.TotalCostUSD,
			"duration_ms", report.DurationMs,
		)
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"dag_id":      string(dag.ID),
		"contract_id": string(rootContract),
	})
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: reason_code=%s error=%s\n", reasonCode, message)
	}
	os.Exit(1)
}
