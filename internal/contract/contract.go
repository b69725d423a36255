// Package contract implements the hierarchical resource-budget store
// described in spec §4.1: root and child contracts, atomic charge/settle,
// and the conservation invariant (for any Active contract P, the sum of
// each axis across P's Active direct children never exceeds P's limit on
// that axis).
//
// Storage follows the teacher's internal/persistence.Store conventions: a
// single-connection SQLite handle in WAL mode, a schema_migrations ledger,
// and a retry wrapper around SQLITE_BUSY. The read-check-write of a
// parent's aggregated child sums additionally holds an in-process
// per-parent mutex (the same per-resource mutex-map idiom the teacher uses
// for per-task cancel funcs in internal/engine.Engine), since SQLite's
// single-connection serialization alone does not express the "child before
// parent" lock discipline spec §5 asks implementers to document.
package contract

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/apexswarm/orchestrator/internal/ids"
	"github.com/apexswarm/orchestrator/internal/orcherr"
	"github.com/apexswarm/orchestrator/internal/resourcemodel"
	"github.com/apexswarm/orchestrator/internal/sqlitex"
)

const schemaVersion = 1

// defaultContractTTL is how long a contract may sit Active before the
// maintenance sweep (ExpireStale) considers it stale and expires it.
const defaultContractTTL = 24 * time.Hour

// Status is a contract's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusExceeded  Status = "exceeded"
	StatusCancelled Status = "cancelled"
)

// Contract is the persisted resource budget record (spec §3).
type Contract struct {
	ID           ids.ContractID
	AgentID      ids.AgentID
	TaskID       *ids.TaskID
	ParentID     *ids.ContractID
	Limits       resourcemodel.Limits
	Usage        resourcemodel.Usage
	Status       Status
	CreatedAt    time.Time
	ExpiresAt    *time.Time
}

// Store is the contract store: a SQLite-backed hierarchical budget ledger.
type Store struct {
	db *sql.DB

	mu       sync.Mutex // guards parentLocks
	parentLocks map[ids.ContractID]*sync.Mutex
}

// Open opens (creating if necessary) the contract store at path.
func Open(path string) (*Store, error) {
	db, err := sqlitex.Open(path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, parentLocks: make(map[ids.ContractID]*sync.Mutex)}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS contracts (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			task_id TEXT,
			parent_contract_id TEXT,
			limits_json TEXT NOT NULL,
			usage_json TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_contracts_parent ON contracts(parent_contract_id);
		CREATE INDEX IF NOT EXISTS idx_contracts_task ON contracts(task_id);
	`)
	if err != nil {
		return fmt.Errorf("init contract schema: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_migrations(version) VALUES (?)`, schemaVersion)
	return err
}

// lockFor returns (creating if necessary) the in-process mutex guarding
// reads/writes of parentID's aggregated child sums.
func (s *Store) lockFor(parentID ids.ContractID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.parentLocks[parentID]
	if !ok {
		m = &sync.Mutex{}
		s.parentLocks[parentID] = m
	}
	return m
}

// CreateRootContract creates an Active contract with no parent.
func (s *Store) CreateRootContract(ctx context.Context, agent ids.AgentID, task *ids.TaskID, limits resourcemodel.Limits) (ids.ContractID, error) {
	id := ids.NewContractID()
	expiresAt := time.Now().Add(defaultContractTTL)
	c := &Contract{
		ID:        id,
		AgentID:   agent,
		TaskID:    task,
		Limits:    limits,
		Status:    StatusActive,
		CreatedAt: time.Now(),
		ExpiresAt: &expiresAt,
	}
	if err := s.insert(ctx, c); err != nil {
		return "", err
	}
	return id, nil
}

// CreateChildContract creates a child contract under parentID, failing
// atomically with ContractViolation if admitting it would break
// conservation on any axis (spec §4.1). The lock discipline is
// child-before-parent: the caller never holds any other contract's lock
// when calling this.
func (s *Store) CreateChildContract(ctx context.Context, parentID ids.ContractID, agent ids.AgentID, task *ids.TaskID, limits resourcemodel.Limits) (ids.ContractID, error) {
	lock := s.lockFor(parentID)
	lock.Lock()
	defer lock.Unlock()

	parent, err := s.get(ctx, parentID)
	if err != nil {
		return "", err
	}
	if parent.Status != StatusActive {
		return "", orcherr.New(orcherr.ContractExpired, "parent contract is not active").
			WithDetails(map[string]any{"parent_id": string(parentID), "status": string(parent.Status)})
	}

	children, err := s.activeChildren(ctx, parentID)
	if err != nil {
		return "", err
	}
	childLimits := make([]resourcemodel.Limits, 0, len(children)+1)
	for _, c := range children {
		childLimits = append(childLimits, c.Limits)
	}
	childLimits = append(childLimits, limits)
	proposedTotal := resourcemodel.SumLimits(childLimits)

	if axis, bad := resourcemodel.ExceedsParent(proposedTotal, parent.Limits); bad {
		return "", orcherr.New(orcherr.ContractViolation, "child contract would break parent conservation").
			WithDetails(map[string]any{"axis": string(axis), "parent_id": string(parentID)})
	}

	id := ids.NewContractID()
	expiresAt := time.Now().Add(defaultContractTTL)
	c := &Contract{
		ID:        id,
		AgentID:   agent,
		TaskID:    task,
		ParentID:  &parentID,
		Limits:    limits,
		Status:    StatusActive,
		CreatedAt: time.Now(),
		ExpiresAt: &expiresAt,
	}
	if err := s.insert(ctx, c); err != nil {
		return "", err
	}
	return id, nil
}

// Charge atomically applies delta to contract_id's usage. Either all four
// axes are updated or none. A charge that would push any axis over that
// contract's own limit fails with the axis-specific LimitExceeded code and
// transitions the contract to Exceeded. Charging a zero delta is a no-op
// success (spec §8).
func (s *Store) Charge(ctx context.Context, contractID ids.ContractID, delta resourcemodel.Usage) error {
	if delta.IsZero() {
		return nil
	}
	return sqlitex.RetryOnBusy(ctx, 5, func() error {
		return s.chargeOnce(ctx, contractID, delta)
	})
}

func (s *Store) chargeOnce(ctx context.Context, contractID ids.ContractID, delta resourcemodel.Usage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return orcherr.Wrap(orcherr.StorageUnavailable, "begin charge transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	c, err := s.getTx(ctx, tx, contractID)
	if err != nil {
		return err
	}
	if c.Status != StatusActive {
		return orcherr.New(orcherr.ContractExpired, "charge rejected: contract is not active").
			WithDetails(map[string]any{"contract_id": string(contractID), "status": string(c.Status)})
	}

	newUsage := c.Usage.Add(delta)
	if axis := resourcemodel.ExceededAxis(newUsage, c.Limits); axis != "" {
		c.Status = StatusExceeded
		c.Usage = newUsage
		if err := s.updateTx(ctx, tx, c); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return orcherr.Wrap(orcherr.StorageUnavailable, "commit exceeded charge", err)
		}
		return orcherr.New(orcherr.AxisCode(string(axis)), fmt.Sprintf("%s limit exceeded", axis)).
			WithDetails(map[string]any{
				"axis":  string(axis),
				"used":  axisValue(newUsage, axis),
				"limit": axisLimit(c.Limits, axis),
			})
	}

	c.Usage = newUsage
	if err := s.updateTx(ctx, tx, c); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return orcherr.Wrap(orcherr.StorageUnavailable, "commit charge", err)
	}
	return nil
}

// Settle marks a contract Completed or Cancelled. After settlement,
// further charges are rejected.
func (s *Store) Settle(ctx context.Context, contractID ids.ContractID, status Status) error {
	if status != StatusCompleted && status != StatusCancelled {
		return orcherr.New(orcherr.ContractViolation, "settle requires Completed or Cancelled").
			WithDetails(map[string]any{"status": string(status)})
	}
	return sqlitex.RetryOnBusy(ctx, 5, func() error {
		c, err := s.get(ctx, contractID)
		if err != nil {
			return err
		}
		if c.Status != StatusActive {
			// Idempotent: settling an already-settled contract is a no-op.
			return nil
		}
		c.Status = status
		return s.update(ctx, c)
	})
}

// ParentAvailable returns parentID's limits minus the sum of its Active
// children's limits, per axis.
func (s *Store) ParentAvailable(ctx context.Context, parentID ids.ContractID) (resourcemodel.Limits, error) {
	parent, err := s.get(ctx, parentID)
	if err != nil {
		return resourcemodel.Limits{}, err
	}
	children, err := s.activeChildren(ctx, parentID)
	if err != nil {
		return resourcemodel.Limits{}, err
	}
	limits := make([]resourcemodel.Limits, 0, len(children))
	for _, c := range children {
		limits = append(limits, c.Limits)
	}
	return resourcemodel.Available(parent.Limits, limits), nil
}

// Get returns a contract by id.
func (s *Store) Get(ctx context.Context, id ids.ContractID) (*Contract, error) {
	return s.get(ctx, id)
}

func axisValue(u resourcemodel.Usage, axis resourcemodel.Axis) int64 {
	switch axis {
	case resourcemodel.AxisTokens:
		return u.Tokens
	case resourcemodel.AxisCost:
		return u.CostUsdMcr
	case resourcemodel.AxisTime:
		return u.TimeSecs
	case resourcemodel.AxisAPICalls:
		return u.APICalls
	}
	return 0
}

func axisLimit(l resourcemodel.Limits, axis resourcemodel.Axis) int64 {
	switch axis {
	case resourcemodel.AxisTokens:
		return l.TokenLimit
	case resourcemodel.AxisCost:
		return l.CostLimitUsdMcr
	case resourcemodel.AxisTime:
		return l.TimeLimitSecs
	case resourcemodel.AxisAPICalls:
		return l.APICallLimit
	}
	return 0
}

func (s *Store) insert(ctx context.Context, c *Contract) error {
	return sqlitex.RetryOnBusy(ctx, 5, func() error {
		limitsJSON, err := json.Marshal(c.Limits)
		if err != nil {
			return orcherr.Wrap(orcherr.SerializationFailed, "encode limits", err)
		}
		usageJSON, err := json.Marshal(c.Usage)
		if err != nil {
			return orcherr.Wrap(orcherr.SerializationFailed, "encode usage", err)
		}
		var parentID, taskID, expiresAt any
		if c.ParentID != nil {
			parentID = string(*c.ParentID)
		}
		if c.TaskID != nil {
			taskID = string(*c.TaskID)
		}
		if c.ExpiresAt != nil {
			expiresAt = c.ExpiresAt.UnixNano()
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO contracts(id, agent_id, task_id, parent_contract_id, limits_json, usage_json, status, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(c.ID), string(c.AgentID), taskID, parentID, string(limitsJSON), string(usageJSON), string(c.Status), c.CreatedAt.UnixNano(), expiresAt)
		if err != nil {
			return orcherr.Wrap(orcherr.StorageUnavailable, "insert contract", err)
		}
		return nil
	})
}

func (s *Store) update(ctx context.Context, c *Contract) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return orcherr.Wrap(orcherr.StorageUnavailable, "begin update transaction", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.updateTx(ctx, tx, c); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return orcherr.Wrap(orcherr.StorageUnavailable, "commit update", err)
	}
	return nil
}

func (s *Store) updateTx(ctx context.Context, tx *sql.Tx, c *Contract) error {
	usageJSON, err := json.Marshal(c.Usage)
	if err != nil {
		return orcherr.Wrap(orcherr.SerializationFailed, "encode usage", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE contracts SET usage_json = ?, status = ? WHERE id = ?`,
		string(usageJSON), string(c.Status), string(c.ID))
	if err != nil {
		return orcherr.Wrap(orcherr.StorageUnavailable, "update contract", err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, id ids.ContractID) (*Contract, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, task_id, parent_contract_id, limits_json, usage_json, status, created_at, expires_at
		FROM contracts WHERE id = ?`, string(id))
	return scanContract(row)
}

func (s *Store) getTx(ctx context.Context, tx *sql.Tx, id ids.ContractID) (*Contract, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, agent_id, task_id, parent_contract_id, limits_json, usage_json, status, created_at, expires_at
		FROM contracts WHERE id = ?`, string(id))
	return scanContract(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContract(row rowScanner) (*Contract, error) {
	var c Contract
	var idStr, agentStr, status string
	var taskID, parentID sql.NullString
	var limitsJSON, usageJSON string
	var createdAt int64
	var expiresAt sql.NullInt64

	if err := row.Scan(&idStr, &agentStr, &taskID, &parentID, &limitsJSON, &usageJSON, &status, &createdAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, orcherr.New(orcherr.ContractNotFound, "contract not found")
		}
		return nil, orcherr.Wrap(orcherr.StorageUnavailable, "scan contract", err)
	}
	c.ID = ids.ContractID(idStr)
	c.AgentID = ids.AgentID(agentStr)
	c.Status = Status(status)
	c.CreatedAt = time.Unix(0, createdAt)
	if taskID.Valid {
		t := ids.TaskID(taskID.String)
		c.TaskID = &t
	}
	if parentID.Valid {
		p := ids.ContractID(parentID.String)
		c.ParentID = &p
	}
	if expiresAt.Valid {
		t := time.Unix(0, expiresAt.Int64)
		c.ExpiresAt = &t
	}
	if err := json.Unmarshal([]byte(limitsJSON), &c.Limits); err != nil {
		return nil, orcherr.Wrap(orcherr.SerializationFailed, "decode limits", err)
	}
	if err := json.Unmarshal([]byte(usageJSON), &c.Usage); err != nil {
		return nil, orcherr.Wrap(orcherr.SerializationFailed, "decode usage", err)
	}
	return &c, nil
}

func (s *Store) activeChildren(ctx context.Context, parentID ids.ContractID) ([]*Contract, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, task_id, parent_contract_id, limits_json, usage_json, status, created_at, expires_at
		FROM contracts WHERE parent_contract_id = ? AND status = ?`, string(parentID), string(StatusActive))
	if err != nil {
		return nil, orcherr.Wrap(orcherr.StorageUnavailable, "query active children", err)
	}
	defer rows.Close()

	var out []*Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, orcherr.Wrap(orcherr.StorageUnavailable, "iterate active children", err)
	}
	return out, nil
}

// ExpireStale settles any Active contract past its expires_at as
// Cancelled; used by the maintenance cron sweep.
func (s *Store) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE contracts SET status = ? WHERE status = ? AND expires_at IS NOT NULL AND expires_at < ?`,
		string(StatusCancelled), string(StatusActive), now.UnixNano())
	if err != nil {
		return 0, orcherr.Wrap(orcherr.StorageUnavailable, "expire stale contracts", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("expired stale contracts", "count", n)
	}
	return int(n), nil
}
