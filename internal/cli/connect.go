package cli

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	_ "github.com/lib/pq"

	"chainledger/internal/config"
	"chainledger/internal/eventstore"
	"chainledger/internal/guard"
	"chainledger/internal/ledger"
	"chainledger/internal/obs"
)

// conn bundles the dependencies every subcommand needs to talk to the
// replica it operates against.
type conn struct {
	cfg     config.Config
	db      *sqlx.DB
	store   *eventstore.EventStore
	metrics *obs.Metrics
}

func connect() (*conn, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, WrapExitError(ExitConfigError, "load configuration", err)
	}

	sqlDB, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, WrapExitError(ExitConfigError, "connect to database", err)
	}
	db := sqlx.NewDb(sqlDB, "postgres")

	g, err := guard.New(cfg.Guard)
	if err != nil {
		return nil, WrapExitError(ExitConfigError, "construct guard", err)
	}

	metrics := obs.NewMetrics(prometheus.NewRegistry())
	store := eventstore.New(db, g, ledger.NoneSigner{}, metrics)

	return &conn{cfg: cfg, db: db, store: store, metrics: metrics}, nil
}

func (c *conn) Close() error {
	return c.db.Close()
}

var invariantViolationErrors = []error{
	ledger.ErrVersionConflict, ledger.ErrMalformedPayload, ledger.ErrBadActor,
	ledger.ErrClockSkew, ledger.ErrReplayNonce, ledger.ErrChainCorrupted,
	ledger.ErrProjectionHandlerFailed, ledger.ErrConflictPendingManualResolution,
	ledger.ErrSnapshotHashMismatch,
}

var transientErrors = []error{
	ledger.ErrContention, ledger.ErrTimeout, ledger.ErrPeerUnreachable, ledger.ErrStorageUnavailable,
}

// classifyStoreError maps a (possibly wrapped) ledger sentinel to the
// CLI's exit-code contract. Every sentinel reaches here wrapped (e.g.
// `fmt.Errorf("%w: ...", ledger.ErrMalformedPayload)`), so the match must
// use errors.Is, not direct equality.
func classifyStoreError(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range invariantViolationErrors {
		if errors.Is(err, sentinel) {
			return WrapExitError(ExitInvariantViolation, "invariant violation", err)
		}
	}
	for _, sentinel := range transientErrors {
		if errors.Is(err, sentinel) {
			return WrapExitError(ExitTransient, "transient failure", err)
		}
	}
	return fmt.Errorf("ledgerctl: %w", err)
}
