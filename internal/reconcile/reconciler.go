// Package reconcile runs the engine's own invariant checks on demand (the
// API's POST /reconcile) and records any divergence, the TRS analogue of
// the rawblock/coinjoin-engine teacher's shadow-mode comparison runner
// (internal/shadow/shadow_runner.go): instead of comparing production vs
// experimental heuristics, it compares the engine's post-update state
// against its own conservation invariants (spec §7) and persists the
// verdict for later audit rather than failing the request path.
package reconcile

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// InvariantChecker is satisfied by *reputation.Engine.
type InvariantChecker interface {
	CheckInvariants() error
}

// Result captures the outcome of one reconciliation pass.
type Result struct {
	Epoch     uint32    `json:"epoch"`
	Violation string    `json:"violation,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Reconciler runs CheckInvariants when Check is called and logs/persists any
// violation. It never blocks or fails the caller's write path: persistence
// failures here are logged, not propagated, since the Update itself has
// already committed by the time reconciliation runs.
type Reconciler struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Reconciler {
	return &Reconciler{pool: pool}
}

// Check runs the invariant check for the given epoch and records the
// result. Call this after a successful Engine.Update.
func (r *Reconciler) Check(ctx context.Context, epoch uint32, checker InvariantChecker, now time.Time) Result {
	result := Result{Epoch: epoch, CheckedAt: now}
	if err := checker.CheckInvariants(); err != nil {
		result.Violation = err.Error()
		log.Printf("[reconcile] INVARIANT VIOLATION at epoch %d: %v", epoch, err)
	}

	if r.pool != nil {
		if err := r.persist(ctx, result); err != nil {
			log.Printf("[reconcile] failed to persist reconciliation result for epoch %d: %v", epoch, err)
		}
	}
	return result
}

func (r *Reconciler) persist(ctx context.Context, result Result) error {
	const sql = `
		INSERT INTO reconciliation_results (epoch, violation, checked_at)
		VALUES ($1, $2, $3)
	`
	_, err := r.pool.Exec(ctx, sql, result.Epoch, result.Violation, result.CheckedAt)
	return err
}

// DriftReport summarizes reconciliation history across all recorded epochs.
type DriftReport struct {
	TotalChecks int     `json:"totalChecks"`
	Violations  int     `json:"violations"`
	DriftRate   float64 `json:"driftRate"`
}

// GenerateDriftReport computes the violation rate over all recorded
// reconciliation passes, mirroring the teacher's GenerateDriftReport.
func (r *Reconciler) GenerateDriftReport(ctx context.Context) (DriftReport, error) {
	const sql = `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE violation IS NOT NULL AND violation != '') AS violations
		FROM reconciliation_results
	`
	var report DriftReport
	row := r.pool.QueryRow(ctx, sql)
	if err := row.Scan(&report.TotalChecks, &report.Violations); err != nil {
		return DriftReport{}, err
	}
	if report.TotalChecks > 0 {
		report.DriftRate = float64(report.Violations) / float64(report.TotalChecks)
	}
	return report, nil
}
