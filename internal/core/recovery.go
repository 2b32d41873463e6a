package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/repligrid/repligrid/internal/config"
	"github.com/repligrid/repligrid/internal/model"
)

// Recovery retires confirmed-bad replicas and hands the loss back to
// the rules that depended on them. Everything a single loss implies,
// releasing the locks, tombstoning the copy, re-queuing the owning
// rules and excluding the failed site, commits in one transaction so a
// crash can never leave a half-recovered replica.
type Recovery struct {
	catalog *Catalog
	rules   *RuleStore
	cfg     config.RecoveryConfig
	log     *zap.Logger
}

// NewRecovery builds the recovery stage over the catalog.
func NewRecovery(catalog *Catalog, rules *RuleStore, cfg config.RecoveryConfig, log *zap.Logger) *Recovery {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recovery{catalog: catalog, rules: rules, cfg: cfg, log: log}
}

// ClaimTasks selects BAD replicas past the grace period. The grace
// period leaves late triage reversals room to land first. No lease is
// taken: the conditional BAD to BEING_DELETED edge inside Recover makes
// double-processing a no-op.
func (r *Recovery) ClaimTasks(ctx context.Context, token string, limit int) ([]Task, error) {
	if err := r.catalog.PurgeExpiredExclusions(ctx); err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-r.cfg.GracePeriod.Std())
	replicas, err := r.catalog.ListBadReplicas(ctx, cutoff, limit)
	if err != nil {
		return nil, err
	}
	tasks := make([]Task, len(replicas))
	for i, rep := range replicas {
		rep := rep
		tasks[i] = func(ctx context.Context) error {
			return r.Recover(ctx, rep)
		}
	}
	return tasks, nil
}

// Recover retires one lost replica atomically. The owning rules are
// re-queued for evaluation exactly once each; the failed site is kept
// out of their next placement for the cooldown window.
func (r *Recovery) Recover(ctx context.Context, rep *model.Replica) error {
	now := time.Now()

	tx, err := r.catalog.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin recovery: %w", err)
	}
	defer tx.Rollback()

	err = r.catalog.transition(ctx, tx, rep.Scope, rep.Name, rep.RSE,
		model.ReplicaStateBad, model.ReplicaStateBeingDeleted, "retired after confirmed loss")
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
		// Another worker already retired it, or triage reversed the
		// verdict during the grace period.
		return nil
	}
	if err != nil {
		return err
	}

	ruleIDs, err := r.rules.releaseLocksForReplica(ctx, tx, rep.Scope, rep.Name, rep.RSE)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE replicas SET tombstoned_at = ?, updated_at = ?
		WHERE scope = ? AND name = ? AND rse = ?
	`, formatTime(now), formatTime(now), rep.Scope, rep.Name, rep.RSE); err != nil {
		return fmt.Errorf("failed to tombstone replica: %w", err)
	}

	for _, ruleID := range ruleIDs {
		if err := r.catalog.enqueueRuleEval(ctx, tx, ruleID, "replica lost at "+rep.RSE); err != nil {
			return err
		}
	}

	if err := r.catalog.addExclusion(ctx, tx, rep.Scope, rep.Name, rep.RSE,
		now.Add(r.cfg.ExclusionCooldown.Std())); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit recovery: %w", err)
	}

	r.log.Info("recovered lost replica",
		zap.String("scope", rep.Scope), zap.String("name", rep.Name),
		zap.String("rse", rep.RSE), zap.Int("rules_requeued", len(ruleIDs)))
	return nil
}
