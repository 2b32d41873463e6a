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

// Triage classifies site-reported bad PFNs as transient or confirmed
// bad. A declaration is treated as transient when the whole site looks
// degraded or the report has not yet recurred often enough; only a
// report that keeps coming back from a healthy site condemns the copy.
type Triage struct {
	catalog *Catalog
	cfg     config.TriageConfig
	log     *zap.Logger
}

// NewTriage builds the triage stage over the catalog.
func NewTriage(catalog *Catalog, cfg config.TriageConfig, log *zap.Logger) *Triage {
	if log == nil {
		log = zap.NewNop()
	}
	return &Triage{catalog: catalog, cfg: cfg, log: log}
}

// ClaimTasks leases a batch of unclassified declarations and wraps each
// in a task. Housekeeping that keeps the classification inputs honest
// runs ahead of every claim: stale occurrence counters are discarded
// and expired TEMPORARY_UNAVAILABLE replicas are re-queued for
// re-checking.
func (t *Triage) ClaimTasks(ctx context.Context, token string, limit int) ([]Task, error) {
	if err := t.catalog.ResetStaleOccurrences(ctx, t.cfg.OccurrenceWindow.Std()); err != nil {
		return nil, err
	}
	requeued, err := t.catalog.SweepExpiredUnavailable(ctx, limit, t.cfg.UnavailableTTL.Std())
	if err != nil {
		return nil, err
	}
	if requeued > 0 {
		t.log.Info("re-queued expired unavailable replicas", zap.Int("count", requeued))
	}

	declarations, err := t.catalog.ClaimNewDeclarations(ctx, token, limit, t.cfg.LeaseTTL.Std())
	if err != nil {
		return nil, err
	}
	tasks := make([]Task, len(declarations))
	for i, d := range declarations {
		d := d
		tasks[i] = func(ctx context.Context) error {
			return t.Classify(ctx, d)
		}
	}
	return tasks, nil
}

// Classify decides one declaration and applies the resulting replica
// transition. All transitions are conditional on the expected prior
// state; a conflict means another worker or a duplicate declaration got
// there first and is a no-op, never an error.
func (t *Triage) Classify(ctx context.Context, d *model.BadPFN) error {
	now := time.Now()

	rse, err := t.catalog.GetRSE(ctx, d.RSE)
	if err != nil {
		return fmt.Errorf("triage %s@%s: %w", d.PFN, d.RSE, err)
	}

	replica, err := t.catalog.GetReplicaByPFN(ctx, d.RSE, d.PFN)
	if errors.Is(err, ErrNotFound) {
		// Declaration against a PFN the catalog does not track. Record
		// the verdict so the declaration stops being re-claimed.
		t.log.Warn("bad PFN has no catalog replica",
			zap.String("pfn", d.PFN), zap.String("rse", d.RSE))
		return t.classify(ctx, d, model.ClassificationBad)
	}
	if err != nil {
		return fmt.Errorf("triage %s@%s: %w", d.PFN, d.RSE, err)
	}

	if rse.Degraded(now) {
		t.log.Info("classified transient: site degraded",
			zap.String("pfn", d.PFN), zap.String("rse", d.RSE))
		return t.markTransient(ctx, d, replica, "site degraded")
	}
	if d.Occurrences < t.cfg.ConfirmationThreshold {
		t.log.Info("classified transient: below confirmation threshold",
			zap.String("pfn", d.PFN), zap.String("rse", d.RSE),
			zap.Int("occurrences", d.Occurrences),
			zap.Int("threshold", t.cfg.ConfirmationThreshold))
		return t.markTransient(ctx, d, replica, d.Reason)
	}

	t.log.Info("classified bad: confirmation threshold reached",
		zap.String("pfn", d.PFN), zap.String("rse", d.RSE),
		zap.Int("occurrences", d.Occurrences))
	return t.markBad(ctx, d, replica)
}

func (t *Triage) markTransient(ctx context.Context, d *model.BadPFN, r *model.Replica, reason string) error {
	err := t.catalog.MarkTemporaryUnavailable(ctx, r.Scope, r.Name, r.RSE, reason, t.cfg.UnavailableTTL.Std())
	if err != nil && !errors.Is(err, ErrConflict) {
		return err
	}
	return t.classify(ctx, d, model.ClassificationTransient)
}

func (t *Triage) markBad(ctx context.Context, d *model.BadPFN, r *model.Replica) error {
	err := t.catalog.Transition(ctx, r.Scope, r.Name, r.RSE,
		model.ReplicaStateAvailable, model.ReplicaStateBad, d.Reason)
	if errors.Is(err, ErrConflict) {
		// The copy may already sit in TEMPORARY_UNAVAILABLE from an
		// earlier transient verdict; confirmation condemns it from
		// there too.
		err = t.catalog.Transition(ctx, r.Scope, r.Name, r.RSE,
			model.ReplicaStateTemporaryUnavailable, model.ReplicaStateBad, d.Reason)
	}
	if err != nil && !errors.Is(err, ErrConflict) && !errors.Is(err, ErrNotFound) {
		return err
	}
	return t.classify(ctx, d, model.ClassificationBad)
}

func (t *Triage) classify(ctx context.Context, d *model.BadPFN, outcome model.Classification) error {
	err := t.catalog.ClassifyDeclaration(ctx, d.ID, outcome)
	if errors.Is(err, ErrConflict) {
		return nil
	}
	return err
}
