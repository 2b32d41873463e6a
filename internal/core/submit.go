package core

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/repligrid/repligrid/internal/model"
)

// TransferBackend executes the physical side of a corrective intent.
// Implementations live outside the catalog; the submitter only cares
// whether the operation succeeded.
type TransferBackend interface {
	Transfer(ctx context.Context, req *model.Request) error
	Delete(ctx context.Context, req *model.Request) error
}

// Submitter drains the request queue through a transfer backend and
// feeds the outcomes back into the catalog: arrived copies become
// AVAILABLE and settle their rule claims, failures burn retry budget
// and eventually turn the claim STUCK.
type Submitter struct {
	catalog  *Catalog
	rules    *RuleStore
	requests *RequestQueue
	backend  TransferBackend
	budget   int
	leaseTTL time.Duration
	log      *zap.Logger
}

// NewSubmitter builds the submission stage.
func NewSubmitter(catalog *Catalog, rules *RuleStore, requests *RequestQueue, backend TransferBackend, retryBudget int, leaseTTL time.Duration, log *zap.Logger) *Submitter {
	if log == nil {
		log = zap.NewNop()
	}
	if leaseTTL <= 0 {
		leaseTTL = 10 * time.Minute
	}
	return &Submitter{
		catalog:  catalog,
		rules:    rules,
		requests: requests,
		backend:  backend,
		budget:   retryBudget,
		leaseTTL: leaseTTL,
		log:      log,
	}
}

// ClaimTasks leases a batch of queued requests.
func (s *Submitter) ClaimTasks(ctx context.Context, token string, limit int) ([]Task, error) {
	reqs, err := s.requests.ClaimQueued(ctx, token, limit, s.leaseTTL)
	if err != nil {
		return nil, err
	}
	tasks := make([]Task, len(reqs))
	for i, req := range reqs {
		req := req
		tasks[i] = func(ctx context.Context) error {
			return s.Process(ctx, req)
		}
	}
	return tasks, nil
}

// Process executes one request end to end.
func (s *Submitter) Process(ctx context.Context, req *model.Request) error {
	err := s.requests.MarkSubmitted(ctx, req.ID)
	if errors.Is(err, ErrConflict) {
		return nil // another worker took it
	}
	if err != nil {
		return err
	}

	var execErr error
	switch req.Type {
	case model.RequestTypeDelete:
		execErr = s.backend.Delete(ctx, req)
	default:
		execErr = s.backend.Transfer(ctx, req)
	}
	if execErr != nil {
		return s.fail(ctx, req, execErr)
	}
	return s.complete(ctx, req)
}

func (s *Submitter) complete(ctx context.Context, req *model.Request) error {
	switch req.Type {
	case model.RequestTypeTransfer:
		err := s.catalog.Transition(ctx, req.Scope, req.Name, req.DestRSE,
			model.ReplicaStateCopying, model.ReplicaStateAvailable, "")
		if err != nil && !errors.Is(err, ErrConflict) && !errors.Is(err, ErrNotFound) {
			return err
		}
		if req.RuleID != "" {
			err := s.rules.SetLockState(ctx, req.RuleID, req.Scope, req.Name, req.DestRSE,
				model.LockStateReplicating, model.LockStateOK)
			if err != nil && !errors.Is(err, ErrConflict) {
				return err
			}
		}
	case model.RequestTypeDelete:
		err := s.catalog.Transition(ctx, req.Scope, req.Name, req.DestRSE,
			model.ReplicaStateAvailable, model.ReplicaStateBeingDeleted, "excess copy removed")
		if err != nil && !errors.Is(err, ErrConflict) && !errors.Is(err, ErrNotFound) {
			return err
		}
		err = s.catalog.TombstoneReplica(ctx, req.Scope, req.Name, req.DestRSE)
		if err != nil && !errors.Is(err, ErrConflict) {
			return err
		}
	}

	if err := s.requests.Complete(ctx, req.ID); err != nil {
		return err
	}
	if req.RuleID != "" {
		if err := s.catalog.EnqueueRuleEval(ctx, req.RuleID, "request completed"); err != nil {
			return err
		}
	}
	s.log.Info("request completed",
		zap.String("id", req.ID), zap.String("type", string(req.Type)),
		zap.String("did", req.Scope+":"+req.Name), zap.String("dest", req.DestRSE))
	return nil
}

func (s *Submitter) fail(ctx context.Context, req *model.Request, cause error) error {
	if err := s.requests.Fail(ctx, req.ID, cause.Error(), s.budget); err != nil {
		return err
	}
	after, err := s.requests.Get(ctx, req.ID)
	if err != nil {
		return err
	}
	if after.State != model.RequestStateFailed {
		// Back on the queue for another attempt.
		s.log.Warn("request failed, will retry",
			zap.String("id", req.ID), zap.Int("attempts", after.Attempts),
			zap.Int("budget", s.budget), zap.Error(cause))
		return nil
	}

	s.log.Warn("request failed permanently",
		zap.String("id", req.ID), zap.String("did", req.Scope+":"+req.Name),
		zap.String("dest", req.DestRSE), zap.Error(cause))

	if req.Type == model.RequestTypeTransfer && req.RuleID != "" {
		err := s.rules.SetLockState(ctx, req.RuleID, req.Scope, req.Name, req.DestRSE,
			model.LockStateReplicating, model.LockStateStuck)
		if err != nil && !errors.Is(err, ErrConflict) {
			return err
		}
	}
	if req.RuleID != "" {
		return s.catalog.EnqueueRuleEval(ctx, req.RuleID, "request exhausted retries")
	}
	return nil
}
