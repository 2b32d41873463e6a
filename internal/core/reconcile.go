package core

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/repligrid/repligrid/internal/config"
	"github.com/repligrid/repligrid/internal/model"
)

// Reconciler drives rules toward satisfaction. Each evaluation compares
// a rule's claim against the live replica population, adopts existing
// copies, emits transfer intents for missing ones and sheds excess, and
// advances the rule's state from what the locks actually say.
//
// Evaluations are idempotent: locks insert-or-ignore, requests dedupe
// on the open (identifier, destination, kind) key, and every replica
// transition is conditional. Re-evaluating a settled rule changes
// nothing.
type Reconciler struct {
	catalog  *Catalog
	rules    *RuleStore
	requests *RequestQueue
	cfg      config.ReconcileConfig
	log      *zap.Logger
}

// NewReconciler builds the reconciliation stage over the catalog.
func NewReconciler(catalog *Catalog, rules *RuleStore, requests *RequestQueue, cfg config.ReconcileConfig, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{catalog: catalog, rules: rules, requests: requests, cfg: cfg, log: log}
}

// ClaimTasks leases a batch of queued rule evaluations. Expiry and the
// periodic full re-enqueue of active rules run first, so a rule that
// lost its trigger event still gets re-checked.
func (r *Reconciler) ClaimTasks(ctx context.Context, token string, limit int) ([]Task, error) {
	expired, err := r.rules.ExpireRules(ctx)
	if err != nil {
		return nil, err
	}
	if expired > 0 {
		r.log.Info("expired rules past lifetime", zap.Int("count", expired))
	}
	if err := r.rules.EnqueueActiveRules(ctx); err != nil {
		return nil, err
	}

	ruleIDs, err := r.catalog.ClaimRuleEvals(ctx, token, limit, r.cfg.LeaseTTL.Std())
	if err != nil {
		return nil, err
	}
	tasks := make([]Task, len(ruleIDs))
	for i, id := range ruleIDs {
		id := id
		tasks[i] = func(ctx context.Context) error {
			if err := r.Evaluate(ctx, id); err != nil {
				// Leave the entry queued; the lease lapses and another
				// cycle retries.
				return err
			}
			return r.catalog.FinishRuleEval(ctx, id)
		}
	}
	return tasks, nil
}

// fileState is the per-file view an evaluation works from.
type fileState struct {
	did      model.DID
	replicas map[string]*model.Replica  // live copies by RSE
	locks    map[string]model.LockState // this rule's claims by RSE
	excluded map[string]bool            // cooled-down RSEs
}

// Evaluate reconciles one rule against the catalog.
func (r *Reconciler) Evaluate(ctx context.Context, ruleID string) error {
	rule, err := r.rules.GetRule(ctx, ruleID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rule.State == model.RuleStateExpired {
		return nil
	}

	eligible, err := r.catalog.MatchingRSEs(ctx, rule.RSEExpression)
	if err != nil {
		return err
	}
	eligibleSet := make(map[string]bool, len(eligible))
	for _, rse := range eligible {
		eligibleSet[rse.Name] = true
	}

	allRSEs, err := r.rseIndex(ctx)
	if err != nil {
		return err
	}

	groups, err := r.resolveGroups(ctx, rule)
	if err != nil {
		return err
	}

	var stuckNote string
	for _, group := range groups {
		states, err := r.loadGroup(ctx, rule, group)
		if err != nil {
			return err
		}
		if err := r.releaseIneligible(ctx, rule, states, eligibleSet); err != nil {
			return err
		}
		note, err := r.placeGroup(ctx, rule, states, eligible, allRSEs)
		if err != nil {
			return err
		}
		if note != "" && stuckNote == "" {
			stuckNote = note
		}
		if err := r.shedExcess(ctx, rule, states, eligibleSet); err != nil {
			return err
		}
	}

	return r.advanceRuleState(ctx, rule.ID, stuckNote)
}

// resolveGroups partitions the rule's files by its grouping mode. ALL
// co-locates everything, DATASET co-locates per containing dataset, and
// NONE places every file independently.
func (r *Reconciler) resolveGroups(ctx context.Context, rule *model.Rule) ([][]model.DID, error) {
	switch rule.Grouping {
	case model.GroupingNone:
		files, err := r.catalog.ListFiles(ctx, rule.Scope, rule.Name)
		if err != nil {
			return nil, err
		}
		groups := make([][]model.DID, len(files))
		for i, f := range files {
			groups[i] = []model.DID{f}
		}
		return groups, nil

	case model.GroupingDataset:
		datasets, err := r.catalog.ListDatasets(ctx, rule.Scope, rule.Name)
		if err != nil {
			return nil, err
		}
		if len(datasets) == 0 {
			// A bare file has no dataset grouping; fall through to a
			// single group.
			break
		}
		var groups [][]model.DID
		seen := make(map[string]bool)
		for _, ds := range datasets {
			files, err := r.catalog.ListFiles(ctx, ds.Scope, ds.Name)
			if err != nil {
				return nil, err
			}
			var group []model.DID
			for _, f := range files {
				if !seen[f.Key()] {
					seen[f.Key()] = true
					group = append(group, f)
				}
			}
			if len(group) > 0 {
				groups = append(groups, group)
			}
		}
		return groups, nil
	}

	files, err := r.catalog.ListFiles(ctx, rule.Scope, rule.Name)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}
	return [][]model.DID{files}, nil
}

func (r *Reconciler) loadGroup(ctx context.Context, rule *model.Rule, files []model.DID) ([]*fileState, error) {
	locks, err := r.rules.LocksForRule(ctx, rule.ID)
	if err != nil {
		return nil, err
	}
	lockIndex := make(map[string]map[string]model.LockState)
	for _, l := range locks {
		key := l.Scope + ":" + l.Name
		if lockIndex[key] == nil {
			lockIndex[key] = make(map[string]model.LockState)
		}
		lockIndex[key][l.RSE] = l.State
	}

	states := make([]*fileState, 0, len(files))
	for _, f := range files {
		replicas, err := r.catalog.ListReplicas(ctx, f.Scope, f.Name)
		if err != nil {
			return nil, err
		}
		excluded, err := r.catalog.ExcludedRSEs(ctx, f.Scope, f.Name)
		if err != nil {
			return nil, err
		}
		fs := &fileState{
			did:      f,
			replicas: make(map[string]*model.Replica, len(replicas)),
			locks:    lockIndex[f.Key()],
			excluded: excluded,
		}
		if fs.locks == nil {
			fs.locks = make(map[string]model.LockState)
		}
		for _, rep := range replicas {
			fs.replicas[rep.RSE] = rep
		}
		states = append(states, fs)
	}
	return states, nil
}

// releaseIneligible drops claims on sites the rule's expression no
// longer matches, typically after a move. The replicas themselves stay;
// shedding is a separate, guarded step.
func (r *Reconciler) releaseIneligible(ctx context.Context, rule *model.Rule, states []*fileState, eligible map[string]bool) error {
	for _, fs := range states {
		for rse := range fs.locks {
			if eligible[rse] {
				continue
			}
			if err := r.rules.RemoveLock(ctx, rule.ID, fs.did.Scope, fs.did.Name, rse); err != nil {
				return err
			}
			delete(fs.locks, rse)
		}
	}
	return nil
}

// placeGroup brings every file in the group up to the rule's copy
// count. Candidate sites are ranked so files of one group land
// together: sites already holding or receiving group members first.
func (r *Reconciler) placeGroup(ctx context.Context, rule *model.Rule, states []*fileState, eligible []*model.RSE, allRSEs map[string]*model.RSE) (string, error) {
	for _, fs := range states {
		for rse, lockState := range fs.locks {
			rep := fs.replicas[rse]
			if rep == nil {
				continue
			}
			switch {
			case lockState == model.LockStateReplicating && rep.State == model.ReplicaStateAvailable:
				// The copy arrived; settle the claim.
				if err := r.settleLock(ctx, rule.ID, fs.did, rse); err != nil {
					return "", err
				}
				fs.locks[rse] = model.LockStateOK
			case lockState == model.LockStateReplicating && rep.State == model.ReplicaStateCopying:
				// Re-emit the transfer intent. Deduplication makes this
				// free when one is already open; after an operator
				// reset it is what restarts the stalled copy.
				if err := r.emitTransfer(ctx, rule, fs, rep.RSE, allRSEs); err != nil {
					return "", err
				}
			}
		}
	}

	var stuckNote string
	for _, fs := range states {
		held := 0
		for _, state := range fs.locks {
			if state == model.LockStateOK || state == model.LockStateReplicating {
				held++
			}
		}
		if held >= rule.Copies {
			continue
		}

		for _, rse := range rankCandidates(eligible, states) {
			if held >= rule.Copies {
				break
			}
			if _, locked := fs.locks[rse]; locked {
				continue
			}
			if fs.excluded[rse] {
				continue
			}
			rep := fs.replicas[rse]
			switch {
			case rep == nil:
				err := r.startTransfer(ctx, rule, fs, rse, allRSEs)
				if errors.Is(err, errNoSource) {
					stuckNote = "no available source replica for " + fs.did.Key()
					continue
				}
				if errors.Is(err, ErrConflict) {
					continue
				}
				if err != nil {
					return "", err
				}
				held++
			case rep.State == model.ReplicaStateAvailable:
				// Adopt the existing healthy copy.
				if err := r.rules.AddLock(ctx, rule.ID, fs.did.Scope, fs.did.Name, rse, model.LockStateOK); err != nil {
					return "", err
				}
				fs.locks[rse] = model.LockStateOK
				held++
			case rep.State == model.ReplicaStateCopying:
				// Another rule's transfer is already inbound; share it.
				if err := r.rules.AddLock(ctx, rule.ID, fs.did.Scope, fs.did.Name, rse, model.LockStateReplicating); err != nil {
					return "", err
				}
				fs.locks[rse] = model.LockStateReplicating
				held++
			}
			// TEMPORARY_UNAVAILABLE, BAD and BEING_DELETED copies are
			// neither counted nor built over.
		}

		if held < rule.Copies && stuckNote == "" {
			stuckNote = fmt.Sprintf("only %d of %d sites placeable for %s", held, rule.Copies, fs.did.Key())
		}
	}
	return stuckNote, nil
}

var errNoSource = errors.New("no available source replica")

// startTransfer registers the destination placeholder, claims it and
// emits the transfer intent.
func (r *Reconciler) startTransfer(ctx context.Context, rule *model.Rule, fs *fileState, dest string, allRSEs map[string]*model.RSE) error {
	source := pickSource(fs, allRSEs)
	if source == nil {
		return errNoSource
	}
	rep := &model.Replica{
		Scope:    fs.did.Scope,
		Name:     fs.did.Name,
		RSE:      dest,
		PFN:      fmt.Sprintf("rse://%s/%s/%s", dest, fs.did.Scope, fs.did.Name),
		Bytes:    source.Bytes,
		Checksum: source.Checksum,
		State:    model.ReplicaStateCopying,
	}
	if err := r.catalog.AddReplica(ctx, rep); err != nil {
		return err
	}
	if err := r.rules.AddLock(ctx, rule.ID, fs.did.Scope, fs.did.Name, dest, model.LockStateReplicating); err != nil {
		return err
	}
	fs.locks[dest] = model.LockStateReplicating
	fs.replicas[dest] = rep

	_, created, err := r.requests.Create(ctx, &model.Request{
		Scope:     fs.did.Scope,
		Name:      fs.did.Name,
		SourceRSE: source.RSE,
		DestRSE:   dest,
		Type:      model.RequestTypeTransfer,
		RuleID:    rule.ID,
	})
	if err != nil {
		return err
	}
	if created {
		r.log.Info("queued transfer",
			zap.String("did", fs.did.Key()), zap.String("source", source.RSE),
			zap.String("dest", dest), zap.String("rule", rule.ID))
	}
	return nil
}

// emitTransfer re-issues the intent for an inbound copy this rule
// already claims. A no-op while a matching request is open.
func (r *Reconciler) emitTransfer(ctx context.Context, rule *model.Rule, fs *fileState, dest string, allRSEs map[string]*model.RSE) error {
	source := pickSource(fs, allRSEs)
	if source == nil {
		return nil
	}
	_, _, err := r.requests.Create(ctx, &model.Request{
		Scope:     fs.did.Scope,
		Name:      fs.did.Name,
		SourceRSE: source.RSE,
		DestRSE:   dest,
		Type:      model.RequestTypeTransfer,
		RuleID:    rule.ID,
	})
	return err
}

func (r *Reconciler) settleLock(ctx context.Context, ruleID string, did model.DID, rse string) error {
	err := r.rules.SetLockState(ctx, ruleID, did.Scope, did.Name, rse,
		model.LockStateReplicating, model.LockStateOK)
	if errors.Is(err, ErrConflict) {
		return nil
	}
	return err
}

// pickSource chooses a healthy, readable copy to transfer from.
func pickSource(fs *fileState, allRSEs map[string]*model.RSE) *model.Replica {
	var names []string
	for rse := range fs.replicas {
		names = append(names, rse)
	}
	sort.Strings(names)
	for _, rse := range names {
		rep := fs.replicas[rse]
		if rep.State != model.ReplicaStateAvailable {
			continue
		}
		if site, ok := allRSEs[rse]; ok && !site.ReadEnabled {
			continue
		}
		return rep
	}
	return nil
}

// rankCandidates orders eligible sites for placement: sites already
// involved with the group first, then by name for determinism.
func rankCandidates(eligible []*model.RSE, states []*fileState) []string {
	usage := make(map[string]int)
	for _, fs := range states {
		for rse := range fs.locks {
			usage[rse]++
		}
		for rse, rep := range fs.replicas {
			if rep.State == model.ReplicaStateAvailable {
				usage[rse]++
			}
		}
	}
	names := make([]string, len(eligible))
	for i, rse := range eligible {
		names[i] = rse.Name
	}
	sort.Slice(names, func(i, j int) bool {
		if usage[names[i]] != usage[names[j]] {
			return usage[names[i]] > usage[names[j]]
		}
		return names[i] < names[j]
	})
	return names
}

// shedExcess releases claims beyond the copy count and queues deletion
// of copies nothing claims anymore. The last AVAILABLE copy of a file
// is never deleted, claimed or not.
func (r *Reconciler) shedExcess(ctx context.Context, rule *model.Rule, states []*fileState, eligible map[string]bool) error {
	for _, fs := range states {
		var settled []string
		for rse, state := range fs.locks {
			if state == model.LockStateOK && eligible[rse] {
				settled = append(settled, rse)
			}
		}
		if len(settled) <= rule.Copies {
			continue
		}
		// Shed the least-shared sites first.
		sort.Strings(settled)
		sort.SliceStable(settled, func(i, j int) bool {
			return groupUsage(states, settled[i]) < groupUsage(states, settled[j])
		})

		for _, rse := range settled[:len(settled)-rule.Copies] {
			if err := r.rules.RemoveLock(ctx, rule.ID, fs.did.Scope, fs.did.Name, rse); err != nil {
				return err
			}
			delete(fs.locks, rse)

			remaining, err := r.rules.LocksForReplica(ctx, fs.did.Scope, fs.did.Name, rse)
			if err != nil {
				return err
			}
			if len(remaining) > 0 {
				continue
			}
			available := 0
			for _, rep := range fs.replicas {
				if rep.State == model.ReplicaStateAvailable {
					available++
				}
			}
			if available <= 1 {
				continue
			}
			_, created, err := r.requests.Create(ctx, &model.Request{
				Scope:   fs.did.Scope,
				Name:    fs.did.Name,
				DestRSE: rse,
				Type:    model.RequestTypeDelete,
				RuleID:  rule.ID,
			})
			if err != nil {
				return err
			}
			if created {
				r.log.Info("queued deletion of excess copy",
					zap.String("did", fs.did.Key()), zap.String("rse", rse))
			}
			delete(fs.replicas, rse)
		}
	}
	return nil
}

func groupUsage(states []*fileState, rse string) int {
	n := 0
	for _, fs := range states {
		if _, ok := fs.locks[rse]; ok {
			n++
		}
	}
	return n
}

// advanceRuleState derives the rule's state from its recounted locks.
func (r *Reconciler) advanceRuleState(ctx context.Context, ruleID, stuckNote string) error {
	if err := r.rules.RecomputeSatisfaction(ctx, ruleID); err != nil {
		return err
	}
	rule, err := r.rules.GetRule(ctx, ruleID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	switch {
	case rule.LocksStuck > 0:
		return r.rules.SetRuleState(ctx, ruleID, model.RuleStateStuck, "transfer failed past retry budget")
	case stuckNote != "":
		return r.rules.SetRuleState(ctx, ruleID, model.RuleStateStuck, stuckNote)
	case rule.LocksReplicating > 0:
		return r.rules.SetRuleState(ctx, ruleID, model.RuleStateReplicating, "transfers in flight")
	}

	// Satisfied by the lock count, but a shed deletion may still be in
	// flight; the rule is not settled until every intent lands.
	outstanding, err := r.requests.OutstandingForRule(ctx, ruleID)
	if err != nil {
		return err
	}
	if outstanding > 0 {
		return r.rules.SetRuleState(ctx, ruleID, model.RuleStateReplicating, "requests in flight")
	}
	return r.rules.SetRuleState(ctx, ruleID, model.RuleStateOK, "all copies satisfied")
}

func (r *Reconciler) rseIndex(ctx context.Context) (map[string]*model.RSE, error) {
	all, err := r.catalog.ListRSEs(ctx)
	if err != nil {
		return nil, err
	}
	index := make(map[string]*model.RSE, len(all))
	for _, rse := range all {
		index[rse.Name] = rse
	}
	return index, nil
}
