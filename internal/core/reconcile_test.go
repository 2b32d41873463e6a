package core

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/repligrid/repligrid/internal/config"
	"github.com/repligrid/repligrid/internal/model"
)

func testReconcileConfig() config.ReconcileConfig {
	return config.ReconcileConfig{RetryBudget: 2, LeaseTTL: config.Duration(time.Minute)}
}

func newTestReconciler(t *testing.T) (*Catalog, *sql.DB, *RuleStore, *RequestQueue, *Reconciler) {
	t.Helper()
	c, db := newTestCatalog(t)
	rules := NewRuleStore(db, c)
	requests := NewRequestQueue(db)
	rec := NewReconciler(c, rules, requests, testReconcileConfig(), nil)
	return c, db, rules, requests, rec
}

func TestReconcileEmitsExactlyOneTransfer(t *testing.T) {
	c, _, rules, requests, rec := newTestReconciler(t)
	ctx := context.Background()
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")
	_, err := c.AddRSE(ctx, "SITE_B")
	require.NoError(t, err)

	rule := &model.Rule{Scope: "data", Name: "f1", Copies: 2, RSEExpression: "*"}
	require.NoError(t, rules.AddRule(ctx, rule))

	require.NoError(t, rec.Evaluate(ctx, rule.ID))

	// The existing healthy copy is adopted, one transfer covers the gap.
	queued, err := requests.List(ctx, model.RequestStateQueued, 0)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, model.RequestTypeTransfer, queued[0].Type)
	require.Equal(t, "SITE_B", queued[0].DestRSE)
	require.Equal(t, "SITE_A", queued[0].SourceRSE)

	// The destination placeholder exists and is claimed.
	r, err := c.GetReplica(ctx, "data", "f1", "SITE_B")
	require.NoError(t, err)
	require.Equal(t, model.ReplicaStateCopying, r.State)

	after, err := rules.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	require.Equal(t, model.RuleStateReplicating, after.State)
	require.Equal(t, 1, after.LocksOK)
	require.Equal(t, 1, after.LocksReplicating)

	// Re-evaluating changes nothing: still exactly one open transfer.
	require.NoError(t, rec.Evaluate(ctx, rule.ID))
	queued, err = requests.List(ctx, model.RequestStateQueued, 0)
	require.NoError(t, err)
	require.Len(t, queued, 1)
}

func TestReconcileSatisfiedRuleGoesOK(t *testing.T) {
	c, _, rules, requests, rec := newTestReconciler(t)
	ctx := context.Background()
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")
	addFileWithReplica(t, c, "data", "f1", "SITE_B", "pfn-2")

	rule := &model.Rule{Scope: "data", Name: "f1", Copies: 2, RSEExpression: "*"}
	require.NoError(t, rules.AddRule(ctx, rule))
	require.NoError(t, rec.Evaluate(ctx, rule.ID))

	after, err := rules.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	require.Equal(t, model.RuleStateOK, after.State)
	require.Equal(t, 2, after.LocksOK)

	queued, err := requests.List(ctx, model.RequestStateQueued, 0)
	require.NoError(t, err)
	require.Empty(t, queued)
}

func TestReconcileRespectsExclusions(t *testing.T) {
	c, _, rules, requests, rec := newTestReconciler(t)
	ctx := context.Background()
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")
	_, err := c.AddRSE(ctx, "SITE_B")
	require.NoError(t, err)
	require.NoError(t, c.AddExclusion(ctx, "data", "f1", "SITE_B", time.Now().Add(time.Hour)))

	rule := &model.Rule{Scope: "data", Name: "f1", Copies: 2, RSEExpression: "*"}
	require.NoError(t, rules.AddRule(ctx, rule))
	require.NoError(t, rec.Evaluate(ctx, rule.ID))

	// The only other site is cooling down; nothing must be placed there.
	queued, err := requests.List(ctx, model.RequestStateQueued, 0)
	require.NoError(t, err)
	require.Empty(t, queued)

	after, err := rules.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	require.Equal(t, model.RuleStateStuck, after.State)
}

func TestReconcileMatchesExpressionAttributes(t *testing.T) {
	c, _, rules, requests, rec := newTestReconciler(t)
	ctx := context.Background()
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")
	_, err := c.AddRSE(ctx, "TAPE_1")
	require.NoError(t, err)
	_, err = c.AddRSE(ctx, "DISK_1")
	require.NoError(t, err)
	require.NoError(t, c.SetRSEAttribute(ctx, "TAPE_1", "medium", "tape"))
	require.NoError(t, c.SetRSEAttribute(ctx, "DISK_1", "medium", "disk"))

	rule := &model.Rule{Scope: "data", Name: "f1", Copies: 1, RSEExpression: "medium=tape"}
	require.NoError(t, rules.AddRule(ctx, rule))
	require.NoError(t, rec.Evaluate(ctx, rule.ID))

	queued, err := requests.List(ctx, model.RequestStateQueued, 0)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, "TAPE_1", queued[0].DestRSE)
}

func TestReconcileShedsExcessCopies(t *testing.T) {
	c, _, rules, requests, rec := newTestReconciler(t)
	ctx := context.Background()
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")
	addFileWithReplica(t, c, "data", "f1", "SITE_B", "pfn-2")

	rule := &model.Rule{Scope: "data", Name: "f1", Copies: 2, RSEExpression: "*"}
	require.NoError(t, rules.AddRule(ctx, rule))
	require.NoError(t, rec.Evaluate(ctx, rule.ID))

	// Policy narrows to one copy; the surplus claim is shed and its
	// unclaimed replica queued for deletion.
	require.NoError(t, rules.UpdateRule(ctx, rule.ID, 1, nil, false))
	require.NoError(t, rec.Evaluate(ctx, rule.ID))

	after, err := rules.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	require.Equal(t, 1, after.LocksOK)
	// The lock count is already satisfied, but the deletion intent is
	// still in flight; the rule is not settled yet.
	require.Equal(t, model.RuleStateReplicating, after.State)

	queued, err := requests.List(ctx, model.RequestStateQueued, 0)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, model.RequestTypeDelete, queued[0].Type)
}

func TestReconcileNeverDeletesLastAvailableCopy(t *testing.T) {
	c, _, rules, requests, rec := newTestReconciler(t)
	ctx := context.Background()
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")
	_, err := c.AddRSE(ctx, "SITE_B")
	require.NoError(t, err)

	rule := &model.Rule{Scope: "data", Name: "f1", Copies: 1, RSEExpression: "*"}
	require.NoError(t, rules.AddRule(ctx, rule))
	// A stale surplus claim on a site that no longer holds a copy.
	require.NoError(t, rules.AddLock(ctx, rule.ID, "data", "f1", "SITE_A", model.LockStateOK))
	require.NoError(t, rules.AddLock(ctx, rule.ID, "data", "f1", "SITE_B", model.LockStateOK))

	require.NoError(t, rec.Evaluate(ctx, rule.ID))

	// Shedding happened, but the only AVAILABLE copy was not deleted.
	queued, err := requests.List(ctx, model.RequestStateQueued, 0)
	require.NoError(t, err)
	for _, req := range queued {
		require.NotEqual(t, model.RequestTypeDelete, req.Type)
	}
	r, err := c.GetReplica(ctx, "data", "f1", "SITE_A")
	require.NoError(t, err)
	require.Equal(t, model.ReplicaStateAvailable, r.State)
}

func TestReconcileDatasetGroupingColocates(t *testing.T) {
	c, _, rules, requests, rec := newTestReconciler(t)
	ctx := context.Background()
	require.NoError(t, c.AddDID(ctx, "data", "ds1", model.DIDTypeDataset))
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")
	addFileWithReplica(t, c, "data", "f2", "SITE_A", "pfn-2")
	require.NoError(t, c.Attach(ctx, "data", "ds1", "data", "f1"))
	require.NoError(t, c.Attach(ctx, "data", "ds1", "data", "f2"))
	_, err := c.AddRSE(ctx, "SITE_B")
	require.NoError(t, err)
	_, err = c.AddRSE(ctx, "SITE_C")
	require.NoError(t, err)

	rule := &model.Rule{
		Scope: "data", Name: "ds1", Copies: 2,
		RSEExpression: "*", Grouping: model.GroupingDataset,
	}
	require.NoError(t, rules.AddRule(ctx, rule))
	require.NoError(t, rec.Evaluate(ctx, rule.ID))

	queued, err := requests.List(ctx, model.RequestStateQueued, 0)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	// Both files of the dataset head to the same second site.
	require.Equal(t, queued[0].DestRSE, queued[1].DestRSE)
}

func TestReconcileMoveRuleReleasesOldSites(t *testing.T) {
	c, _, rules, _, rec := newTestReconciler(t)
	ctx := context.Background()
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")
	_, err := c.AddRSE(ctx, "SITE_B")
	require.NoError(t, err)
	require.NoError(t, c.SetRSEAttribute(ctx, "SITE_A", "tier", "1"))
	require.NoError(t, c.SetRSEAttribute(ctx, "SITE_B", "tier", "2"))

	rule := &model.Rule{Scope: "data", Name: "f1", Copies: 1, RSEExpression: "tier=1"}
	require.NoError(t, rules.AddRule(ctx, rule))
	require.NoError(t, rec.Evaluate(ctx, rule.ID))

	after, err := rules.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	require.Equal(t, 1, after.LocksOK)

	require.NoError(t, rules.MoveRule(ctx, rule.ID, "tier=2"))
	require.NoError(t, rec.Evaluate(ctx, rule.ID))

	// The old claim is released; a transfer targets the new tier.
	locks, err := rules.LocksForReplica(ctx, "data", "f1", "SITE_A")
	require.NoError(t, err)
	require.Empty(t, locks)
	r, err := c.GetReplica(ctx, "data", "f1", "SITE_B")
	require.NoError(t, err)
	require.Equal(t, model.ReplicaStateCopying, r.State)
}

func TestReconcileExpiresRulePastLifetime(t *testing.T) {
	c, db, rules, _, rec := newTestReconciler(t)
	ctx := context.Background()
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")

	expires := time.Now().Add(time.Hour)
	rule := &model.Rule{
		Scope: "data", Name: "f1", Copies: 1,
		RSEExpression: "*", ExpiresAt: &expires,
	}
	require.NoError(t, rules.AddRule(ctx, rule))
	require.NoError(t, rec.Evaluate(ctx, rule.ID))

	// Lifetime elapses.
	_, err := db.ExecContext(ctx, `UPDATE rules SET expires_at = ? WHERE id = ?`,
		formatTime(time.Now().Add(-time.Minute)), rule.ID)
	require.NoError(t, err)

	_, err = rec.ClaimTasks(ctx, "worker-1", 10)
	require.NoError(t, err)

	after, err := rules.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	require.Equal(t, model.RuleStateExpired, after.State)
	require.Zero(t, after.LocksOK)

	// The replica itself is untouched.
	r, err := c.GetReplica(ctx, "data", "f1", "SITE_A")
	require.NoError(t, err)
	require.Equal(t, model.ReplicaStateAvailable, r.State)
}
