package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/repligrid/repligrid/internal/model"
)

// fakeBackend fails operations against configured destinations and
// succeeds everywhere else.
type fakeBackend struct {
	mu   sync.Mutex
	fail map[string]error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{fail: make(map[string]error)}
}

func (f *fakeBackend) failDest(rse string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[rse] = err
}

func (f *fakeBackend) restore(rse string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.fail, rse)
}

func (f *fakeBackend) Transfer(ctx context.Context, req *model.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail[req.DestRSE]
}

func (f *fakeBackend) Delete(ctx context.Context, req *model.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail[req.DestRSE]
}

func newTestPipeline(t *testing.T) (*Catalog, *RuleStore, *RequestQueue, *Reconciler, *Submitter, *fakeBackend) {
	t.Helper()
	c, db := newTestCatalog(t)
	rules := NewRuleStore(db, c)
	requests := NewRequestQueue(db)
	rec := NewReconciler(c, rules, requests, testReconcileConfig(), nil)
	backend := newFakeBackend()
	sub := NewSubmitter(c, rules, requests, backend, testReconcileConfig().RetryBudget, time.Minute, nil)
	return c, rules, requests, rec, sub, backend
}

func drainRequests(t *testing.T, ctx context.Context, sub *Submitter, token string) int {
	t.Helper()
	tasks, err := sub.ClaimTasks(ctx, token, 100)
	require.NoError(t, err)
	for _, task := range tasks {
		require.NoError(t, task(ctx))
	}
	return len(tasks)
}

func TestSubmitCompletesTransferEndToEnd(t *testing.T) {
	c, rules, _, rec, sub, _ := newTestPipeline(t)
	ctx := context.Background()
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")
	_, err := c.AddRSE(ctx, "SITE_B")
	require.NoError(t, err)

	rule := &model.Rule{Scope: "data", Name: "f1", Copies: 2, RSEExpression: "*"}
	require.NoError(t, rules.AddRule(ctx, rule))
	require.NoError(t, rec.Evaluate(ctx, rule.ID))
	require.Equal(t, 1, drainRequests(t, ctx, sub, "w1"))

	// The destination copy arrived and the claim settled.
	r, err := c.GetReplica(ctx, "data", "f1", "SITE_B")
	require.NoError(t, err)
	require.Equal(t, model.ReplicaStateAvailable, r.State)

	require.NoError(t, rec.Evaluate(ctx, rule.ID))
	after, err := rules.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	require.Equal(t, model.RuleStateOK, after.State)
	require.Equal(t, 2, after.LocksOK)
}

func TestSubmitRetriesThenSticks(t *testing.T) {
	c, rules, requests, rec, sub, backend := newTestPipeline(t)
	ctx := context.Background()
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")
	_, err := c.AddRSE(ctx, "SITE_B")
	require.NoError(t, err)
	backend.failDest("SITE_B", errors.New("endpoint refused"))

	rule := &model.Rule{Scope: "data", Name: "f1", Copies: 2, RSEExpression: "*"}
	require.NoError(t, rules.AddRule(ctx, rule))
	require.NoError(t, rec.Evaluate(ctx, rule.ID))

	// First attempt fails under the budget: back on the queue.
	require.Equal(t, 1, drainRequests(t, ctx, sub, "w1"))
	queued, err := requests.List(ctx, model.RequestStateQueued, 0)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, 1, queued[0].Attempts)

	// Second attempt exhausts the budget of 2.
	require.Equal(t, 1, drainRequests(t, ctx, sub, "w2"))
	failed, err := requests.List(ctx, model.RequestStateFailed, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	require.NoError(t, rec.Evaluate(ctx, rule.ID))
	after, err := rules.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	require.Equal(t, model.RuleStateStuck, after.State)
	require.Equal(t, 1, after.LocksStuck)

	// STUCK is terminal until an operator intervenes: a further
	// evaluation emits no new work.
	require.NoError(t, rec.Evaluate(ctx, rule.ID))
	require.Zero(t, drainRequests(t, ctx, sub, "w3"))
}

func TestSubmitOperatorResetRetriesStuckRule(t *testing.T) {
	c, rules, _, rec, sub, backend := newTestPipeline(t)
	ctx := context.Background()
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")
	_, err := c.AddRSE(ctx, "SITE_B")
	require.NoError(t, err)
	backend.failDest("SITE_B", errors.New("endpoint refused"))

	rule := &model.Rule{Scope: "data", Name: "f1", Copies: 2, RSEExpression: "*"}
	require.NoError(t, rules.AddRule(ctx, rule))
	require.NoError(t, rec.Evaluate(ctx, rule.ID))
	drainRequests(t, ctx, sub, "w1")
	drainRequests(t, ctx, sub, "w2")
	require.NoError(t, rec.Evaluate(ctx, rule.ID))

	// Site fixed, operator resets the rule.
	backend.restore("SITE_B")
	require.NoError(t, rules.UpdateRule(ctx, rule.ID, 0, nil, true))
	require.NoError(t, rec.Evaluate(ctx, rule.ID))
	require.Equal(t, 1, drainRequests(t, ctx, sub, "w3"))

	r, err := c.GetReplica(ctx, "data", "f1", "SITE_B")
	require.NoError(t, err)
	require.Equal(t, model.ReplicaStateAvailable, r.State)

	require.NoError(t, rec.Evaluate(ctx, rule.ID))
	after, err := rules.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	require.Equal(t, model.RuleStateOK, after.State)

	// The old exhausted request is history; it must not drag the rule
	// back to STUCK on later cycles.
	require.NoError(t, rec.Evaluate(ctx, rule.ID))
	after, err = rules.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	require.Equal(t, model.RuleStateOK, after.State)
}

func TestSubmitDeleteTombstonesReplica(t *testing.T) {
	c, rules, requests, rec, sub, _ := newTestPipeline(t)
	ctx := context.Background()
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")
	addFileWithReplica(t, c, "data", "f1", "SITE_B", "pfn-2")

	rule := &model.Rule{Scope: "data", Name: "f1", Copies: 2, RSEExpression: "*"}
	require.NoError(t, rules.AddRule(ctx, rule))
	require.NoError(t, rec.Evaluate(ctx, rule.ID))
	require.NoError(t, rules.UpdateRule(ctx, rule.ID, 1, nil, false))
	require.NoError(t, rec.Evaluate(ctx, rule.ID))

	require.Equal(t, 1, drainRequests(t, ctx, sub, "w1"))

	done, err := requests.List(ctx, model.RequestStateDone, 0)
	require.NoError(t, err)
	require.Len(t, done, 1)
	require.Equal(t, model.RequestTypeDelete, done[0].Type)

	r, err := c.GetReplica(ctx, "data", "f1", done[0].DestRSE)
	require.NoError(t, err)
	require.NotNil(t, r.TombstonedAt)

	// Exactly one AVAILABLE copy survives.
	replicas, err := c.ListReplicas(ctx, "data", "f1")
	require.NoError(t, err)
	require.Len(t, replicas, 1)
	require.Equal(t, model.ReplicaStateAvailable, replicas[0].State)

	// With the deletion landed the rule settles.
	require.NoError(t, rec.Evaluate(ctx, rule.ID))
	after, err := rules.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	require.Equal(t, model.RuleStateOK, after.State)
}
