package core

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/repligrid/repligrid/internal/model"
)

func newTestCatalog(t *testing.T) (*Catalog, *sql.DB) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	db, err := OpenDB(dbPath, "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c := NewCatalog(db)
	require.NoError(t, c.Initialize(context.Background()))
	return c, db
}

// addFileWithReplica is the common fixture: an RSE, a file DID and one
// AVAILABLE replica of it.
func addFileWithReplica(t *testing.T, c *Catalog, scope, name, rse, pfn string) {
	t.Helper()
	ctx := context.Background()
	if _, err := c.GetRSE(ctx, rse); errors.Is(err, ErrNotFound) {
		_, err = c.AddRSE(ctx, rse)
		require.NoError(t, err)
	}
	if _, err := c.GetDID(ctx, scope, name); errors.Is(err, ErrNotFound) {
		require.NoError(t, c.AddDID(ctx, scope, name, model.DIDTypeFile))
	}
	require.NoError(t, c.AddReplica(ctx, &model.Replica{
		Scope: scope, Name: name, RSE: rse, PFN: pfn,
		Bytes: 1024, State: model.ReplicaStateAvailable,
	}))
}

func TestTransitionFollowsStateMachine(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")

	// Legal chain: AVAILABLE -> BAD -> BEING_DELETED.
	require.NoError(t, c.Transition(ctx, "data", "f1", "SITE_A",
		model.ReplicaStateAvailable, model.ReplicaStateBad, "checksum mismatch"))
	require.NoError(t, c.Transition(ctx, "data", "f1", "SITE_A",
		model.ReplicaStateBad, model.ReplicaStateBeingDeleted, ""))

	r, err := c.GetReplica(ctx, "data", "f1", "SITE_A")
	require.NoError(t, err)
	require.Equal(t, model.ReplicaStateBeingDeleted, r.State)
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")
	require.NoError(t, c.Transition(ctx, "data", "f1", "SITE_A",
		model.ReplicaStateAvailable, model.ReplicaStateBad, "lost"))

	// BAD never goes back to AVAILABLE.
	err := c.Transition(ctx, "data", "f1", "SITE_A",
		model.ReplicaStateBad, model.ReplicaStateAvailable, "")
	require.ErrorIs(t, err, ErrConflict)

	// An in-flight copy either lands or stays in flight; it cannot be
	// condemned before it exists.
	require.NoError(t, c.AddReplica(ctx, &model.Replica{
		Scope: "data", Name: "f1", RSE: "SITE_B",
		PFN: "pfn-1b", Bytes: 1024, State: model.ReplicaStateCopying,
	}))
	err = c.Transition(ctx, "data", "f1", "SITE_B",
		model.ReplicaStateCopying, model.ReplicaStateBad, "")
	require.ErrorIs(t, err, ErrConflict)
}

func TestTransitionConflictOnStaleExpectation(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")
	require.NoError(t, c.Transition(ctx, "data", "f1", "SITE_A",
		model.ReplicaStateAvailable, model.ReplicaStateBad, "lost"))

	// Second worker expecting AVAILABLE observes the conflict instead of
	// overwriting the first worker's transition.
	err := c.Transition(ctx, "data", "f1", "SITE_A",
		model.ReplicaStateAvailable, model.ReplicaStateTemporaryUnavailable, "")
	require.ErrorIs(t, err, ErrConflict)

	err = c.Transition(ctx, "data", "missing", "SITE_A",
		model.ReplicaStateAvailable, model.ReplicaStateBad, "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAddReplicaConflictsOnLiveDuplicate(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")

	err := c.AddReplica(ctx, &model.Replica{
		Scope: "data", Name: "f1", RSE: "SITE_A", PFN: "pfn-other",
		State: model.ReplicaStateAvailable,
	})
	require.ErrorIs(t, err, ErrConflict)
}

func TestAddReplicaRevivesTombstonedLocation(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")

	require.NoError(t, c.Transition(ctx, "data", "f1", "SITE_A",
		model.ReplicaStateAvailable, model.ReplicaStateBad, "lost"))
	require.NoError(t, c.Transition(ctx, "data", "f1", "SITE_A",
		model.ReplicaStateBad, model.ReplicaStateBeingDeleted, ""))
	require.NoError(t, c.TombstoneReplica(ctx, "data", "f1", "SITE_A"))

	// After the cooldown the site may host the file again.
	require.NoError(t, c.AddReplica(ctx, &model.Replica{
		Scope: "data", Name: "f1", RSE: "SITE_A", PFN: "pfn-2",
		State: model.ReplicaStateCopying,
	}))
	r, err := c.GetReplica(ctx, "data", "f1", "SITE_A")
	require.NoError(t, err)
	require.Equal(t, model.ReplicaStateCopying, r.State)
	require.Nil(t, r.TombstonedAt)
	require.Equal(t, "pfn-2", r.PFN)
}

func TestDeclareBadPFNAccumulatesOccurrences(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")

	for i := 1; i <= 3; i++ {
		d, err := c.DeclareBadPFN(ctx, "SITE_A", "pfn-1", "read error")
		require.NoError(t, err)
		require.Equal(t, i, d.Occurrences)
		require.Equal(t, model.BadPFNStateNew, d.State)
	}
}

func TestDeclareBadPFNReopensClassified(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")

	d, err := c.DeclareBadPFN(ctx, "SITE_A", "pfn-1", "read error")
	require.NoError(t, err)
	require.NoError(t, c.ClassifyDeclaration(ctx, d.ID, model.ClassificationTransient))

	// A later report reopens the declaration for another triage pass.
	d2, err := c.DeclareBadPFN(ctx, "SITE_A", "pfn-1", "read error again")
	require.NoError(t, err)
	require.Equal(t, model.BadPFNStateNew, d2.State)
	require.Equal(t, 2, d2.Occurrences)
}

func TestClassifyDeclarationDuplicateConflicts(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")

	d, err := c.DeclareBadPFN(ctx, "SITE_A", "pfn-1", "read error")
	require.NoError(t, err)
	require.NoError(t, c.ClassifyDeclaration(ctx, d.ID, model.ClassificationBad))
	err = c.ClassifyDeclaration(ctx, d.ID, model.ClassificationTransient)
	require.ErrorIs(t, err, ErrConflict)
}

func TestClaimNewDeclarationsLeases(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")
	addFileWithReplica(t, c, "data", "f2", "SITE_A", "pfn-2")
	_, err := c.DeclareBadPFN(ctx, "SITE_A", "pfn-1", "x")
	require.NoError(t, err)
	_, err = c.DeclareBadPFN(ctx, "SITE_A", "pfn-2", "x")
	require.NoError(t, err)

	first, err := c.ClaimNewDeclarations(ctx, "worker-1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 2)

	// A second worker inside the lease window gets nothing.
	second, err := c.ClaimNewDeclarations(ctx, "worker-2", 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, second)
}

func TestMarkTemporaryUnavailableAndRestore(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")

	require.NoError(t, c.MarkTemporaryUnavailable(ctx, "data", "f1", "SITE_A", "site flaky", time.Hour))
	r, err := c.GetReplica(ctx, "data", "f1", "SITE_A")
	require.NoError(t, err)
	require.Equal(t, model.ReplicaStateTemporaryUnavailable, r.State)
	require.NotNil(t, r.UnavailableUntil)

	// Marking again conflicts: the copy is no longer AVAILABLE.
	err = c.MarkTemporaryUnavailable(ctx, "data", "f1", "SITE_A", "again", time.Hour)
	require.ErrorIs(t, err, ErrConflict)

	require.NoError(t, c.RestoreAvailable(ctx, "data", "f1", "SITE_A"))
	r, err = c.GetReplica(ctx, "data", "f1", "SITE_A")
	require.NoError(t, err)
	require.Equal(t, model.ReplicaStateAvailable, r.State)
	require.Nil(t, r.UnavailableUntil)
}

func TestSweepExpiredUnavailableRedeclares(t *testing.T) {
	c, db := newTestCatalog(t)
	ctx := context.Background()
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")
	require.NoError(t, c.MarkTemporaryUnavailable(ctx, "data", "f1", "SITE_A", "flaky", time.Hour))

	// Backdate the expiry.
	_, err := db.ExecContext(ctx, `UPDATE replicas SET unavailable_until = ?`,
		formatTime(time.Now().Add(-time.Minute)))
	require.NoError(t, err)

	n, err := c.SweepExpiredUnavailable(ctx, 10, 3*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Expiry does not restore AVAILABLE; it re-queues a declaration for
	// triage to decide.
	r, err := c.GetReplica(ctx, "data", "f1", "SITE_A")
	require.NoError(t, err)
	require.Equal(t, model.ReplicaStateTemporaryUnavailable, r.State)

	d, err := c.GetBadPFN(ctx, "SITE_A", "pfn-1")
	require.NoError(t, err)
	require.Equal(t, model.BadPFNStateNew, d.State)

	// The sweep pushed the expiry forward by the configured window; a
	// rerun re-queues nothing.
	r, err = c.GetReplica(ctx, "data", "f1", "SITE_A")
	require.NoError(t, err)
	require.NotNil(t, r.UnavailableUntil)
	require.WithinDuration(t, time.Now().Add(3*time.Hour), *r.UnavailableUntil, time.Minute)

	n, err = c.SweepExpiredUnavailable(ctx, 10, 3*time.Hour)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestAttachRespectsOpenFlag(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()
	require.NoError(t, c.AddDID(ctx, "data", "ds1", model.DIDTypeDataset))
	require.NoError(t, c.AddDID(ctx, "data", "f1", model.DIDTypeFile))
	require.NoError(t, c.AddDID(ctx, "data", "f2", model.DIDTypeFile))

	require.NoError(t, c.Attach(ctx, "data", "ds1", "data", "f1"))
	require.NoError(t, c.SetDIDOpen(ctx, "data", "ds1", false))
	err := c.Attach(ctx, "data", "ds1", "data", "f2")
	require.ErrorIs(t, err, ErrConflict)
}

func TestListFilesWalksContainers(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()
	require.NoError(t, c.AddDID(ctx, "data", "cont", model.DIDTypeContainer))
	require.NoError(t, c.AddDID(ctx, "data", "ds1", model.DIDTypeDataset))
	require.NoError(t, c.AddDID(ctx, "data", "ds2", model.DIDTypeDataset))
	for _, name := range []string{"f1", "f2", "f3"} {
		require.NoError(t, c.AddDID(ctx, "data", name, model.DIDTypeFile))
	}
	require.NoError(t, c.Attach(ctx, "data", "cont", "data", "ds1"))
	require.NoError(t, c.Attach(ctx, "data", "cont", "data", "ds2"))
	require.NoError(t, c.Attach(ctx, "data", "ds1", "data", "f1"))
	require.NoError(t, c.Attach(ctx, "data", "ds1", "data", "f2"))
	require.NoError(t, c.Attach(ctx, "data", "ds2", "data", "f2"))
	require.NoError(t, c.Attach(ctx, "data", "ds2", "data", "f3"))

	files, err := c.ListFiles(ctx, "data", "cont")
	require.NoError(t, err)
	require.Len(t, files, 3) // f2 deduplicated
}

func TestExclusionKeepsLaterDeadline(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()

	later := time.Now().Add(2 * time.Hour)
	sooner := time.Now().Add(30 * time.Minute)
	require.NoError(t, c.AddExclusion(ctx, "data", "f1", "SITE_A", later))
	require.NoError(t, c.AddExclusion(ctx, "data", "f1", "SITE_A", sooner))

	excluded, err := c.ExcludedRSEs(ctx, "data", "f1")
	require.NoError(t, err)
	require.True(t, excluded["SITE_A"])

	require.NoError(t, c.PurgeExpiredExclusions(ctx))
	excluded, err = c.ExcludedRSEs(ctx, "data", "f1")
	require.NoError(t, err)
	require.True(t, excluded["SITE_A"], "later deadline must survive the earlier one")
}

func TestRuleEvalQueueDeduplicates(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.EnqueueRuleEval(ctx, "rule-1", "replica lost"))
	require.NoError(t, c.EnqueueRuleEval(ctx, "rule-1", "replica lost again"))
	require.NoError(t, c.EnqueueRuleEval(ctx, "rule-2", "created"))

	ids, err := c.ClaimRuleEvals(ctx, "worker-1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	for _, id := range ids {
		require.NoError(t, c.FinishRuleEval(ctx, id))
	}
	ids, err = c.ClaimRuleEvals(ctx, "worker-1", 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, ids)
}
