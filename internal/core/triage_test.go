package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/repligrid/repligrid/internal/config"
	"github.com/repligrid/repligrid/internal/model"
)

func testTriageConfig() config.TriageConfig {
	return config.TriageConfig{
		ConfirmationThreshold: 5,
		OccurrenceWindow:      config.Duration(24 * time.Hour),
		UnavailableTTL:        config.Duration(3 * time.Hour),
		LeaseTTL:              config.Duration(time.Minute),
	}
}

func TestTriageSingleStrikeIsTransient(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")
	triage := NewTriage(c, testTriageConfig(), nil)

	d, err := c.DeclareBadPFN(ctx, "SITE_A", "pfn-1", "read error")
	require.NoError(t, err)
	require.NoError(t, triage.Classify(ctx, d))

	r, err := c.GetReplica(ctx, "data", "f1", "SITE_A")
	require.NoError(t, err)
	require.Equal(t, model.ReplicaStateTemporaryUnavailable, r.State)
	require.NotNil(t, r.UnavailableUntil)

	after, err := c.GetBadPFN(ctx, "SITE_A", "pfn-1")
	require.NoError(t, err)
	require.Equal(t, model.BadPFNStateClassified, after.State)
	require.Equal(t, model.ClassificationTransient, after.ClassifiedAs)
}

func TestTriageRepeatedStrikesConfirmBad(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")
	triage := NewTriage(c, testTriageConfig(), nil)

	var last *model.BadPFN
	for i := 0; i < 5; i++ {
		d, err := c.DeclareBadPFN(ctx, "SITE_A", "pfn-1", "read error")
		require.NoError(t, err)
		last = d
		require.NoError(t, triage.Classify(ctx, d))
	}
	require.Equal(t, 5, last.Occurrences)

	// The fifth strike condemns the copy, transitioning it out of the
	// TEMPORARY_UNAVAILABLE the earlier transient verdicts put it in.
	r, err := c.GetReplica(ctx, "data", "f1", "SITE_A")
	require.NoError(t, err)
	require.Equal(t, model.ReplicaStateBad, r.State)

	after, err := c.GetBadPFN(ctx, "SITE_A", "pfn-1")
	require.NoError(t, err)
	require.Equal(t, model.ClassificationBad, after.ClassifiedAs)
}

func TestTriageDegradedSiteStaysTransient(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")
	require.NoError(t, c.SetRSEDegraded(ctx, "SITE_A", time.Now().Add(time.Hour)))
	triage := NewTriage(c, testTriageConfig(), nil)

	// Even past the confirmation threshold a degraded site's reports
	// are presumed transient.
	var d *model.BadPFN
	var err error
	for i := 0; i < 6; i++ {
		d, err = c.DeclareBadPFN(ctx, "SITE_A", "pfn-1", "timeout")
		require.NoError(t, err)
	}
	require.NoError(t, triage.Classify(ctx, d))

	r, err := c.GetReplica(ctx, "data", "f1", "SITE_A")
	require.NoError(t, err)
	require.Equal(t, model.ReplicaStateTemporaryUnavailable, r.State)
}

func TestTriageUnknownPFNClassifiedWithoutReplica(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()
	_, err := c.AddRSE(ctx, "SITE_A")
	require.NoError(t, err)
	triage := NewTriage(c, testTriageConfig(), nil)

	d, err := c.DeclareBadPFN(ctx, "SITE_A", "pfn-ghost", "not ours")
	require.NoError(t, err)
	require.NoError(t, triage.Classify(ctx, d))

	after, err := c.GetBadPFN(ctx, "SITE_A", "pfn-ghost")
	require.NoError(t, err)
	require.Equal(t, model.BadPFNStateClassified, after.State)
}

func TestTriageDuplicateClassificationIsNoOp(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")
	triage := NewTriage(c, testTriageConfig(), nil)

	d, err := c.DeclareBadPFN(ctx, "SITE_A", "pfn-1", "read error")
	require.NoError(t, err)
	require.NoError(t, triage.Classify(ctx, d))
	// A second worker processing the same stale claim sees conflicts
	// everywhere and reports success.
	require.NoError(t, triage.Classify(ctx, d))
}

func TestTriageClaimTasksSweepsAndClaims(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()
	addFileWithReplica(t, c, "data", "f1", "SITE_A", "pfn-1")
	triage := NewTriage(c, testTriageConfig(), nil)

	_, err := c.DeclareBadPFN(ctx, "SITE_A", "pfn-1", "read error")
	require.NoError(t, err)

	tasks, err := triage.ClaimTasks(ctx, "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NoError(t, tasks[0](ctx))

	r, err := c.GetReplica(ctx, "data", "f1", "SITE_A")
	require.NoError(t, err)
	require.Equal(t, model.ReplicaStateTemporaryUnavailable, r.State)
}
