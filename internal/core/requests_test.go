package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/repligrid/repligrid/internal/model"
)

func TestRequestCreateIsIdempotentWhileOpen(t *testing.T) {
	_, db := newTestCatalog(t)
	ctx := context.Background()
	rq := NewRequestQueue(db)

	first, created, err := rq.Create(ctx, &model.Request{
		Scope: "data", Name: "f1", DestRSE: "SITE_B",
		SourceRSE: "SITE_A", Type: model.RequestTypeTransfer,
	})
	require.NoError(t, err)
	require.True(t, created)

	// Re-emitting the same intent returns the open request.
	second, created, err := rq.Create(ctx, &model.Request{
		Scope: "data", Name: "f1", DestRSE: "SITE_B",
		SourceRSE: "SITE_A", Type: model.RequestTypeTransfer,
	})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)

	// Still deduplicated while SUBMITTED.
	require.NoError(t, rq.MarkSubmitted(ctx, first.ID))
	_, created, err = rq.Create(ctx, &model.Request{
		Scope: "data", Name: "f1", DestRSE: "SITE_B", Type: model.RequestTypeTransfer,
	})
	require.NoError(t, err)
	require.False(t, created)

	// A different kind against the same destination is a new request.
	_, created, err = rq.Create(ctx, &model.Request{
		Scope: "data", Name: "f1", DestRSE: "SITE_B", Type: model.RequestTypeDelete,
	})
	require.NoError(t, err)
	require.True(t, created)
}

func TestRequestReopensAfterTerminalState(t *testing.T) {
	_, db := newTestCatalog(t)
	ctx := context.Background()
	rq := NewRequestQueue(db)

	first, _, err := rq.Create(ctx, &model.Request{
		Scope: "data", Name: "f1", DestRSE: "SITE_B", Type: model.RequestTypeTransfer,
	})
	require.NoError(t, err)
	require.NoError(t, rq.MarkSubmitted(ctx, first.ID))
	require.NoError(t, rq.Complete(ctx, first.ID))

	// Terminal requests no longer block a fresh intent.
	second, created, err := rq.Create(ctx, &model.Request{
		Scope: "data", Name: "f1", DestRSE: "SITE_B", Type: model.RequestTypeTransfer,
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, first.ID, second.ID)
}

func TestRequestClaimLeases(t *testing.T) {
	_, db := newTestCatalog(t)
	ctx := context.Background()
	rq := NewRequestQueue(db)

	for _, dest := range []string{"SITE_B", "SITE_C"} {
		_, _, err := rq.Create(ctx, &model.Request{
			Scope: "data", Name: "f1", DestRSE: dest, Type: model.RequestTypeTransfer,
		})
		require.NoError(t, err)
	}

	batch, err := rq.ClaimQueued(ctx, "w1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	other, err := rq.ClaimQueued(ctx, "w2", 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestRequestFailRespectsBudget(t *testing.T) {
	_, db := newTestCatalog(t)
	ctx := context.Background()
	rq := NewRequestQueue(db)

	req, _, err := rq.Create(ctx, &model.Request{
		Scope: "data", Name: "f1", DestRSE: "SITE_B", Type: model.RequestTypeTransfer,
	})
	require.NoError(t, err)

	require.NoError(t, rq.MarkSubmitted(ctx, req.ID))
	require.NoError(t, rq.Fail(ctx, req.ID, "timeout", 3))
	after, err := rq.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, model.RequestStateQueued, after.State)
	require.Equal(t, 1, after.Attempts)
	require.Equal(t, "timeout", after.Error)

	require.NoError(t, rq.MarkSubmitted(ctx, req.ID))
	require.NoError(t, rq.Fail(ctx, req.ID, "timeout", 3))
	require.NoError(t, rq.MarkSubmitted(ctx, req.ID))
	require.NoError(t, rq.Fail(ctx, req.ID, "timeout", 3))

	after, err = rq.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, model.RequestStateFailed, after.State)

	// Duplicate submission of a non-QUEUED request conflicts.
	require.ErrorIs(t, rq.MarkSubmitted(ctx, req.ID), ErrConflict)
}
