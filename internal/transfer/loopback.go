package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/repligrid/repligrid/internal/model"
)

func init() {
	Register("loopback", func() Service { return NewLoopback() })
}

// Loopback is an in-process backend that completes every operation
// immediately. It serves single-node deployments where replicas are
// bookkeeping entries rather than remote files, and it is the backend
// the daemons are exercised against in tests. Destinations can be
// forced to fail to simulate a broken site.
type Loopback struct {
	// Latency delays each operation, simulating a slow link.
	Latency time.Duration

	mu      sync.RWMutex
	failing map[string]string // dest RSE -> error message
}

// NewLoopback creates a loopback backend.
func NewLoopback() *Loopback {
	return &Loopback{failing: make(map[string]string)}
}

// Name returns the backend identifier.
func (l *Loopback) Name() string { return "loopback" }

// FailDestination makes every operation against the site fail with the
// given message until RestoreDestination.
func (l *Loopback) FailDestination(rse, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failing[rse] = message
}

// RestoreDestination clears a forced failure.
func (l *Loopback) RestoreDestination(rse string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failing, rse)
}

// Transfer completes the copy instantly.
func (l *Loopback) Transfer(ctx context.Context, req *model.Request) error {
	return l.perform(ctx, req.DestRSE)
}

// Delete completes the removal instantly.
func (l *Loopback) Delete(ctx context.Context, req *model.Request) error {
	return l.perform(ctx, req.DestRSE)
}

func (l *Loopback) perform(ctx context.Context, dest string) error {
	if l.Latency > 0 {
		timer := time.NewTimer(l.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	l.mu.RLock()
	message, broken := l.failing[dest]
	l.mu.RUnlock()
	if broken {
		return fmt.Errorf("site %s: %s", dest, message)
	}
	return ctx.Err()
}
