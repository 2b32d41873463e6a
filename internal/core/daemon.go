package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Task is one unit of claimed work. Tasks are designed to be safely
// retried: leases expire and handlers are idempotent, so at-least-once
// processing is assumed throughout.
type Task func(ctx context.Context) error

// ClaimFunc leases up to limit units of pending work to the claim
// token and returns them as tasks. An empty batch means no work.
type ClaimFunc func(ctx context.Context, token string, limit int) ([]Task, error)

// Daemon is the generic bulk/periodic execution shell shared by the
// triage, recovery, reconciliation and submission stages: claim a
// bounded batch, process it with a bounded worker pool, sleep when idle
// and stop cooperatively.
type Daemon struct {
	Name      string
	RunOnce   bool
	Threads   int
	Bulk      int
	SleepTime time.Duration
	Claim     ClaimFunc
	Logger    *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  atomic.Bool
}

// Validate rejects parameters the daemon cannot run with. Checked at
// startup; a failing configuration never enters the loop.
func (d *Daemon) Validate() error {
	if d.Threads < 1 {
		return fmt.Errorf("daemon %s: threads must be >= 1, got %d", d.Name, d.Threads)
	}
	if d.Bulk < 1 {
		return fmt.Errorf("daemon %s: bulk must be >= 1, got %d", d.Name, d.Bulk)
	}
	if d.Claim == nil {
		return fmt.Errorf("daemon %s: no claim function", d.Name)
	}
	return nil
}

// Stop requests a cooperative stop. The in-flight batch finishes; no
// new batch is claimed after the flag is observed.
func (d *Daemon) Stop() {
	d.stopped.Store(true)
	d.stopOnce.Do(func() {
		if d.stopCh != nil {
			close(d.stopCh)
		}
	})
}

// Run executes the daemon loop until stopped or, in run-once mode, for
// exactly one batch.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.stopCh == nil {
		d.stopCh = make(chan struct{})
	}

	for {
		if d.stopped.Load() || ctx.Err() != nil {
			d.Logger.Info("daemon stopping", zap.String("daemon", d.Name))
			return nil
		}

		token := uuid.New().String()
		tasks, err := d.Claim(ctx, token, d.Bulk)
		if err != nil {
			// Transient infrastructure error: the lease lapses and the
			// batch stays claimable; back off via the sleep interval.
			d.Logger.Warn("claim failed",
				zap.String("daemon", d.Name), zap.Error(err))
			if d.RunOnce {
				return err
			}
			if !d.sleep(ctx) {
				return nil
			}
			continue
		}

		if len(tasks) > 0 {
			d.Logger.Debug("claimed batch",
				zap.String("daemon", d.Name), zap.Int("items", len(tasks)))
			d.process(ctx, tasks)
		}

		if d.RunOnce {
			return nil
		}
		// Loop immediately only when the batch hit the bulk limit:
		// there is probably more pending work behind it.
		if len(tasks) < d.Bulk {
			if !d.sleep(ctx) {
				return nil
			}
		}
	}
}

// process runs one batch with up to Threads concurrent workers. Items
// are independent; a failing item is logged and isolated, it never
// aborts the remaining batch. The stop flag is re-checked per item.
func (d *Daemon) process(ctx context.Context, tasks []Task) {
	g := new(errgroup.Group)
	g.SetLimit(d.Threads)
	for _, task := range tasks {
		if d.stopped.Load() || ctx.Err() != nil {
			break
		}
		task := task
		g.Go(func() error {
			if err := task(ctx); err != nil {
				d.Logger.Warn("work item failed",
					zap.String("daemon", d.Name), zap.Error(err))
			}
			return nil
		})
	}
	g.Wait()
}

// sleep waits out the idle interval. Returns false when the daemon
// should exit instead of claiming again.
func (d *Daemon) sleep(ctx context.Context) bool {
	sleepTime := d.SleepTime
	if sleepTime <= 0 {
		sleepTime = time.Second
	}
	timer := time.NewTimer(sleepTime)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-d.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
