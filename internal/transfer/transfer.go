// Package transfer executes corrective intents against storage sites.
// Backends are PLUGINS: the catalog and daemons never contain
// site-protocol logic, they only observe success or failure.
package transfer

import (
	"context"
	"fmt"
	"sync"

	"github.com/repligrid/repligrid/internal/model"
)

// Service moves and removes physical copies. Implementations must be
// safe for concurrent use; the submission daemon calls them from a
// worker pool.
type Service interface {
	// Name returns the backend identifier used in configuration.
	Name() string

	// Transfer copies the file named by the request from its source
	// site to its destination. Blocking; returns once the copy exists
	// at the destination or has definitively failed.
	Transfer(ctx context.Context, req *model.Request) error

	// Delete removes the physical copy at the request's destination
	// site. Deleting an absent copy is not an error.
	Delete(ctx context.Context, req *model.Request) error
}

// Factory builds a backend instance.
type Factory func() Service

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a backend available by name. Called from backend
// package init functions.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = f
}

// New builds the named backend.
func New(name string) (Service, error) {
	mu.RLock()
	f, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transfer backend '%s'", name)
	}
	return f(), nil
}
