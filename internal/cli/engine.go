// Package cli provides the engine integration for the repligrid CLI.
package cli

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/repligrid/repligrid/internal/config"
	"github.com/repligrid/repligrid/internal/core"
)

// Engine holds the repligrid core components.
type Engine struct {
	DB       *sql.DB
	Catalog  *core.Catalog
	Rules    *core.RuleStore
	Requests *core.RequestQueue
	Config   *config.Config
}

// Global engine instance
var engine *Engine

// InitEngine loads the configuration and opens the catalog.
func InitEngine() (*Engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	passphrase := os.Getenv("REPLIGRID_PASSPHRASE") // Optional encryption
	if passphrase == "" {
		passphrase = cfg.Catalog.Passphrase
	}

	db, err := core.OpenDB(cfg.Catalog.Path, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	catalog := core.NewCatalog(db)
	if err := catalog.Initialize(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Engine{
		DB:       db,
		Catalog:  catalog,
		Rules:    core.NewRuleStore(db, catalog),
		Requests: core.NewRequestQueue(db),
		Config:   cfg,
	}, nil
}

// GetEngine returns the engine, initializing if needed.
func GetEngine() (*Engine, error) {
	if engine != nil {
		return engine, nil
	}
	e, err := InitEngine()
	if err != nil {
		return nil, err
	}
	engine = e
	return engine, nil
}

// Close releases the engine's database handle.
func (e *Engine) Close() error {
	if engine == e {
		engine = nil
	}
	return e.DB.Close()
}
