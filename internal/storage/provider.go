// Package storage selects the author record backend named in configuration.
// This abstraction keeps the orchestrator and API independent of whether
// records live in files, memory, or Postgres.
package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/KennyJian/red-book/internal/config"
	"github.com/KennyJian/red-book/internal/harvest"
	"github.com/KennyJian/red-book/internal/storage/file"
	"github.com/KennyJian/red-book/internal/storage/memory"
	"github.com/KennyJian/red-book/internal/storage/postgres"
)

// Provider bundles an opened record store with a human-readable location.
type Provider struct {
	Store       harvest.RecordStore
	Description string
	closeFn     func()
}

// Close releases backend resources. Safe to call more than once.
func (p *Provider) Close() {
	if p == nil || p.closeFn == nil {
		return
	}
	p.closeFn()
	p.closeFn = nil
}

// Open builds the record store for cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Driver {
	case "", "file":
		store, err := file.New(file.Config{BaseDir: cfg.Dir})
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		logger.Info("record store ready", zap.String("driver", "file"), zap.String("dir", store.Dir()))
		return &Provider{Store: store, Description: "file:" + store.Dir()}, nil
	case "memory":
		logger.Warn("record store is in-memory; records are lost on exit")
		return &Provider{Store: memory.NewRecordStore(), Description: "memory"}, nil
	case "postgres":
		maxConns := cfg.MaxConns
		if maxConns < 0 || maxConns > 1<<15 {
			maxConns = 0
		}
		store, err := postgres.NewRecordStore(ctx, postgres.Config{
			DSN:      cfg.DSN,
			Table:    cfg.Table,
			MaxConns: int32(maxConns), // #nosec G115 -- bounded above
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		logger.Info("record store ready", zap.String("driver", "postgres"), zap.String("table", store.Table()))
		return &Provider{Store: store, Description: "postgres:" + store.Table(), closeFn: store.Close}, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}
