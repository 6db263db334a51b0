package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/identra/identra/pkg/persistence"
	"github.com/identra/identra/pkg/persistence/memory"
	"github.com/identra/identra/pkg/persistence/postgresql"
)

// NewPersistence creates a persistence layer for the given database URL.
// A postgres:// URL selects PostgreSQL; anything else falls back to the
// in-memory store, which does not survive restarts.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to create PostgreSQL persistence: %w", err))
		}

		return store
	default:
		return memory.NewPersistence()
	}
}
