package cmd

import (
	"fmt"
	"strings"

	"github.com/identra/identra/pkg/projection"
)

// NewReadModelStore creates a projection store for the given URL. A redis://
// URL selects Redis; anything else falls back to the in-memory store.
func NewReadModelStore(storeURL string) projection.Store {
	switch {
	case strings.HasPrefix(storeURL, "redis://"), strings.HasPrefix(storeURL, "rediss://"):
		store, err := projection.NewRedisStoreFromURL(storeURL)
		if err != nil {
			panic(fmt.Errorf("failed to create Redis read model store: %w", err))
		}

		return store
	default:
		return projection.NewMemoryStore()
	}
}
