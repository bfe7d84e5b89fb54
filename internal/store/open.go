package store

import (
	"fmt"

	"github.com/stellarlinkco/tagflow/internal/config"
)

// Open builds the backend selected by cfg.Backend.
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", config.StoreBackendFile:
		return NewFileStore(cfg.RegistryPath, cfg.MessagesDir)
	case config.StoreBackendSQLite:
		return NewSQLiteStore(cfg.DBPath)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}
