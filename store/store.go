// Package store holds the flat key/value contract used to persist provider
// settings and permission decisions, with memory, JSON file and SQLite
// backends.
package store

import (
	"context"
	"strings"

	"github.com/m4xw311/toolhub/config"
	"github.com/m4xw311/toolhub/errors"
)

// Keys for the active provider configuration.
const (
	KeyProvider = "provider"
	KeyModel    = "model"
	KeyAPIKey   = "apiKey"
	KeyBaseURL  = "baseURL"
)

// KV is a flat string key/value store. Implementations allow concurrent
// readers; writes are exclusive.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// List returns every entry whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string]string, error)
	Close() error
}

// Open builds the backend selected by cfg.
func Open(cfg config.Store) (KV, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return OpenFile(cfg.Path)
	case "sqlite":
		return OpenSQLite(cfg.Path)
	default:
		return nil, errors.New("unknown store driver %q", cfg.Driver)
	}
}
