package database

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/kozaktomas/face-watch/internal/config"
)

// SchemeFilesystem is the backend used when no DATABASE_URL is configured.
const SchemeFilesystem = "file"

// Opener creates a storage backend from configuration. The encoder is used by
// backends that only persist images and must re-encode them on load.
type Opener func(ctx context.Context, cfg *config.StorageConfig, enc FaceEncoder, logger *slog.Logger) (FaceStorage, error)

var (
	backends   = make(map[string]Opener)
	backendsMu sync.RWMutex
)

// RegisterBackend registers a storage backend for a DATABASE_URL scheme.
// Backend packages call this from init() to avoid import cycles.
func RegisterBackend(scheme string, open Opener) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[scheme] = open
}

// Backends returns the registered schemes, sorted.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	out := make([]string, 0, len(backends))
	for s := range backends {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// BackendScheme returns the scheme selecting the backend for a DATABASE_URL.
func BackendScheme(databaseURL string) (string, error) {
	if databaseURL == "" {
		return SchemeFilesystem, nil
	}
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "postgresql" {
		scheme = "postgres"
	}
	if scheme == "mariadb" {
		scheme = "mysql"
	}
	if scheme == "" {
		return "", fmt.Errorf("DATABASE_URL %q has no scheme", databaseURL)
	}
	return scheme, nil
}

// Open creates the storage backend selected by cfg.DatabaseURL.
func Open(ctx context.Context, cfg *config.StorageConfig, enc FaceEncoder, logger *slog.Logger) (FaceStorage, error) {
	scheme, err := BackendScheme(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	backendsMu.RLock()
	open, ok := backends[scheme]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no storage backend registered for %q (have %v)", scheme, Backends())
	}

	if logger == nil {
		logger = slog.Default()
	}
	storage, err := open(ctx, cfg, enc, logger)
	if err != nil {
		return nil, fmt.Errorf("opening %s storage: %w", scheme, err)
	}
	return storage, nil
}
