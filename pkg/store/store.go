// Package store opens and migrates the relational database that backs the
// job, workflow, and workflow run tables.
//
// The pure-Go SQLite driver is used by default; cgo-enabled builds switch to
// libsql so remote libsql URLs can be used as well.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MemoryPath opens a private in-memory database. Used by tests.
const MemoryPath = ":memory:"

// DefaultBusyTimeout is how long a local database waits on a locked file.
const DefaultBusyTimeout = 5 * time.Second

// ErrRemoteUnsupported is returned for a remote URL in a build without libsql.
var ErrRemoteUnsupported = errors.New("remote store urls need a cgo-enabled build")

// Config selects the database. URL wins over Path when both are set.
type Config struct {
	// Path is a filesystem path, a file: URI, or MemoryPath.
	Path string

	// URL is a remote libsql endpoint such as libsql://orchestra.turso.io.
	URL string

	// AuthToken is sent with URL as its authToken query parameter unless the
	// URL already carries one.
	AuthToken string

	// BusyTimeout bounds lock waits on local databases. Zero means
	// DefaultBusyTimeout.
	BusyTimeout time.Duration
}

type targetKind int

const (
	kindMemory targetKind = iota
	kindFile
	kindRemote
)

// target is a resolved Config: what to hand the driver and how to prepare it.
type target struct {
	kind targetKind
	dsn  string
	// dir is created before opening a file database.
	dir string
}

var remoteSchemes = map[string]bool{"libsql": true, "http": true, "https": true, "ws": true, "wss": true}

func resolveTarget(cfg Config) (target, error) {
	rawURL := strings.TrimSpace(cfg.URL)
	path := strings.TrimSpace(cfg.Path)

	switch {
	case rawURL != "":
		u, err := url.Parse(rawURL)
		if err != nil {
			return target{}, fmt.Errorf("invalid store url: %w", err)
		}
		if !remoteSchemes[u.Scheme] {
			return target{}, fmt.Errorf("store url scheme %q is not a remote database", u.Scheme)
		}
		if token := strings.TrimSpace(cfg.AuthToken); token != "" {
			q := u.Query()
			if q.Get("authToken") == "" {
				q.Set("authToken", token)
				u.RawQuery = q.Encode()
			}
		}
		return target{kind: kindRemote, dsn: u.String()}, nil

	case path == "":
		return target{}, errors.New("store path or url is required")

	case path == MemoryPath:
		return target{kind: kindMemory, dsn: MemoryPath}, nil

	case strings.HasPrefix(path, "libsql:"):
		return target{kind: kindRemote, dsn: path}, nil

	case strings.HasPrefix(path, "file:"):
		u, err := url.Parse(path)
		if err != nil {
			return target{}, fmt.Errorf("invalid store path: %w", err)
		}
		local := u.Path
		if local == "" {
			local = u.Opaque
		}
		return target{kind: kindFile, dsn: path, dir: parentDir(strings.TrimPrefix(local, "//"))}, nil

	default:
		clean := filepath.Clean(path)
		return target{kind: kindFile, dsn: "file:" + clean, dir: parentDir(clean)}, nil
	}
}

func parentDir(path string) string {
	dir := filepath.Dir(path)
	if dir == "." || dir == string(filepath.Separator) {
		return ""
	}
	return dir
}

// Open opens the database described by cfg, creating the parent directory of
// a local file when needed.
//
// Local databases are pinned to one connection. File databases additionally
// run in WAL mode with a busy timeout.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	t, err := resolveTarget(cfg)
	if err != nil {
		return nil, err
	}
	if t.kind == kindRemote && !remoteSupported {
		return nil, ErrRemoteUnsupported
	}
	if t.dir != "" {
		// #nosec G301 -- data directories use 0755 for multi-user access compatibility
		if err := os.MkdirAll(t.dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open(driverName, t.dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := prepare(ctx, db, t, cfg); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	return db, nil
}

func prepare(ctx context.Context, db *sql.DB, t target, cfg Config) error {
	if t.kind == kindRemote {
		return nil
	}
	// An in-memory database dies with its connection and a file database
	// serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if t.kind != kindFile {
		return nil
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = DefaultBusyTimeout
	}
	pragmas := []string{
		"journal_mode=WAL",
		fmt.Sprintf("busy_timeout=%d", busy.Milliseconds()),
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, p := range pragmas {
		// Both drivers answer these pragmas with a row; libsql rejects them via Exec.
		var out any
		if err := db.QueryRowContext(ctx, "PRAGMA "+p).Scan(&out); err != nil {
			return fmt.Errorf("pragma %s: %w", p, err)
		}
	}
	return nil
}

// OpenMigrated opens the database and applies the schema in one step.
func OpenMigrated(ctx context.Context, cfg Config) (*sql.DB, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
