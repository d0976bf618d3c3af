package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DBFile is the database file name inside the store directory.
const DBFile = "docs.db"

// DB is a SQLite-backed Store. Several processes may open the same
// directory; changes made by one are picked up by the others' watchers via
// the directory watcher in watch.go.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
	hub  *hub

	fsw      *fsWatcher
	closeOne sync.Once
}

// Open opens or creates the document database in the given directory.
func Open(dir string) (*DB, error) {
	dbPath := filepath.Join(dir, DBFile)

	// Ensure directory exists
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	// Immediate transactions take the write lock up front, so two processes
	// updating the same document wait on busy_timeout instead of failing.
	db, err := sql.Open("sqlite", dbPath+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: PRAGMAs below apply to it, and writes are serialized.
	db.SetMaxOpenConns(1)

	// WAL mode for concurrent readers in other processes
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	// Monotonic write counter shared by all processes using the file.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		);
		INSERT OR IGNORE INTO _meta (key, value) VALUES ('seq', 0);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _docs (
			path       TEXT PRIMARY KEY,
			body       BLOB NOT NULL,
			version    INTEGER NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create docs table: %w", err)
	}

	d := &DB{db: db, path: dbPath, hub: newHub()}

	fsw, err := newFSWatcher(dir, d.pollWatched)
	if err != nil {
		// Still usable within one process; cross-process changes are missed.
		log.Warnf("directory watch on %s unavailable: %v", dir, err)
	} else {
		d.fsw = fsw
	}

	return d, nil
}

// Close closes the database
func (d *DB) Close() error {
	var err error
	d.closeOne.Do(func() {
		if d.fsw != nil {
			d.fsw.Close()
		}
		d.hub.close()
		err = d.db.Close()
	})
	return err
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

func (d *DB) Get(ctx context.Context, path string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	body, _, err := d.read(ctx, d.db, path)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, ErrNotFound
	}
	return body, nil
}

func (d *DB) Set(ctx context.Context, path string, body []byte) error {
	return d.Update(ctx, path, func([]byte) ([]byte, error) { return body, nil })
}

func (d *DB) Delete(ctx context.Context, path string) error {
	return d.Update(ctx, path, func([]byte) ([]byte, error) { return nil, nil })
}

func (d *DB) Update(ctx context.Context, path string, fn UpdateFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	cur, _, err := d.read(ctx, tx, path)
	if err != nil {
		return err
	}
	next, err := fn(cur)
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}
	if next == nil && cur == nil {
		return nil
	}

	var version int64
	if err := tx.QueryRowContext(ctx,
		`UPDATE _meta SET value = value + 1 WHERE key = 'seq' RETURNING value`).Scan(&version); err != nil {
		return fmt.Errorf("bump seq: %w", err)
	}

	if next == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM _docs WHERE path = ?`, path); err != nil {
			return fmt.Errorf("delete %s: %w", path, err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO _docs (path, body, version, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(path) DO UPDATE SET
				body       = excluded.body,
				version    = excluded.version,
				updated_at = CURRENT_TIMESTAMP`,
			path, next, version); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	// Version of a delete is the seq value it consumed, so a watcher that
	// last saw the live document still observes a change.
	d.hub.publish(Change{Path: path, Body: clone(next), Version: version})
	return nil
}

func (d *DB) Watch(ctx context.Context, path string) (<-chan Change, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	body, version, err := d.read(ctx, d.db, path)
	if err != nil {
		return nil, err
	}
	return d.hub.watchUntilDone(ctx, path, Change{Path: path, Body: body, Version: version}), nil
}

// pollWatched re-reads every watched path and publishes versions that
// changed underneath us (written by another process).
func (d *DB) pollWatched() {
	ctx := context.Background()
	for _, p := range d.hub.paths() {
		d.mu.RLock()
		body, version, err := d.read(ctx, d.db, p)
		d.mu.RUnlock()
		if err != nil {
			log.Debugf("poll %s: %v", p, err)
			continue
		}
		if body == nil {
			// A delete leaves no row; use the global seq so it differs from
			// the last version seen for the live document.
			version = d.seq(ctx)
		}
		d.hub.publishIfNewer(Change{Path: p, Body: body, Version: version})
	}
}

func (d *DB) seq(ctx context.Context) int64 {
	var v int64
	d.mu.RLock()
	defer d.mu.RUnlock()
	_ = d.db.QueryRowContext(ctx, `SELECT value FROM _meta WHERE key = 'seq'`).Scan(&v)
	return v
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// read returns (nil, 0, nil) for a missing document.
func (d *DB) read(ctx context.Context, q queryer, path string) ([]byte, int64, error) {
	var body []byte
	var version int64
	err := q.QueryRowContext(ctx, `SELECT body, version FROM _docs WHERE path = ?`, path).Scan(&body, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read %s: %w", path, err)
	}
	return body, version, nil
}
