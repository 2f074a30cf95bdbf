// Package sqlite implements blobstore.Storage using SQLite via modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/ryzup/imgcache/internal/blobstore"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Storage implements blobstore.Storage using SQLite.
type Storage struct {
	write *sql.DB // single-writer connection
	read  *sql.DB // multi-reader pool
}

var _ blobstore.Storage = (*Storage)(nil)

// New opens a SQLite database, runs migrations, and returns a Storage.
func New(dsn string) (*Storage, error) {
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

	// For :memory: databases, use shared cache so read/write pools share the same data
	var fullDSN string
	if dsn == ":memory:" {
		fullDSN = "file::memory:?mode=memory&cache=shared&" + pragmas
	} else {
		fullDSN = "file:" + dsn + "?" + pragmas
	}

	write, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := runMigrations(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &Storage{write: write, read: read}, nil
}

// runMigrations applies embedded SQL migrations using goose.
// fs.Sub strips the "migrations/" prefix so goose sees files at the FS root.
func runMigrations(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

// Open returns the named store, inserting its row if absent.
func (s *Storage) Open(ctx context.Context, name string) (blobstore.Store, error) {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO stores (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name,
	)
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", name, err)
	}
	return &Store{db: s, name: name}, nil
}

// Names lists store names in lexical order.
func (s *Storage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.read.QueryContext(ctx, `SELECT name FROM stores ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Delete removes the store row; entries go with it via ON DELETE CASCADE.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	result, err := s.write.ExecContext(ctx, `DELETE FROM stores WHERE name=?`, name)
	if err != nil {
		return false, fmt.Errorf("delete store %q: %w", name, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Ping verifies database connectivity by pinging the read pool.
func (s *Storage) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close closes both database connections.
func (s *Storage) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}
