package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ArchiveDir is the directory under the archive root holding database files.
const ArchiveDir = "archive"

// Connect resolves a logical database to <archive_root>/archive/<file> and
// opens it. The archive directory is created on first use; an existing
// directory is not an error. Bookkeeping tables are migrated once per Store.
func (s *Store) Connect(ctx context.Context, database string) (*sql.DB, error) {
	file, err := s.cfg.DatabaseFile(database)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(s.cfg.ArchiveRoot, ArchiveDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrConnect, dir, err)
	}

	path := filepath.Join(dir, file)
	s.log.Debug("connecting", "database", database, "path", path)

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, path, err)
	}

	if err := s.migrateOnce(ctx, database, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", database, err)
	}
	return db, nil
}

// withDB runs fn against a freshly opened database and closes it afterwards.
func (s *Store) withDB(ctx context.Context, database string, fn func(*sql.DB) error) error {
	db, err := s.Connect(ctx, database)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

func (s *Store) migrateOnce(ctx context.Context, database string, db *sql.DB) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.migrated[database] {
		return nil
	}
	if err := bookkeeping(ctx, db, s.log); err != nil {
		return err
	}
	s.migrated[database] = true
	return nil
}
