package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// SQLStore is the SQLite-backed implementation of Store.
type SQLStore struct {
	db     *sql.DB
	logger zerolog.Logger

	writeCh  chan writeJob
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type writeJob struct {
	fn     func(*sql.Tx) error
	result chan error
}

// Open opens (creating if necessary) the SQLite file at path in WAL mode
// with foreign keys enforced, applies any pending forward-only migration,
// and starts the single writer goroutine that serializes all mutations.
func Open(path string, logger zerolog.Logger) (*SQLStore, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: create data dir: %w", err)
			}
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(8)

	s := &SQLStore{
		db:      db,
		logger:  logger,
		writeCh: make(chan writeJob, 128),
		stopCh:  make(chan struct{}),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	s.wg.Add(1)
	go s.writerLoop()

	return s, nil
}

func (s *SQLStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return err
	}

	current, err := s.SchemaVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if err := m.apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.logger.Info().Int("version", m.version).Msg("applied schema migration")
	}
	return nil
}

// Ping reports whether the underlying database connection is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SchemaVersion returns the highest applied migration version, or 0 if none.
func (s *SQLStore) SchemaVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}

func (s *SQLStore) write(fn func(*sql.Tx) error) error {
	job := writeJob{fn: fn, result: make(chan error, 1)}
	select {
	case s.writeCh <- job:
	case <-s.stopCh:
		return fmt.Errorf("store: closed")
	}
	select {
	case err := <-job.result:
		return err
	case <-s.stopCh:
		return fmt.Errorf("store: closed before write completed")
	}
}

func (s *SQLStore) writerLoop() {
	defer s.wg.Done()
	for {
		select {
		case job := <-s.writeCh:
			job.result <- s.runInTx(job.fn)
		case <-s.stopCh:
			return
		}
	}
}

func (s *SQLStore) runInTx(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Close stops the writer goroutine and closes the underlying database. It
// must be called after every other component that might still write has
// already drained (Design Notes: store closed last).
func (s *SQLStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	return s.db.Close()
}
