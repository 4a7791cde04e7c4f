package database

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"clone-stats-service/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PersistenceError wraps any failure talking to a repository database
type PersistenceError struct {
	Op   string // "open", "migrate", "upsert", "query"
	Repo string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Repo, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// OpenDB opens (creating if needed) the SQLite database at dbPath
func OpenDB(dbPath string) (*gorm.DB, error) {
	// Create directory if it doesn't exist
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	// Verify directory is writable by attempting to create a test file
	testFile := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
		return nil, err
	}
	os.Remove(testFile)

	// WAL lets readers keep seeing the last committed batch while a write transaction is open
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	return db, nil
}

// Registry hands out one CloneStore per repository, each backed by its own
// database file named after the repository.
type Registry struct {
	dir string

	mu  sync.Mutex
	dbs map[string]*gorm.DB
}

func NewRegistry(dir string) *Registry {
	return &Registry{
		dir: dir,
		dbs: make(map[string]*gorm.DB),
	}
}

// Path returns the database file used for a repository
func (r *Registry) Path(name string) string {
	return filepath.Join(r.dir, name+".db")
}

// Store returns the store for name, opening and migrating its database on
// first use. A failed open is not cached, so the next call tries again.
func (r *Registry) Store(name string) (*CloneStore, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if db, ok := r.dbs[name]; ok {
		return NewCloneStore(db, name), nil
	}

	db, err := OpenDB(r.Path(name))
	if err != nil {
		return nil, &PersistenceError{Op: "open", Repo: name, Err: err}
	}
	if err := migrate(db); err != nil {
		closeDB(db)
		return nil, &PersistenceError{Op: "migrate", Repo: name, Err: err}
	}
	r.dbs[name] = db

	return NewCloneStore(db, name), nil
}

// Close closes every database opened so far
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, db := range r.dbs {
		if err := closeDB(db); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing %s: %w", name, err)
		}
		delete(r.dbs, name)
	}
	return firstErr
}

// schemaMu serializes schema migrations. gorm checks for the table and
// creates it on separate pooled connections, so two concurrent runs race.
var schemaMu sync.Mutex

func migrate(db *gorm.DB) error {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	return models.AutoMigrate(db)
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
