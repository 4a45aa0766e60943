package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tahcohcat/longform-tts/internal/logger"
)

// ErrNotFound is returned when no row matches a lookup.
var ErrNotFound = errors.New("not found")

type DB struct {
	*sqlx.DB
}

// Object is the metadata kept for each locally stored audio file.
type Object struct {
	Key         string    `db:"key"`
	ContentType string    `db:"content_type"`
	Size        int64     `db:"size"`
	CreatedAt   time.Time `db:"created_at"`
}

// NewDB opens (and if needed creates) the sqlite file at path.
func NewDB(path string) (*DB, error) {
	if path == "" {
		path = "objects.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database dir: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if path == ":memory:" {
		// each new connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	dbWrapper := &DB{DB: db}
	if err := dbWrapper.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.New().Debug("object database ready at " + path)
	return dbWrapper, nil
}

func (db *DB) createTables() error {
	objectsTable := `
	CREATE TABLE IF NOT EXISTS objects (
		key TEXT PRIMARY KEY,
		content_type TEXT NOT NULL,
		size INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);`

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_objects_created_at ON objects(created_at);`,
	}

	if _, err := db.Exec(objectsTable); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	for _, index := range indexes {
		if _, err := db.Exec(index); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

func (db *DB) InsertObject(ctx context.Context, o Object) error {
	// stored as text, so keep one zone for ordering
	o.CreatedAt = o.CreatedAt.UTC()
	_, err := db.NamedExecContext(ctx,
		`INSERT INTO objects (key, content_type, size, created_at) VALUES (:key, :content_type, :size, :created_at)`, o)
	if err != nil {
		return fmt.Errorf("insert object %s: %w", o.Key, err)
	}
	return nil
}

func (db *DB) GetObject(ctx context.Context, key string) (Object, error) {
	var o Object
	err := db.GetContext(ctx, &o, `SELECT key, content_type, size, created_at FROM objects WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return Object{}, fmt.Errorf("object %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return Object{}, fmt.Errorf("get object %s: %w", key, err)
	}
	return o, nil
}

func (db *DB) DeleteObject(ctx context.Context, key string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM objects WHERE key = ?`, key)
	return err
}

// ObjectsBefore lists objects created before t, oldest first.
func (db *DB) ObjectsBefore(ctx context.Context, t time.Time) ([]Object, error) {
	var out []Object
	err := db.SelectContext(ctx, &out,
		`SELECT key, content_type, size, created_at FROM objects WHERE created_at < ? ORDER BY created_at`, t.UTC())
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	return out, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
