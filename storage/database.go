package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDBFileName is the SQLite filename under the data directory.
const DefaultDBFileName = "relay.db"

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS files (
  stored_name   TEXT PRIMARY KEY,
  original_name TEXT NOT NULL,
  uploader      TEXT NOT NULL,
  recipient     TEXT,
  filesize      INTEGER NOT NULL,
  status        TEXT NOT NULL CHECK(status IN ('pending','complete','cancelled','errored')) DEFAULT 'pending',
  created_at    INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_files_uploader_time
ON files (uploader, created_at DESC, stored_name);
`,
	`
CREATE INDEX IF NOT EXISTS idx_files_status_time
ON files (status, created_at DESC, stored_name);
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db        *sql.DB
	closeOnce sync.Once
}

// Open opens (or creates) relay.db under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{db: db}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) enableWALMode() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	return nil
}

func (s *Store) applyMigrations() error {
	for i, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("apply migration %d: %w", i, err)
		}
	}
	return nil
}

// SaveFileMetadata inserts a new stored-file row.
func (s *Store) SaveFileMetadata(file FileMetadata) error {
	if file.StoredName == "" {
		return errors.New("stored_name is required")
	}
	if file.OriginalName == "" {
		return errors.New("original_name is required")
	}
	if file.Uploader == "" {
		return errors.New("uploader is required")
	}
	if file.Status == "" {
		file.Status = TransferStatusPending
	}
	if err := validateTransferStatus(file.Status); err != nil {
		return err
	}
	if file.CreatedAt == 0 {
		file.CreatedAt = time.Now().UnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO files (
			stored_name,
			original_name,
			uploader,
			recipient,
			filesize,
			status,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		file.StoredName,
		file.OriginalName,
		file.Uploader,
		nullString(file.Recipient),
		file.Filesize,
		file.Status,
		file.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert file metadata %q: %w", file.StoredName, err)
	}

	return nil
}

// UpdateTransferStatus updates the status column for a stored file.
func (s *Store) UpdateTransferStatus(storedName, status string) error {
	if storedName == "" {
		return errors.New("stored_name is required")
	}
	if err := validateTransferStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE files SET status = ? WHERE stored_name = ?`,
		status,
		storedName,
	)
	if err != nil {
		return fmt.Errorf("update transfer status %q: %w", storedName, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for %q: %w", storedName, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetFileByStoredName fetches one stored-file row.
func (s *Store) GetFileByStoredName(storedName string) (*FileMetadata, error) {
	row := s.db.QueryRow(
		`SELECT
			stored_name,
			original_name,
			uploader,
			recipient,
			filesize,
			status,
			created_at
		FROM files
		WHERE stored_name = ?`,
		storedName,
	)

	file, err := scanFileMetadata(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get file metadata %q: %w", storedName, err)
	}

	return file, nil
}

// ListFiles returns stored files, optionally filtered by status, newest first.
func (s *Store) ListFiles(status string) ([]FileMetadata, error) {
	query := `SELECT
		stored_name,
		original_name,
		uploader,
		recipient,
		filesize,
		status,
		created_at
	FROM files`
	args := make([]any, 0, 1)
	if status != "" {
		if err := validateTransferStatus(status); err != nil {
			return nil, err
		}
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC, stored_name"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	files := make([]FileMetadata, 0)
	for rows.Next() {
		file, scanErr := scanFileMetadata(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan file row: %w", scanErr)
		}
		files = append(files, *file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file rows: %w", err)
	}
	return files, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFileMetadata(row scanner) (*FileMetadata, error) {
	var (
		file      FileMetadata
		recipient sql.NullString
	)

	if err := row.Scan(
		&file.StoredName,
		&file.OriginalName,
		&file.Uploader,
		&recipient,
		&file.Filesize,
		&file.Status,
		&file.CreatedAt,
	); err != nil {
		return nil, err
	}

	if recipient.Valid {
		file.Recipient = recipient.String
	}

	return &file, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
