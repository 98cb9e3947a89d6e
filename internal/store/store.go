// Package store persists the two durable pieces of state the login flow
// depends on: the namespaced configuration (access policy, IdP settings)
// and the local user accounts that assertions resolve against.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
)

// Store is the SQLite-backed persistence layer.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "samlgate.db")

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS app_config (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (namespace, key)
		)`,

		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			email TEXT,
			auth_method TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_email ON users(email)`,

		`CREATE TABLE IF NOT EXISTS idp_metadata (
			name TEXT PRIMARY KEY,
			document TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ============================================================================
// Configuration
// ============================================================================

// GetConfig returns every key/value pair in a namespace.
func (s *Store) GetConfig(ctx context.Context, namespace string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM app_config WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to query config: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan config row: %w", err)
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

// SetConfig replaces a namespace wholesale in one transaction. Readers see
// either the previous settings or the new ones, never a blend.
func (s *Store) SetConfig(ctx context.Context, namespace string, settings map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM app_config WHERE namespace = ?`, namespace); err != nil {
		return fmt.Errorf("failed to clear config namespace: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for key, value := range settings {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO app_config (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)`,
			namespace, key, value, now); err != nil {
			return fmt.Errorf("failed to write config key %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// ============================================================================
// Users
// ============================================================================

// User is a local account row.
type User struct {
	ID         string
	Username   string
	Email      string
	AuthMethod string
	CreatedAt  time.Time
}

// FindUserByAttribute looks up a user by the named attribute. Supported
// attributes are "username" and "email"; anything else is an error rather
// than a silent miss, so a mapping typo surfaces immediately.
func (s *Store) FindUserByAttribute(ctx context.Context, attribute, value string) (*User, error) {
	var query string
	switch attribute {
	case "username":
		query = `SELECT id, username, email, auth_method, created_at FROM users WHERE username = ?`
	case "email":
		query = `SELECT id, username, email, auth_method, created_at FROM users WHERE email = ?`
	default:
		return nil, fmt.Errorf("unsupported lookup attribute: %s", attribute)
	}

	var u User
	var createdAt string
	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&u.ID, &u.Username, &u.Email, &u.AuthMethod, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &u, nil
}

// CreateUser inserts a new local account, used for auto-provisioning.
func (s *Store) CreateUser(ctx context.Context, username, email, authMethod string) (*User, error) {
	u := &User{
		ID:         uuid.NewString(),
		Username:   username,
		Email:      email,
		AuthMethod: authMethod,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, auth_method, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Email, u.AuthMethod, u.CreatedAt.Format(time.RFC3339))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return u, nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint failures in the error text.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

// ============================================================================
// IdP metadata documents
// ============================================================================

// SaveIdPMetadata persists the raw metadata XML for one IdP. Callers parse
// and validate before saving; the store never holds a document that failed
// validation.
func (s *Store) SaveIdPMetadata(ctx context.Context, name string, document []byte) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idp_metadata (name, document, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		name, string(document), now)
	if err != nil {
		return fmt.Errorf("failed to save idp metadata: %w", err)
	}
	return nil
}

// LoadIdPMetadata returns every persisted metadata document keyed by IdP
// name, for startup population of the metadata store.
func (s *Store) LoadIdPMetadata(ctx context.Context) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, document FROM idp_metadata`)
	if err != nil {
		return nil, fmt.Errorf("failed to query idp metadata: %w", err)
	}
	defer rows.Close()

	docs := make(map[string][]byte)
	for rows.Next() {
		var name, document string
		if err := rows.Scan(&name, &document); err != nil {
			return nil, fmt.Errorf("failed to scan idp metadata row: %w", err)
		}
		docs[name] = []byte(document)
	}
	return docs, rows.Err()
}

// DeleteIdPMetadata removes a configured IdP.
func (s *Store) DeleteIdPMetadata(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idp_metadata WHERE name = ?`, name)
	return err
}
