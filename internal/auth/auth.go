// Package auth provides optional API key authentication with ingest,
// read and admin scopes. Keys are stored hashed in a small SQLite file
// next to the span store.
package auth

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"tailspin/internal/clock"
	"tailspin/internal/logging"
)

// Config enables authentication when DBPath is set.
type Config struct {
	DBPath string `yaml:"db_path" envconfig:"AUTH_DB_PATH"`
	// Pepper is mixed into every key hash.
	Pepper string `yaml:"pepper" envconfig:"AUTH_PEPPER"`
	// BootstrapKey becomes an admin key when the key table is empty.
	BootstrapKey string `yaml:"bootstrap_key" envconfig:"AUTH_BOOTSTRAP_KEY"`
}

// Enabled reports whether auth should be mounted.
func (c Config) Enabled() bool { return c.DBPath != "" }

// Auth manages API key authentication.
type Auth struct {
	db     *sql.DB
	pepper string
	clock  clock.Clock
	logger *zap.Logger
}

// New opens (or creates) the key database.
func New(ctx context.Context, cfg Config, clk clock.Clock, logger *zap.Logger) (*Auth, error) {
	if clk == nil {
		clk = clock.Real()
	}
	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open auth db: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping auth db: %w", err)
	}

	a := &Auth{db: db, pepper: cfg.Pepper, clock: clk, logger: logging.OrNop(logger).Named("auth")}

	if err := a.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init auth schema: %w", err)
	}
	return a, nil
}

// Close closes the auth database.
func (a *Auth) Close() error {
	return a.db.Close()
}

func (a *Auth) initSchema(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			key_hash TEXT NOT NULL UNIQUE,
			key_prefix TEXT NOT NULL,
			scopes INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT,
			revoked_at TEXT,
			last_used_at TEXT,
			created_by TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash);
	`)
	return err
}

// hashKey computes BLAKE3(key + pepper).
func (a *Auth) hashKey(key string) string {
	h := blake3.Sum256([]byte(key + a.pepper))
	return hex.EncodeToString(h[:])
}

func (a *Auth) now() string {
	return a.clock.Now().UTC().Format(time.RFC3339)
}

// Bootstrap creates an admin key if no keys exist and bootstrapKey is
// provided.
func (a *Auth) Bootstrap(ctx context.Context, bootstrapKey string) error {
	if bootstrapKey == "" {
		return nil
	}
	if !strings.HasPrefix(bootstrapKey, KeyPrefix) || len(bootstrapKey) < prefixLen {
		return fmt.Errorf("bootstrap key must start with %q and be at least %d characters", KeyPrefix, prefixLen)
	}

	var count int
	if err := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM api_keys").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if _, _, err := a.createKey(ctx, "bootstrap-admin", ScopeAdmin, nil, bootstrapKey, "system"); err != nil {
		return err
	}
	a.logger.Warn("bootstrap admin key created, unset the bootstrap key once real keys exist")
	return nil
}

// ValidateKey validates an API key and returns its info.
func (a *Auth) ValidateKey(ctx context.Context, key string) (*KeyInfo, error) {
	var info KeyInfo
	var expiresAt, revokedAt sql.NullString

	err := a.db.QueryRowContext(ctx, `
		SELECT id, name, key_prefix, scopes, expires_at, revoked_at
		FROM api_keys WHERE key_hash = ?
	`, a.hashKey(key)).Scan(&info.ID, &info.Name, &info.Prefix, &info.Scopes, &expiresAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, err
	}

	if revokedAt.Valid {
		return nil, ErrKeyRevoked
	}
	if expiresAt.Valid {
		t, err := time.Parse(time.RFC3339, expiresAt.String)
		if err != nil || !a.clock.Now().Before(t) {
			return nil, ErrKeyExpired
		}
		info.ExpiresAt = &t
	}

	if _, err := a.db.ExecContext(ctx, "UPDATE api_keys SET last_used_at = ? WHERE id = ?", a.now(), info.ID); err != nil {
		a.logger.Debug("failed to record key use", zap.String("key_id", info.ID), zap.Error(err))
	}
	return &info, nil
}

// CreateKey creates a new API key. The returned key is the only copy of
// the secret.
func (a *Auth) CreateKey(ctx context.Context, name string, scopes Scope, expiresAt *time.Time, createdBy string) (string, *KeyInfo, error) {
	return a.createKey(ctx, name, scopes, expiresAt, generateKey(), createdBy)
}

func (a *Auth) createKey(ctx context.Context, name string, scopes Scope, expiresAt *time.Time, key, createdBy string) (string, *KeyInfo, error) {
	id := generateID()
	prefix := key[:prefixLen]

	var expires *string
	if expiresAt != nil {
		s := expiresAt.UTC().Format(time.RFC3339)
		expires = &s
	}

	now := a.now()
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, expires_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, name, a.hashKey(key), prefix, scopes, now, expires, createdBy)
	if err != nil {
		return "", nil, err
	}

	created, _ := time.Parse(time.RFC3339, now)
	return key, &KeyInfo{ID: id, Name: name, Scopes: scopes, Prefix: prefix, CreatedAt: created, ExpiresAt: expiresAt}, nil
}

// RevokeKey revokes an API key.
func (a *Auth) RevokeKey(ctx context.Context, keyID string) error {
	res, err := a.db.ExecContext(ctx, `
		UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL
	`, a.now(), keyID)
	if err != nil {
		return err
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// ListKeys returns all API keys (without sensitive data), newest first.
func (a *Auth) ListKeys(ctx context.Context) ([]KeyInfo, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, name, key_prefix, scopes, created_at, expires_at, revoked_at, last_used_at
		FROM api_keys ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := []KeyInfo{}
	for rows.Next() {
		var k KeyInfo
		var createdAt string
		var expiresAt, revokedAt, lastUsedAt sql.NullString

		if err := rows.Scan(&k.ID, &k.Name, &k.Prefix, &k.Scopes, &createdAt, &expiresAt, &revokedAt, &lastUsedAt); err != nil {
			return nil, err
		}

		k.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		k.ExpiresAt = parseNullTime(expiresAt)
		k.Revoked = revokedAt.Valid
		k.LastUsedAt = parseNullTime(lastUsedAt)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}
