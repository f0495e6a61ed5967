package credstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Credentials is one stored OAuth credential record.
type Credentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"` // ms since epoch
	ProjectID    string `json:"projectId,omitempty"`
	Email        string `json:"email,omitempty"`
	AccountID    string `json:"accountId,omitempty"`
}

// Fresh reports whether the access token is still valid.
func Fresh(c *Credentials) bool {
	return c != nil && time.Now().UnixMilli() < c.ExpiresAt
}

// Slot pairs an account number with its credentials.
type Slot struct {
	Account int
	Creds   *Credentials
}

// Store is the persistent credential vault: one sqlite table keyed by
// (provider, account). Writes are serialized through a single connection
// with a 5 s busy timeout.
type Store struct {
	db     *sql.DB
	crypto *Crypto // nil → tokens stored in the clear
}

// Open creates the enclosing directory (owner-only) and initializes the
// schema. crypto may be nil.
func Open(dbPath string, crypto *Crypto) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	const schema = `CREATE TABLE IF NOT EXISTS credentials (
		provider TEXT    NOT NULL,
		account  INTEGER NOT NULL,
		data     TEXT    NOT NULL,
		PRIMARY KEY (provider, account)
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db, crypto: crypto}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Get returns the credentials for a slot, or nil if absent. A row that
// fails to decode is deleted so corruption cannot cascade.
func (s *Store) Get(ctx context.Context, provider string, account int) (*Credentials, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM credentials WHERE provider = ? AND account = ?",
		provider, account).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query credential: %w", err)
	}

	creds, err := s.decode(data)
	if err != nil {
		slog.Warn("corrupt credential record deleted", "provider", provider, "account", account, "error", err)
		_ = s.Remove(ctx, provider, account)
		return nil, nil
	}
	return creds, nil
}

// GetAll returns all slots for a provider ordered by account number.
// Corrupt rows are deleted and skipped.
func (s *Store) GetAll(ctx context.Context, provider string) ([]Slot, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT account, data FROM credentials WHERE provider = ? ORDER BY account",
		provider)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var slots []Slot
	var corrupt []int
	for rows.Next() {
		var account int
		var data string
		if err := rows.Scan(&account, &data); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds, err := s.decode(data)
		if err != nil {
			slog.Warn("corrupt credential record deleted", "provider", provider, "account", account, "error", err)
			corrupt = append(corrupt, account)
			continue
		}
		slots = append(slots, Slot{Account: account, Creds: creds})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, account := range corrupt {
		_ = s.Remove(ctx, provider, account)
	}
	return slots, nil
}

// Save upserts the credentials for a slot.
func (s *Store) Save(ctx context.Context, provider string, creds *Credentials, account int) error {
	data, err := s.encode(creds)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credentials (provider, account, data) VALUES (?, ?, ?)
		 ON CONFLICT (provider, account) DO UPDATE SET data = excluded.data`,
		provider, account, data)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// Remove deletes one slot.
func (s *Store) Remove(ctx context.Context, provider string, account int) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM credentials WHERE provider = ? AND account = ?", provider, account)
	return err
}

// RemoveAll deletes every slot for a provider.
func (s *Store) RemoveAll(ctx context.Context, provider string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM credentials WHERE provider = ?", provider)
	return err
}

// NextAccount returns max(account)+1 for the provider, or 0 when empty.
func (s *Store) NextAccount(ctx context.Context, provider string) (int, error) {
	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(account) FROM credentials WHERE provider = ?", provider).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next account: %w", err)
	}
	if !next.Valid {
		return 0, nil
	}
	return int(next.Int64) + 1, nil
}

// Count returns the number of stored slots for a provider.
func (s *Store) Count(ctx context.Context, provider string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM credentials WHERE provider = ?", provider).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count credentials: %w", err)
	}
	return n, nil
}

// FindByIdentity matches a candidate against stored slots by non-empty
// email or accountId, so re-authenticating reuses the same slot.
func (s *Store) FindByIdentity(ctx context.Context, provider string, candidate *Credentials) (int, bool, error) {
	if candidate == nil || (candidate.Email == "" && candidate.AccountID == "") {
		return 0, false, nil
	}
	slots, err := s.GetAll(ctx, provider)
	if err != nil {
		return 0, false, err
	}
	for _, slot := range slots {
		if candidate.Email != "" && slot.Creds.Email == candidate.Email {
			return slot.Account, true, nil
		}
		if candidate.AccountID != "" && slot.Creds.AccountID == candidate.AccountID {
			return slot.Account, true, nil
		}
	}
	return 0, false, nil
}

// Exists reports whether any stored slot for the provider has a refresh
// token; records without one cannot start new flows.
func (s *Store) Exists(ctx context.Context, provider string) (bool, error) {
	slots, err := s.GetAll(ctx, provider)
	if err != nil {
		return false, err
	}
	for _, slot := range slots {
		if slot.Creds.RefreshToken != "" {
			return true, nil
		}
	}
	return false, nil
}

// encode serializes a record, encrypting token fields when a crypto is
// configured.
func (s *Store) encode(creds *Credentials) (string, error) {
	record := *creds
	if s.crypto != nil {
		var err error
		if record.AccessToken != "" {
			if record.AccessToken, err = s.crypto.Encrypt(record.AccessToken); err != nil {
				return "", err
			}
		}
		if record.RefreshToken != "" {
			if record.RefreshToken, err = s.crypto.Encrypt(record.RefreshToken); err != nil {
				return "", err
			}
		}
	}
	data, err := json.Marshal(&record)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decode deserializes a record; any failure (bad JSON, bad ciphertext)
// counts as corruption.
func (s *Store) decode(data string) (*Credentials, error) {
	var record Credentials
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, err
	}
	if s.crypto != nil {
		var err error
		if record.AccessToken != "" {
			if record.AccessToken, err = s.crypto.Decrypt(record.AccessToken); err != nil {
				return nil, fmt.Errorf("decrypt access token: %w", err)
			}
		}
		if record.RefreshToken != "" {
			if record.RefreshToken, err = s.crypto.Decrypt(record.RefreshToken); err != nil {
				return nil, fmt.Errorf("decrypt refresh token: %w", err)
			}
		}
	}
	return &record, nil
}
