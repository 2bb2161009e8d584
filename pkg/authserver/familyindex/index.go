// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package familyindex maintains the cross-shard index of refresh token
// families per user.
//
// The index is written when a family is issued and when it is revoked,
// never on rotation. Expiry maintenance moves a row's recorded expiry
// forward once the owning shard shows the family outlived it. It exists to find a user's families for bulk
// revocation and session listing. Shard state stays authoritative: a row
// here only says a family may exist.
package familyindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Entry is one row of the index.
type Entry struct {
	JTI        string     `json:"jti"`
	FamilyID   string     `json:"familyId"`
	UserID     string     `json:"userId"`
	ClientID   string     `json:"clientId"`
	Generation int        `json:"generation"`
	IssuedAt   time.Time  `json:"issuedAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	Revoked    bool       `json:"revoked"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
}

// Index is the family index contract.
type Index interface {
	// Record adds an issued family. Recording the same jti twice is a no-op.
	Record(ctx context.Context, e Entry) error
	// MarkFamilyRevoked flags every row of familyID as revoked.
	MarkFamilyRevoked(ctx context.Context, familyID string, at time.Time) (int64, error)
	// Families returns the user's families that have not been revoked,
	// oldest first.
	Families(ctx context.Context, userID string) ([]Entry, error)
	// Forget drops the rows of a family the shards no longer know.
	Forget(ctx context.Context, familyID string) error
	// PurgeRevoked deletes rows revoked before cutoff.
	PurgeRevoked(ctx context.Context, cutoff time.Time) (int64, error)
	// Expired returns up to limit unrevoked rows whose recorded expiry is
	// before cutoff, oldest expiry first. Rotation extends a family past
	// its recorded expiry, so callers confirm each row on its shard.
	Expired(ctx context.Context, cutoff time.Time, limit int) ([]Entry, error)
	// Extend moves the recorded expiry of familyID to expiresAt.
	Extend(ctx context.Context, familyID string, expiresAt time.Time) error
	Close() error
}

// SQLiteIndex implements Index on SQLite.
type SQLiteIndex struct {
	db *sql.DB
}

var _ Index = (*SQLiteIndex)(nil)

// Open opens or creates the index database at path and applies pending
// migrations. ":memory:" gives a private in-memory index.
func Open(ctx context.Context, path string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" databases
	// from splitting per connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{`PRAGMA journal_mode = WAL`, `PRAGMA busy_timeout = 5000`} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to configure sqlite: %w", err)
		}
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteIndex{db: db}, nil
}

// Record implements Index.
func (s *SQLiteIndex) Record(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_token_families (
			jti, family_id, user_id, client_id, generation, issued_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (jti) DO NOTHING`,
		e.JTI, e.FamilyID, e.UserID, e.ClientID, e.Generation,
		e.IssuedAt.UnixMilli(), e.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("family %s already indexed under another jti", e.FamilyID)
		}
		return fmt.Errorf("inserting index entry: %w", err)
	}
	return nil
}

// MarkFamilyRevoked implements Index.
func (s *SQLiteIndex) MarkFamilyRevoked(ctx context.Context, familyID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_token_families
		SET is_revoked = 1, revoked_at = ?
		WHERE family_id = ? AND is_revoked = 0`,
		at.UnixMilli(), familyID,
	)
	if err != nil {
		return 0, fmt.Errorf("revoking index entry: %w", err)
	}
	return res.RowsAffected()
}

// Families implements Index.
func (s *SQLiteIndex) Families(ctx context.Context, userID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT jti, family_id, user_id, client_id, generation, issued_at, expires_at, is_revoked, revoked_at
		FROM user_token_families
		WHERE user_id = ? AND is_revoked = 0
		ORDER BY issued_at, jti`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating index rows: %w", err)
	}
	return out, nil
}

// Forget implements Index.
func (s *SQLiteIndex) Forget(ctx context.Context, familyID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_token_families WHERE family_id = ?`, familyID); err != nil {
		return fmt.Errorf("deleting index entry: %w", err)
	}
	return nil
}

// PurgeRevoked implements Index.
func (s *SQLiteIndex) PurgeRevoked(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_token_families WHERE is_revoked = 1 AND revoked_at < ?`,
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("purging index: %w", err)
	}
	return res.RowsAffected()
}

// Expired implements Index.
func (s *SQLiteIndex) Expired(ctx context.Context, cutoff time.Time, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT jti, family_id, user_id, client_id, generation, issued_at, expires_at, is_revoked, revoked_at
		FROM user_token_families
		WHERE is_revoked = 0 AND expires_at < ?
		ORDER BY expires_at, jti
		LIMIT ?`,
		cutoff.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying expired index rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating index rows: %w", err)
	}
	return out, nil
}

// Extend implements Index.
func (s *SQLiteIndex) Extend(ctx context.Context, familyID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_token_families SET expires_at = ? WHERE family_id = ?`,
		expiresAt.UnixMilli(), familyID,
	)
	if err != nil {
		return fmt.Errorf("extending index entry: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e                   Entry
		issuedAt, expiresAt int64
		revoked             int
		revokedAt           sql.NullInt64
	)
	if err := rows.Scan(
		&e.JTI, &e.FamilyID, &e.UserID, &e.ClientID, &e.Generation,
		&issuedAt, &expiresAt, &revoked, &revokedAt,
	); err != nil {
		return Entry{}, fmt.Errorf("scanning index row: %w", err)
	}
	e.IssuedAt = time.UnixMilli(issuedAt).UTC()
	e.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	e.Revoked = revoked != 0
	if revokedAt.Valid {
		t := time.UnixMilli(revokedAt.Int64).UTC()
		e.RevokedAt = &t
	}
	return e, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
