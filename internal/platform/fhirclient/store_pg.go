package fhirclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// StorePG persists named cache partitions in the response_cache table.
type StorePG struct {
	db queryable
}

// NewStorePG returns a Store backed by db (usually a *pgxpool.Pool).
func NewStorePG(db queryable) *StorePG {
	return &StorePG{db: db}
}

func (s *StorePG) Load(ctx context.Context, partition, url string) (*Entry, error) {
	e := &Entry{URL: url}
	var body []byte
	var expiresAt *time.Time
	err := s.db.QueryRow(ctx, `
		SELECT status, body, created_at, expires_at
		FROM response_cache
		WHERE partition = $1 AND url = $2
		  AND (expires_at IS NULL OR expires_at > NOW())`,
		partition, url).Scan(&e.Status, &body, &e.CreatedAt, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("load cached response: %w", err)
	}
	e.Body = body
	if expiresAt != nil {
		e.ExpiresAt = *expiresAt
	}
	return e, nil
}

func (s *StorePG) Save(ctx context.Context, partition string, e *Entry) error {
	var expiresAt *time.Time
	if !e.ExpiresAt.IsZero() {
		expiresAt = &e.ExpiresAt
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO response_cache (partition, url, status, body, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (partition, url) DO UPDATE
		SET status = EXCLUDED.status, body = EXCLUDED.body,
		    created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`,
		partition, e.URL, e.Status, []byte(e.Body), e.CreatedAt, expiresAt)
	if err != nil {
		return fmt.Errorf("save cached response: %w", err)
	}
	return nil
}

func (s *StorePG) Clear(ctx context.Context, partition string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM response_cache WHERE partition = $1`, partition); err != nil {
		return fmt.Errorf("clear cache partition %s: %w", partition, err)
	}
	return nil
}
