package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetEmailQuotaUsed returns the cumulative demo usage for an email,
// zero when the email has never been seen.
func (s *Store) GetEmailQuotaUsed(ctx context.Context, email string) (int, error) {
	var used int
	err := s.pool.QueryRow(ctx,
		`SELECT used FROM demo_quota WHERE email = $1`, email).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get quota: %w", err)
	}
	return used, nil
}

// ConsumeEmailQuota atomically increments the email's usage counter iff
// headroom remains, returning the new used count. Two concurrent requests
// for the last remaining query cannot both succeed: the conditional
// UPDATE serializes on the row, and the loser sees no row returned.
func (s *Store) ConsumeEmailQuota(ctx context.Context, email string, limit int) (used int, err error) {
	_, err = s.pool.Exec(ctx, `
		INSERT INTO demo_quota (email) VALUES ($1)
		ON CONFLICT (email) DO NOTHING`,
		email,
	)
	if err != nil {
		return 0, fmt.Errorf("seed quota row: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		UPDATE demo_quota
		SET used = used + 1, updated_at = now()
		WHERE email = $1 AND used < $2
		RETURNING used`,
		email, limit,
	).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrQuotaExhausted
	}
	if err != nil {
		return 0, fmt.Errorf("consume quota: %w", err)
	}
	return used, nil
}
