package postgres

import (
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// durationToNanos converts an optional duration to its BIGINT column
// representation.
func durationToNanos(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	n := int64(*d)
	return &n
}

// nanosToDuration converts a BIGINT column value back to a duration.
func nanosToDuration(n *int64) *time.Duration {
	if n == nil {
		return nil
	}
	d := time.Duration(*n)
	return &d
}

// emptyToNil maps an empty string to NULL for optional text columns.
func emptyToNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nilToEmpty maps a NULL text column back to the empty string.
func nilToEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
