package db

import (
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

// Postgres SQLSTATE codes that clear on retry: serialization failure,
// deadlock detected, lock not available.
var transientPgCodes = map[string]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
}

// IsTransient reports whether err is an engine-level failure that may
// succeed if the operation is retried. Integrity violations never classify
// as transient; those mean the caller broke a store contract and retrying
// would fail the same way.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientPgCodes[pgErr.Code]
	}
	// The sqlite driver surfaces busy and locked conditions as plain strings.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
