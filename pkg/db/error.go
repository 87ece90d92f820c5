package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	// GORM wraps error di dalam gorm.Err* → unwrap dulu
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	// PostgreSQL (error code 23505)
	if hasPGCode(err, "23505") {
		return true
	}
	if strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
		return true
	}

	// MySQL (error code 1062)
	if strings.Contains(err.Error(), "Error 1062") {
		return true
	}

	// SQLite (error code 2067)
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return true
	}

	return false
}

// IsLockTimeoutErr reports whether the backend rejected a row lock wait.
func IsLockTimeoutErr(err error) bool {
	if err == nil {
		return false
	}
	// PostgreSQL lock_not_available (55P03), e.g. under SET LOCAL lock_timeout.
	if hasPGCode(err, "55P03") {
		return true
	}
	// MySQL ER_LOCK_WAIT_TIMEOUT (1205).
	if strings.Contains(err.Error(), "Error 1205") {
		return true
	}
	return strings.Contains(err.Error(), "canceling statement due to lock timeout")
}

// IsSerializationErr reports whether the transaction lost a serialization race.
func IsSerializationErr(err error) bool {
	if err == nil {
		return false
	}
	return hasPGCode(err, "40001")
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
