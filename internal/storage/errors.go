package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"episodic-memory/internal/memerr"
)

// classify maps a driver error onto the core taxonomy so the circuit
// breaker and retry layers can distinguish retryable failures from
// permanent ones.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return memerr.Wrap(memerr.KindNotFound, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return memerr.Wrap(memerr.KindCancelled, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return memerr.Wrap(memerr.KindTransient, op, err)
	}
	if isTransientSQLite(err) {
		return memerr.Wrap(memerr.KindTransient, op, err)
	}
	return memerr.Wrap(memerr.KindFatal, op, err)
}

// isTransientSQLite recognises the retryable SQLite failure modes: lock
// contention and interrupted statements. Corruption, schema and disk
// errors stay fatal.
func isTransientSQLite(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"database is locked",
		"database table is locked",
		"busy",
		"interrupted",
		"timeout",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
