package database

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

// The three failure kinds every repository call can surface. Callers
// branch with errors.Is; anything else is an internal fault.
var (
	ErrNotFound  = errors.New("not_found")
	ErrConflict  = errors.New("conflict")
	ErrTransient = errors.New("transient")
)

// mapError folds driver-specific failures into the repository error kinds.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrTransient) {
		return err
	}

	msg := err.Error()
	switch {
	// modernc.org/sqlite constraint violations
	case strings.Contains(msg, "UNIQUE constraint failed"),
		strings.Contains(msg, "FOREIGN KEY constraint failed"),
		strings.Contains(msg, "CHECK constraint failed"),
		// mysql/mariadb 1062 duplicate, 1452 foreign key
		strings.Contains(msg, "Error 1062"),
		strings.Contains(msg, "Error 1452"):
		return errors.Join(ErrConflict, err)
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "invalid connection"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "i/o timeout"):
		return errors.Join(ErrTransient, err)
	}
	return err
}

// WithRetry runs fn up to attempts times, backing off exponentially while
// the failure stays transient. Any other error returns immediately.
func WithRetry(attempts int, fn func() error) error {
	backoff := 50 * time.Millisecond

	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrTransient) {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return err
}
