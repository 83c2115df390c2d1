package database

import (
	"database/sql"
)

// Querier is satisfied by both *sql.DB and *sql.Tx so every repository
// operation can run against the ambient connection or an explicit
// transaction handle.
type Querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Conn returns the ambient connection for single-statement operations.
func Conn() Querier {
	return db
}

// WithTx runs fn inside a transaction and commits on success. When q is
// already a transaction the call is flattened: fn runs on the outer
// transaction and commit/rollback stays with the outermost caller.
func WithTx(q Querier, fn func(tx Querier) error) error {
	if tx, ok := q.(*sql.Tx); ok {
		return fn(tx)
	}

	tx, err := db.Begin()
	if err != nil {
		return mapError(err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		tx.Rollback()
		return mapError(err)
	}
	return nil
}
