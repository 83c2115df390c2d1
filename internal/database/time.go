package database

import (
	"database/sql"
	"time"
)

// Timestamps are stored as unix seconds so the same schema works on both
// engines; second precision is the contract everywhere.

func nowUnix() int64 {
	return time.Now().UTC().Unix()
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func unixPtrToTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := unixToTime(v.Int64)
	return &t
}

func timePtrToUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}
