package store

import (
	"database/sql"
	"time"
)

// Timestamps are persisted as unix milliseconds.

// Millis converts t to unix milliseconds.
func Millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// FromMillis converts unix milliseconds to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// NullableMillis converts an optional time to a value suitable for a nullable column.
func NullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return Millis(*t)
}

// TimePtr converts a scanned nullable column back to an optional time.
func TimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := FromMillis(v.Int64)
	return &t
}

// BoolToInt maps a bool to SQLite's 0/1 representation.
func BoolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
