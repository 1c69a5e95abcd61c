package store

import "database/sql"

// sqlNoRows aliases database/sql.ErrNoRows for readability at call
// sites that only care about bun's row-not-found signal.
var sqlNoRows = sql.ErrNoRows

func isAffected(res sql.Result) bool {
	rows, err := res.RowsAffected()
	if err != nil {
		return true
	}
	return rows != 0
}

// getAffected returns the number of rows a write affected, or -1 if the
// driver can't report it. Reap uses this (rather than the boolean
// isAffected) because its guarded per-row UPDATE affects at most one
// row and the caller wants an exact count to accumulate across orphans.
func getAffected(res sql.Result) int64 {
	rows, err := res.RowsAffected()
	if err != nil {
		return -1
	}
	return rows
}
