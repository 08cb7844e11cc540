package sqlstore

import (
	"errors"
	"strings"

	"github.com/lib/pq"
)

const pqUniqueViolation pq.ErrorCode = "23505"

// isUniqueViolation matches postgres by SQLSTATE and sqlite by message, which
// keeps this package free of the cgo sqlite driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqUniqueViolation
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
