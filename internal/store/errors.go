package store

import (
	"strings"

	"github.com/KaiEkkrin/pinglingle/internal/errors"
)

var (
	ErrNotFound       = errors.ErrNotFound
	ErrTargetNotFound = errors.ErrTargetNotFound
	ErrTargetExists   = errors.ErrTargetAlreadyExists
	ErrStoreClosed    = errors.ErrStoreClosed
)

// isUniqueViolation recognizes duplicate-key errors from either driver
// without importing driver-specific error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "sqlstate 23505")
}
