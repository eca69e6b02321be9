package db

import "strings"

// IsUniqueViolation reports whether err is a unique constraint violation
// matching one of the given fragments. The duplicate-key phrasing is
// required, so other errors that merely mention a constraint name do not
// match. Postgres names the violated constraint in its message while sqlite
// lists the columns, so callers pass one fragment per dialect. With no
// fragments, any unique violation matches.
func IsUniqueViolation(err error, fragments ...string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if !strings.Contains(msg, "duplicate key value violates unique constraint") &&
		!strings.Contains(msg, "UNIQUE constraint failed") {
		return false
	}
	if len(fragments) == 0 {
		return true
	}
	for _, fragment := range fragments {
		if fragment != "" && strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
