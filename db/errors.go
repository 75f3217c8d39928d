package db

import (
	"strings"

	"github.com/teranos/automaton/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed database.
// This typically happens during shutdown when the engine's writers are still
// draining after the connection was closed.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks if an error indicates the database connection is closed.
// The string fallback covers raw driver errors we cannot wrap at the source.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
