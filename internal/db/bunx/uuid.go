package bunx

import "github.com/google/uuid"

// NewUUIDv7 generates a time-ordered UUIDv7 string for database primary keys.
// IDs are assigned in Go so the same models work on PostgreSQL and SQLite.
func NewUUIDv7() string {
	return uuid.Must(uuid.NewV7()).String()
}
