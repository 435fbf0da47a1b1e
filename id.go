package s3db

import (
	"github.com/google/uuid"
)

// NewID generates a UUIDv4 record identifier, used when the caller does
// not supply one at insert time.
func NewID() string {
	return uuid.New().String()
}

// NewInternalID generates a UUIDv7 (time-ordered) identifier for internal
// bookkeeping — transaction log entries, worker ids, lock tokens — where
// sortability by creation time is useful and collision with a
// caller-supplied record id is not a concern.
func NewInternalID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fall back to UUIDv4 if NewV7 fails (extremely rare)
		id = uuid.New()
	}
	return id.String()
}

// ParseID parses a UUID string
func ParseID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// IsValidID checks if a string is a valid UUID
func IsValidID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
