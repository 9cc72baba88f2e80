// Package ids provides identifier generation and validation for cases and messages.
//
// Case identifiers are UUID v4. Message identifiers are ULIDs: they are
// generated on the device at composition time, sort by creation time, and
// double as the deduplication key the remote store uses for pushed messages.
package ids

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewCaseID generates a new case identifier (UUID v4).
func NewCaseID() string {
	return uuid.New().String()
}

// NewMessageID generates a message identifier for the given composition time.
// IDs generated within the same millisecond are strictly increasing.
func NewMessageID(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}

// IsValidCaseID checks if a string is a valid UUID v4.
func IsValidCaseID(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// IsValidMessageID checks if a string is a valid ULID.
func IsValidMessageID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// MessageTime extracts the composition time encoded in a message ID.
func MessageTime(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid message ID %q: %w", id, err)
	}
	return ulid.Time(parsed.Time()), nil
}

// ValidateCaseID returns an error if the string is not a valid UUID v4.
func ValidateCaseID(s string) error {
	if !IsValidCaseID(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}
