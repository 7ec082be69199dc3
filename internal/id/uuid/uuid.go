// Package uuid generates media record identifiers.
package uuid

import (
	"github.com/google/uuid"
)

// NewRecordID returns a UUIDv7 string so ids sort by creation time. If the
// v7 generator fails it falls back to a random v4 id.
func NewRecordID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
