// Package uuid provides ID generation and test utilities.
package uuid

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// IDers generate identifiers.
type IDer interface {
	ID() string
}

// UUID is an ID generator utilizing a UUID.
// Used for job and task identities.
type UUID struct{}

// NewUUID creates a new UUID ID generator.
func NewUUID() *UUID {
	return &UUID{}
}

// ID generates a new UUID ID.
func (u *UUID) ID() string {
	return uuid.NewString()
}

// ULID is an ID generator utilizing a ULID.
// IDs sort lexically in creation order which makes them suitable as keys
// for append-only records like job log entries.
type ULID struct{}

// NewULID creates a new ULID ID generator.
func NewULID() *ULID {
	return &ULID{}
}

// ID generates a new monotonic ULID.
func (u *ULID) ID() string {
	return ulid.Make().String()
}

// StaticIDs is an ID generator thats cycles through provided IDs.
type StaticIDs struct {
	ids []string
	i   int
}

// NewStaticIDs creates a new static ID generator.
func NewStaticIDs(ids ...string) *StaticIDs {
	return &StaticIDs{ids: ids}
}

// ID returns the next ID.
// It will continually cycle through the IDs.
func (s *StaticIDs) ID() string {
	id := s.ids[s.i%len(s.ids)]
	s.i++
	return id
}
