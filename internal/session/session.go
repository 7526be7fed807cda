// Package session models a recording session: one continuous capture that
// scopes segment indices, queue contents and the transcript.
package session

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Session is one continuous recording activity.
type Session struct {
	ID        string
	CreatedAt time.Time
	Active    bool
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns an active session with a fresh ULID. IDs created within the
// same millisecond still sort in creation order.
func New() Session {
	now := time.Now().UTC()

	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(now), entropy)
	entropyMu.Unlock()

	return Session{ID: id.String(), CreatedAt: now, Active: true}
}
