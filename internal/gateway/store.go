package gateway

import "time"

// SessionResults is what the gateway still remembers about one recording
// session: the text it returned for the session's newest segments and when
// the session was last heard from.
type SessionResults struct {
	ID       string
	Results  map[int]Result
	LastSeen time.Time
}

// Result is the text the gateway returned for one segment.
type Result struct {
	Index      int
	Text       string
	RecordedAt time.Time
}

// Store keeps SessionResults keyed by session id. It only holds data;
// windowing, expiry and locking belong to InMemoryResults, so a backend
// shared by several gateway replicas could replace the map without touching
// the replay rules.
type Store interface {
	GetSession(id string) (*SessionResults, bool)
	SetSession(s *SessionResults)
	DeleteSession(id string)
	ListSessionIDs() []string
	Len() int
}

// InMemoryStore is a map-backed Store. It is not safe for concurrent use on
// its own.
type InMemoryStore struct {
	sessions map[string]*SessionResults
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*SessionResults)}
}

func (s *InMemoryStore) GetSession(id string) (*SessionResults, bool) {
	sess, ok := s.sessions[id]
	return sess, ok
}

// SetSession stores sess under sess.ID, replacing any earlier entry.
func (s *InMemoryStore) SetSession(sess *SessionResults) {
	s.sessions[sess.ID] = sess
}

func (s *InMemoryStore) DeleteSession(id string) {
	delete(s.sessions, id)
}

// ListSessionIDs returns the ids in no particular order.
func (s *InMemoryStore) ListSessionIDs() []string {
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Len is the number of sessions held, expired or not.
func (s *InMemoryStore) Len() int { return len(s.sessions) }
