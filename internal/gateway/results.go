package gateway

import (
	"sort"
	"sync"
	"time"
)

// ResultRepository remembers the text returned for recent segments so a
// client retry of a segment that already succeeded (its response was lost to
// a client-side timeout) is answered without a second provider call.
type ResultRepository interface {
	// Record stores text for the segment. Only the newest Window indices of
	// a session are kept.
	Record(sessionID string, index int, text string)

	// Lookup returns the stored text for the segment, if still held.
	Lookup(sessionID string, index int) (string, bool)

	// ActiveSessionCount returns the number of sessions with unexpired
	// results. Used for metrics.
	ActiveSessionCount() int
}

const (
	// DefaultResultWindow is how many of a session's newest segments are kept.
	DefaultResultWindow = 6
	// DefaultResultTTL is how long an idle session's results are kept.
	DefaultResultTTL = 30 * time.Minute
)

// InMemoryResults is a concurrency-safe ResultRepository backed by a Store.
type InMemoryResults struct {
	mu     sync.Mutex
	store  Store
	window int
	ttl    time.Duration
	now    func() time.Time
}

// NewInMemoryResults returns a repository with an in-memory store. Zero
// window or ttl take the defaults.
func NewInMemoryResults(window int, ttl time.Duration) *InMemoryResults {
	return NewInMemoryResultsWithStore(NewInMemoryStore(), window, ttl)
}

// NewInMemoryResultsWithStore returns a repository that uses the given Store.
func NewInMemoryResultsWithStore(store Store, window int, ttl time.Duration) *InMemoryResults {
	if window <= 0 {
		window = DefaultResultWindow
	}
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &InMemoryResults{store: store, window: window, ttl: ttl, now: time.Now}
}

// Record implements ResultRepository.Record.
func (r *InMemoryResults) Record(sessionID string, index int, text string) {
	if sessionID == "" || index < 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.pruneLocked(now)

	sess, ok := r.store.GetSession(sessionID)
	if !ok {
		sess = &SessionResults{ID: sessionID, Results: make(map[int]Result)}
		r.store.SetSession(sess)
	}
	sess.LastSeen = now
	sess.Results[index] = Result{Index: index, Text: text, RecordedAt: now}
	trimWindow(sess, r.window)
}

// Lookup implements ResultRepository.Lookup.
func (r *InMemoryResults) Lookup(sessionID string, index int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.store.GetSession(sessionID)
	if !ok || r.expired(sess, r.now()) {
		return "", false
	}
	res, ok := sess.Results[index]
	if !ok {
		return "", false
	}
	return res.Text, true
}

// ActiveSessionCount implements ResultRepository.ActiveSessionCount.
func (r *InMemoryResults) ActiveSessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(r.now())
	return r.store.Len()
}

func (r *InMemoryResults) expired(sess *SessionResults, now time.Time) bool {
	return now.Sub(sess.LastSeen) > r.ttl
}

// pruneLocked drops idle sessions. Caller must hold r.mu.
func (r *InMemoryResults) pruneLocked(now time.Time) {
	for _, id := range r.store.ListSessionIDs() {
		if sess, ok := r.store.GetSession(id); ok && r.expired(sess, now) {
			r.store.DeleteSession(id)
		}
	}
}

// trimWindow keeps the window highest indices of sess.
func trimWindow(sess *SessionResults, window int) {
	if len(sess.Results) <= window {
		return
	}
	indices := make([]int, 0, len(sess.Results))
	for i := range sess.Results {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	for _, i := range indices[:len(indices)-window] {
		delete(sess.Results, i)
	}
}
