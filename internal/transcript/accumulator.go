// Package transcript holds the growing transcript of a recording session.
package transcript

import (
	"fmt"
	"strings"
	"sync"
)

// Fragment is the text contributed by one segment. Failed is set for the
// placeholder written when a segment could not be transcribed.
type Fragment struct {
	Index  int
	Text   string
	Failed bool
}

// Accumulator is an append-only log of fragments in segment-index order.
// Callers must append in increasing index order; the delivery queue
// guarantees this, so no reordering happens here.
type Accumulator struct {
	mu        sync.RWMutex
	fragments []Fragment
}

// NewAccumulator returns an empty transcript.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Append records the recognized text for a segment.
func (a *Accumulator) Append(index int, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fragments = append(a.fragments, Fragment{Index: index, Text: strings.TrimSpace(text)})
}

// AppendFailure records a placeholder for a segment whose audio is lost.
func (a *Accumulator) AppendFailure(index int, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fragments = append(a.fragments, Fragment{Index: index, Text: Placeholder(index, reason), Failed: true})
}

// Placeholder is the marker text for a permanently failed segment.
func Placeholder(index int, reason string) string {
	return fmt.Sprintf("[segment %d failed: %s]", index, reason)
}

// Text returns the transcript: non-empty fragments joined by a space.
func (a *Accumulator) Text() string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	parts := make([]string, 0, len(a.fragments))
	for _, f := range a.fragments {
		if f.Text != "" {
			parts = append(parts, f.Text)
		}
	}
	return strings.Join(parts, " ")
}

// Fragments returns a copy of the fragments in append order.
func (a *Accumulator) Fragments() []Fragment {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Fragment, len(a.fragments))
	copy(out, a.fragments)
	return out
}

// Len returns the number of fragments.
func (a *Accumulator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.fragments)
}

// Reset clears the transcript for a new session.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fragments = nil
}
