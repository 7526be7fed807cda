// Package delivery sends captured segments to the transcription gateway in
// strict index order, one at a time, retrying transient failures and halting
// on authentication failures without losing audio.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"web-transcriber/internal/apperr"
	"web-transcriber/internal/capture"
)

// ErrAuthRequired is returned by WaitIdle while delivery is halted waiting
// for a new credential.
var ErrAuthRequired = errors.New("authentication required")

// Transcriber turns one segment into text.
type Transcriber interface {
	Transcribe(ctx context.Context, credential string, seg capture.Segment) (string, error)
}

// Transcript receives results in index order.
type Transcript interface {
	Append(index int, text string)
	AppendFailure(index int, reason string)
}

// Options tune a Queue. Zero values take defaults.
type Options struct {
	Backoff Backoff
	// MaxRetries is how many times a segment is retried after transient
	// failures before it is given up. Rate-limit failures never count.
	MaxRetries int
	// AttemptTimeout bounds a single delivery attempt. Default 2m.
	AttemptTimeout time.Duration
	// OnAuthRequired runs when the gateway rejects the credential; the
	// recorder uses it to stop capture.
	OnAuthRequired func()
	// OnStatus runs after every status change, outside the queue lock.
	OnStatus func(Status)
	// Rand returns uniform draws in [0, 1) for jitter.
	Rand func() float64
}

// Entry is a queued segment plus its delivery bookkeeping.
type Entry struct {
	Segment   capture.Segment
	Attempt   int
	LastError string
	State     EntryState
}

// Queue is the single-consumer delivery queue for the active session.
type Queue struct {
	client     Transcriber
	transcript Transcript
	auth       *AuthState
	opts       Options
	log        *slog.Logger

	mu         sync.Mutex
	sessionID  string
	entries    []*Entry
	inFlight   bool
	status     Status
	changed    chan struct{} // closed and replaced on every change
	superseded chan struct{} // closed and replaced on Reset

	wake  chan struct{}
	flush chan chan struct{}
}

// NewQueue returns an idle queue with no active session.
func NewQueue(client Transcriber, transcript Transcript, auth *AuthState, opts Options, log *slog.Logger) *Queue {
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 2 * time.Minute
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	return &Queue{
		client:     client,
		transcript: transcript,
		auth:       auth,
		opts:       opts,
		log:        log,
		status:     Status{State: StateIdle},
		changed:    make(chan struct{}),
		superseded: make(chan struct{}),
		wake:       make(chan struct{}, 1),
		flush:      make(chan chan struct{}),
	}
}

// Reset makes sessionID the active session and drops every queued entry.
// An attempt already in flight finishes on its own; its result is discarded.
func (q *Queue) Reset(sessionID string) {
	q.mu.Lock()
	dropped := len(q.entries)
	q.sessionID = sessionID
	q.entries = nil
	close(q.superseded)
	q.superseded = make(chan struct{})
	q.status = Status{State: StateIdle, SessionID: sessionID}
	q.changedLocked()
	q.mu.Unlock()

	if dropped > 0 {
		q.log.Info("queue reset dropped pending segments", slog.Int("dropped", dropped))
	}
	q.publish()
	q.signal()
}

// Enqueue appends seg if it belongs to the active session and reports
// whether it was accepted.
func (q *Queue) Enqueue(seg capture.Segment) bool {
	q.mu.Lock()
	if seg.SessionID != q.sessionID || q.sessionID == "" {
		q.mu.Unlock()
		q.log.Debug("stale segment ignored",
			slog.String("session_id", seg.SessionID),
			slog.Int("index", seg.Index))
		return false
	}
	q.entries = append(q.entries, &Entry{Segment: seg, State: EntryPending})
	q.status.Pending = len(q.entries)
	q.changedLocked()
	q.mu.Unlock()

	q.signal()
	return true
}

// Consume enqueues segments from in until it is closed or ctx ends. It never
// blocks the producer on delivery.
func (q *Queue) Consume(ctx context.Context, in <-chan capture.Segment) {
	for {
		select {
		case seg, ok := <-in:
			if !ok {
				return
			}
			q.Enqueue(seg)
		case done := <-q.flush:
			q.drain(in)
			close(done)
		case <-ctx.Done():
			return
		}
	}
}

// drain enqueues whatever is already buffered in in.
func (q *Queue) drain(in <-chan capture.Segment) {
	for {
		select {
		case seg, ok := <-in:
			if !ok {
				return
			}
			q.Enqueue(seg)
		default:
			return
		}
	}
}

// Flush returns once every segment sent to Consume's channel before the call
// has been enqueued. It needs a running Consume.
func (q *Queue) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case q.flush <- done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetCredential caches an accepted credential and resumes a halted queue
// from the same head segment.
func (q *Queue) SetCredential(credential string) {
	q.auth.Set(credential)

	q.mu.Lock()
	if q.status.State == StateAuthRequired {
		q.status.State = StateIdle
		q.status.LastError = ""
		q.changedLocked()
	}
	q.mu.Unlock()

	q.publish()
	q.signal()
}

// Status returns the current status snapshot.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

// Head returns a copy of the head entry, if any.
func (q *Queue) Head() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return *q.entries[0], true
}

// Idle reports whether nothing is queued or in flight.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries) == 0 && !q.inFlight
}

// WaitIdle blocks until the queue is idle. It returns ErrAuthRequired when
// delivery is halted on authentication, or ctx's error.
func (q *Queue) WaitIdle(ctx context.Context) error {
	for {
		q.mu.Lock()
		idle := len(q.entries) == 0 && !q.inFlight
		halted := q.status.State == StateAuthRequired
		ch := q.changed
		q.mu.Unlock()

		if idle {
			return nil
		}
		if halted {
			return ErrAuthRequired
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Run is the single delivery worker. It returns when ctx ends.
func (q *Queue) Run(ctx context.Context) error {
	for {
		e, credential, ok := q.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.wake:
			}
			continue
		}
		q.deliver(ctx, e, credential)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// next discards stale heads and claims the head entry for delivery.
func (q *Queue) next() (*Entry, string, bool) {
	q.mu.Lock()
	defer q.publish()
	defer q.mu.Unlock()

	for len(q.entries) > 0 && q.entries[0].Segment.SessionID != q.sessionID {
		q.entries = q.entries[1:]
	}
	if len(q.entries) == 0 {
		if q.status.State != StateIdle {
			q.status.State = StateIdle
			q.status.Pending = 0
			q.changedLocked()
		}
		return nil, "", false
	}

	credential, ok := q.auth.Credential()
	if !ok {
		if q.status.State != StateAuthRequired {
			q.status.State = StateAuthRequired
			q.status.Pending = len(q.entries)
			q.status.Index = q.entries[0].Segment.Index
			q.changedLocked()
		}
		return nil, "", false
	}

	e := q.entries[0]
	e.State = EntryInFlight
	q.inFlight = true
	q.status.State = StateDelivering
	q.status.Pending = len(q.entries)
	q.status.Index = e.Segment.Index
	q.status.Attempt = e.Attempt
	q.changedLocked()
	return e, credential, true
}

func (q *Queue) deliver(ctx context.Context, e *Entry, credential string) {
	seg := e.Segment
	attemptCtx, cancel := context.WithTimeout(ctx, q.opts.AttemptTimeout)
	text, err := q.client.Transcribe(attemptCtx, credential, seg)
	timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
	cancel()

	if err != nil && ctx.Err() != nil {
		// Shutting down: leave the entry for whoever runs next.
		q.mu.Lock()
		q.inFlight = false
		e.State = EntryPending
		q.changedLocked()
		q.mu.Unlock()
		return
	}
	if err != nil && timedOut && !apperr.Retryable(err) && !apperr.Is(err, apperr.KindAuth) {
		err = apperr.NewNetworkTimeout(err)
	}

	q.mu.Lock()
	q.inFlight = false
	if len(q.entries) == 0 || q.entries[0] != e || seg.SessionID != q.sessionID {
		q.changedLocked()
		q.mu.Unlock()
		q.log.Info("result for superseded session discarded",
			slog.String("session_id", seg.SessionID),
			slog.Int("index", seg.Index))
		q.publish()
		return
	}

	switch {
	case err == nil:
		q.transcript.Append(seg.Index, text)
		q.popLocked(EntryDone)
		q.status.Delivered++
		q.mu.Unlock()
		q.log.Debug("segment delivered", slog.Int("index", seg.Index), slog.Int("attempts", e.Attempt+1))
		q.publish()

	case apperr.Is(err, apperr.KindAuth):
		q.auth.Clear()
		e.State = EntryPending
		e.LastError = reason(err)
		q.status.State = StateAuthRequired
		q.status.LastError = e.LastError
		q.status.Pending = len(q.entries)
		q.changedLocked()
		onAuth := q.opts.OnAuthRequired
		q.mu.Unlock()

		q.log.Warn("authentication rejected, delivery halted",
			slog.Int("index", seg.Index),
			slog.Int("pending", q.Status().Pending))
		if onAuth != nil {
			onAuth()
		}
		q.publish()

	case apperr.Retryable(err):
		rateLimited := apperr.Is(err, apperr.KindRateLimited)
		e.LastError = reason(err)
		if !rateLimited && e.Attempt >= q.opts.MaxRetries {
			q.failLocked(e, err)
			return
		}
		delay := q.opts.Backoff.Delay(e.Attempt, q.opts.Rand())
		e.Attempt++
		e.State = EntryAwaitingBackoff
		q.status.State = StateStalled
		q.status.Attempt = e.Attempt
		q.status.LastError = e.LastError
		q.status.RetryIn = delay
		q.changedLocked()
		superseded := q.superseded
		q.mu.Unlock()

		q.log.Warn("segment delivery stalled",
			slog.Int("index", seg.Index),
			slog.Int("attempt", e.Attempt),
			slog.Bool("rate_limited", rateLimited),
			slog.Duration("retry_in", delay),
			slog.String("error", e.LastError))
		q.publish()
		q.sleep(ctx, delay, superseded)

		q.mu.Lock()
		if e.State == EntryAwaitingBackoff {
			e.State = EntryPending
		}
		q.mu.Unlock()

	default:
		e.LastError = reason(err)
		q.failLocked(e, err)
	}
}

// failLocked records a placeholder for e and drops it. It releases q.mu.
func (q *Queue) failLocked(e *Entry, err error) {
	q.transcript.AppendFailure(e.Segment.Index, e.LastError)
	q.popLocked(EntryFailed)
	q.status.Failed++
	q.mu.Unlock()

	q.log.Error("segment permanently failed",
		slog.Int("index", e.Segment.Index),
		slog.String("kind", string(apperr.KindOf(err))),
		slog.String("error", err.Error()))
	q.publish()
}

func (q *Queue) popLocked(final EntryState) {
	q.entries[0].State = final
	q.entries = q.entries[1:]
	q.status.State = StateDelivering
	q.status.Pending = len(q.entries)
	q.status.Attempt = 0
	q.status.LastError = ""
	q.status.RetryIn = 0
	if len(q.entries) == 0 {
		q.status.State = StateIdle
	}
	q.changedLocked()
}

func (q *Queue) sleep(ctx context.Context, d time.Duration, superseded <-chan struct{}) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-superseded:
	case <-ctx.Done():
	}
}

func (q *Queue) changedLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) publish() {
	if q.opts.OnStatus != nil {
		q.opts.OnStatus(q.Status())
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// reason is the short, user-facing description of a delivery error.
func reason(err error) string {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return err.Error()
}
