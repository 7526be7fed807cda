package capture

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"web-transcriber/internal/apperr"
)

// TailDevice follows a raw PCM file that an external recorder keeps
// appending to, like tail -f. Reads block until the file grows.
type TailDevice struct {
	Path string

	// FromStart replays audio already in the file; otherwise capture
	// begins at the current end.
	FromStart bool

	// PollInterval re-checks the file even without a write event, in case
	// the watcher misses one. Default 500ms.
	PollInterval time.Duration
}

// Open opens the file and starts watching it.
func (d *TailDevice) Open(ctx context.Context) (Stream, error) {
	f, err := os.Open(d.Path)
	if err != nil {
		return nil, apperr.NewDevice("open capture file", err)
	}
	if !d.FromStart {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return nil, apperr.NewDevice("seek capture file", err)
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		f.Close()
		return nil, apperr.NewDevice("watch capture file", err)
	}
	if err := w.Add(d.Path); err != nil {
		w.Close()
		f.Close()
		return nil, apperr.NewDevice("watch capture file", err)
	}

	poll := d.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}

	return &tailStream{
		f:       f,
		watcher: w,
		poll:    poll,
		ctxDone: ctx.Done(),
		stop:    make(chan struct{}),
		closed:  make(chan struct{}),
	}, nil
}

type tailStream struct {
	f       *os.File
	watcher *fsnotify.Watcher
	poll    time.Duration
	ctxDone <-chan struct{}

	stop      chan struct{}
	closed    chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
}

func (s *tailStream) Read(p []byte) (int, error) {
	for {
		n, err := s.f.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && err != io.EOF {
			return 0, err
		}

		// At the current end of file.
		select {
		case <-s.stop:
			return 0, io.EOF
		case <-s.closed:
			return 0, os.ErrClosed
		default:
		}

		select {
		case <-s.stop:
		case <-s.closed:
		case <-s.ctxDone:
			return 0, io.EOF
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return 0, io.EOF
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				return 0, io.EOF
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return 0, io.EOF
			}
			return 0, err
		case <-time.After(s.poll):
		}
	}
}

// Stop makes Read return io.EOF once the data written so far is consumed.
func (s *tailStream) Stop() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *tailStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.Stop()
		close(s.closed)
		s.watcher.Close()
		err = s.f.Close()
	})
	return err
}
