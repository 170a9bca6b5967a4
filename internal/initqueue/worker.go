// Package initqueue implements the background worker that brings backend
// records up (or fails them out) without blocking the caller that added or
// edited them.
package initqueue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"genpool/internal/driverapi"
)

// DefaultMaxAttempts bounds how many times the worker retries a transient
// init failure before giving up and marking the backend ERRORED, unless the
// caller configures a different value via NewWorker.
const DefaultMaxAttempts = 5

const retryBackoff = time.Second

// Backend is the subset of registry.Record the worker needs. Registry
// records satisfy this interface directly.
type Backend interface {
	ID() int64
	Enabled() bool
	Attempts() int
	BumpAttempts() int
	MarkDisabled()
	MarkLoading()
	MarkWaiting()
	MarkErrored(err error)
	RunInit(ctx context.Context) error
}

// Worker drains a single init queue serially: one backend brought up (or
// failed) at a time, so two concurrent inits never race on shared
// resources like GPU memory probing.
type Worker struct {
	log         zerolog.Logger
	onSuccess   func(Backend)
	maxAttempts int

	mu    sync.Mutex
	queue []Backend
	cond  *sync.Cond

	stopped bool
}

// NewWorker builds a Worker. onSuccess is called after each item that
// finishes RUNNING, so the caller can recompute the "loaded models" view.
// maxAttempts <= 0 falls back to DefaultMaxAttempts.
func NewWorker(log zerolog.Logger, maxAttempts int, onSuccess func(Backend)) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	w := &Worker{
		log:         log.With().Str("component", "initqueue").Logger(),
		onSuccess:   onSuccess,
		maxAttempts: maxAttempts,
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Enqueue adds a backend to the tail of the queue and wakes the worker.
func (w *Worker) Enqueue(b Backend) {
	w.mu.Lock()
	w.queue = append(w.queue, b)
	w.cond.Signal()
	w.mu.Unlock()
}

// Stop lets a blocked Run return once its current item finishes.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.cond.Broadcast()
	w.mu.Unlock()
}

// Run drains the queue until ctx is canceled or Stop is called. It should
// be started exactly once, in its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	for {
		item, ok := w.dequeue()
		if !ok {
			return
		}
		w.process(ctx, item)
	}
}

func (w *Worker) dequeue() (Backend, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.queue) == 0 && !w.stopped {
		w.cond.Wait()
	}
	if len(w.queue) == 0 {
		return nil, false
	}
	item := w.queue[0]
	w.queue = w.queue[1:]
	return item, true
}

func (w *Worker) process(ctx context.Context, b Backend) {
	if !b.Enabled() {
		b.MarkDisabled()
		return
	}
	b.MarkLoading()
	attempts := b.BumpAttempts()
	err := b.RunInit(ctx)
	if err == nil {
		if w.onSuccess != nil {
			w.onSuccess(b)
		}
		return
	}

	var ierr *driverapi.InitError
	terminal := attempts >= w.maxAttempts
	if errors.As(err, &ierr) && ierr.Kind == driverapi.Refused {
		terminal = true
	}

	if !terminal {
		b.MarkWaiting()
		w.log.Debug().Int64("backend_id", b.ID()).Int("attempt", attempts).Err(err).Msg("init failed, retrying")
		time.Sleep(retryBackoff)
		w.Enqueue(b)
		return
	}

	b.MarkErrored(rootCause(err))
	w.log.Warn().Int64("backend_id", b.ID()).Err(err).Msg("init failed permanently")
}

// rootCause unwraps aggregate errors to their innermost cause and translates
// a bare "connection refused" into a friendlier hint, per the spec's error
// handling design.
func rootCause(err error) error {
	for {
		u := errors.Unwrap(err)
		if u == nil {
			break
		}
		err = u
	}
	if strings.Contains(err.Error(), "connection refused") {
		return errors.New(err.Error() + " (is the backend process listening on the configured port?)")
	}
	return err
}
