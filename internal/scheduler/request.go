package scheduler

import (
	"context"
	"sync"
	"time"

	"genpool/pkg/types"
)

// Filter is a request's eligibility predicate over a backend snapshot
// (feature/LoRA/etc. constraints). A nil Filter matches everything.
type Filter func(types.BackendSnapshot) bool

// Request is created at intake and lives until the scheduler sets a result
// or failure, or its context is canceled.
type Request struct {
	ID              int64
	DesiredModel    string
	Filter          Filter
	SessionID       string
	NotifyWillLoad  func()
	Ctx             context.Context
	StartTime       time.Time

	completion chan struct{}
	once       sync.Once
	notifyOnce sync.Once

	mu          sync.Mutex
	result      *BackendAccess
	failure     error
	pressureRef *PressureEntry
}

// NewRequest builds a Request in its initial (unresolved) state.
func NewRequest(id int64, ctx context.Context, desiredModel string, filter Filter, sessionID string, notifyWillLoad func()) *Request {
	return &Request{
		ID:             id,
		DesiredModel:   desiredModel,
		Filter:         filter,
		SessionID:      sessionID,
		NotifyWillLoad: notifyWillLoad,
		Ctx:            ctx,
		StartTime:      time.Now(),
		completion:     make(chan struct{}),
	}
}

func (r *Request) matches(s types.BackendSnapshot) bool {
	if r.Filter == nil {
		return true
	}
	return r.Filter(s)
}

// Done returns the channel that closes exactly once, when the request
// leaves the open set.
func (r *Request) Done() <-chan struct{} { return r.completion }

// complete resolves the request with either a handle or an error (both nil
// means cancellation). Safe to call more than once; only the first call has
// effect.
func (r *Request) complete(access *BackendAccess, err error) {
	r.once.Do(func() {
		r.mu.Lock()
		r.result = access
		r.failure = err
		r.mu.Unlock()
		close(r.completion)
	})
}

// Result returns the resolved handle/error/cancellation once Done() has
// fired.
func (r *Request) Result() (*BackendAccess, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.failure
}

// pressure returns the pressure entry this request is currently registered
// against, if any.
func (r *Request) pressure() *PressureEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pressureRef
}

func (r *Request) setPressure(p *PressureEntry) {
	r.mu.Lock()
	r.pressureRef = p
	r.mu.Unlock()
}

// fireWillLoadOnce invokes NotifyWillLoad at most once, the first time the
// request's pressure entry is observed to be loading.
func (r *Request) fireWillLoadOnce() {
	if r.NotifyWillLoad == nil {
		return
	}
	r.notifyOnce.Do(r.NotifyWillLoad)
}
