package promise

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flowmusic/flow/pkg/ipc"
)

// DefaultTimeout applies when Create is called with a zero timeout.
const DefaultTimeout = 30 * time.Second

var (
	// ErrTimeout is returned by Wait when no response arrived in time.
	ErrTimeout = errors.New("request timed out")
	// ErrDuplicateNonce is returned by Create for a nonce already in flight.
	ErrDuplicateNonce = errors.New("nonce already in flight")
)

type result struct {
	data json.RawMessage
	err  error
}

// Pending is one outstanding request.
type Pending struct {
	Nonce     string
	CreatedAt time.Time
	Timeout   time.Duration

	registry *Registry
	ch       chan result
	timer    *time.Timer
}

// Wait blocks until the request settles or ctx is done. A cancelled ctx
// removes the entry so a late reply is dropped.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case r := <-p.ch:
		return r.data, r.err
	case <-ctx.Done():
		p.registry.remove(p.Nonce)
		return nil, ctx.Err()
	}
}

// Registry correlates responses with outstanding requests by nonce.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*Pending
	timeout time.Duration
}

// NewRegistry creates a registry. A zero defaultTimeout selects
// DefaultTimeout.
func NewRegistry(defaultTimeout time.Duration) *Registry {
	if defaultTimeout == 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Registry{
		pending: make(map[string]*Pending),
		timeout: defaultTimeout,
	}
}

// Create registers nonce. A zero timeout uses the registry default and a
// negative one disables expiry, leaving the caller's context in charge.
func (r *Registry) Create(nonce string, timeout time.Duration) (*Pending, error) {
	if timeout == 0 {
		timeout = r.timeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[nonce]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateNonce, nonce)
	}

	p := &Pending{
		Nonce:     nonce,
		CreatedAt: time.Now(),
		Timeout:   timeout,
		registry:  r,
		ch:        make(chan result, 1),
	}
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			r.settle(nonce, result{err: fmt.Errorf("%w after %s (nonce %s)", ErrTimeout, timeout, nonce)})
		})
	}
	r.pending[nonce] = p
	return p, nil
}

// Resolve settles nonce with data. It reports false when nonce is unknown,
// which happens for late or duplicate replies.
func (r *Registry) Resolve(nonce string, data json.RawMessage) bool {
	return r.settle(nonce, result{data: data})
}

// Reject settles nonce with err.
func (r *Registry) Reject(nonce string, err error) bool {
	return r.settle(nonce, result{err: err})
}

// ResolveEnvelope settles the request env answers, rejecting when the
// envelope carries an error.
func (r *Registry) ResolveEnvelope(env ipc.Envelope) bool {
	if env.Error != nil {
		return r.Reject(env.Nonce, env.Error)
	}
	return r.Resolve(env.Nonce, env.Payload)
}

// Clear rejects every outstanding request with err.
func (r *Registry) Clear(err error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]*Pending)
	r.mu.Unlock()

	for _, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- result{err: err}
	}
}

// Len returns the number of outstanding requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Registry) settle(nonce string, res result) bool {
	p := r.remove(nonce)
	if p == nil {
		return false
	}
	p.ch <- res
	return true
}

func (r *Registry) remove(nonce string) *Pending {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[nonce]
	if !ok {
		return nil
	}
	delete(r.pending, nonce)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}
