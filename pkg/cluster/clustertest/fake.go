// Package clustertest provides an in-memory child.Spawner for tests of
// code that supervises clusters.
package clustertest

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/flowmusic/flow/pkg/child"
	"github.com/flowmusic/flow/pkg/ipc"
)

var nextPid atomic.Int64

func init() {
	nextPid.Store(1000)
}

// Spawner records every spawn and returns fake Processes. Events are
// delivered on a per-process goroutine, never from inside Spawn or Send,
// matching the real spawner.
type Spawner struct {
	// AutoReady makes every new process report CLIENT_READY.
	AutoReady bool
	// OnSend scripts the child: it is called for every envelope sent to a
	// process that is still alive.
	OnSend func(p *Process, env ipc.Envelope)
	// Err, when set, fails every spawn.
	Err error

	mu    sync.Mutex
	procs []*Process
}

// Spawn implements child.Spawner.
func (s *Spawner) Spawn(opts child.Options, h child.Handlers) (child.Handle, error) {
	s.mu.Lock()
	err := s.Err
	autoReady := s.AutoReady
	s.mu.Unlock()

	if err != nil {
		return nil, &child.SpawnError{Path: opts.Path, Err: err}
	}

	p := &Process{
		Opts:    opts,
		pid:     int(nextPid.Add(1)),
		h:       h,
		spawner: s,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go p.deliver()

	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()

	if autoReady {
		p.Emit(ipc.MustEnvelope(ipc.ClientReady, nil))
	}
	return p, nil
}

// SetErr changes the spawn failure at runtime.
func (s *Spawner) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}

// Processes returns every process spawned so far.
func (s *Spawner) Processes() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Process(nil), s.procs...)
}

// Count returns the number of spawns.
func (s *Spawner) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Last returns the most recent process, or nil.
func (s *Spawner) Last() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

// ForCluster returns the latest process spawned with CLUSTER=id.
func (s *Spawner) ForCluster(id string) *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.procs) - 1; i >= 0; i-- {
		if s.procs[i].Env(ipc.EnvCluster) == id {
			return s.procs[i]
		}
	}
	return nil
}

// Process is a fake child.
type Process struct {
	Opts child.Options

	pid     int
	h       child.Handlers
	spawner *Spawner
	wake    chan struct{}
	done    chan struct{}

	mu     sync.Mutex
	queue  []func()
	sent   []ipc.Envelope
	killed bool
	exited bool
}

// Pid implements child.Handle.
func (p *Process) Pid() int { return p.pid }

// Send implements child.Handle.
func (p *Process) Send(env ipc.Envelope) bool {
	p.mu.Lock()
	if p.killed || p.exited {
		p.mu.Unlock()
		return false
	}
	p.sent = append(p.sent, env)
	p.mu.Unlock()

	if p.spawner.OnSend != nil {
		p.spawner.OnSend(p, env)
	}
	return true
}

// Kill implements child.Handle. Like the real process, a killed fake never
// reports its exit.
func (p *Process) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.exited = true
	p.mu.Unlock()

	p.signal()
	return nil
}

// Emit delivers env to the owner as if the child had sent it.
func (p *Process) Emit(env ipc.Envelope) {
	p.push(func() {
		if p.h.OnMessage != nil && !p.Killed() {
			p.h.OnMessage(env)
		}
	})
}

// Reply answers req with payload, copying its nonce.
func (p *Process) Reply(req ipc.Envelope, t ipc.MessageType, payload any) {
	reply, err := req.Reply(t, payload)
	if err != nil {
		p.Emit(req.ReplyError(t, err))
		return
	}
	p.Emit(reply)
}

// Exit simulates the child exiting on its own with code.
func (p *Process) Exit(code int) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.queue = append(p.queue, func() {
		if p.h.OnExit != nil && !p.Killed() {
			p.h.OnExit(code)
		}
	})
	p.mu.Unlock()

	p.signal()
}

// Crash emits an error event followed by exit code 1.
func (p *Process) Crash() {
	p.push(func() {
		if p.h.OnError != nil && !p.Killed() {
			p.h.OnError(errors.New("fake crash"))
		}
	})
	p.Exit(1)
}

// Done is closed after the last event has been delivered.
func (p *Process) Done() <-chan struct{} { return p.done }

// Killed reports whether Kill was called.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Sent returns the envelopes sent to the process.
func (p *Process) Sent() []ipc.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ipc.Envelope(nil), p.sent...)
}

// SentOfType returns the sent envelopes of type t.
func (p *Process) SentOfType(t ipc.MessageType) []ipc.Envelope {
	var out []ipc.Envelope
	for _, env := range p.Sent() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// Env returns the value of key in the spawn environment.
func (p *Process) Env(key string) string {
	prefix := key + "="
	for i := len(p.Opts.Env) - 1; i >= 0; i-- {
		if v, ok := strings.CutPrefix(p.Opts.Env[i], prefix); ok {
			return v
		}
	}
	return ""
}

func (p *Process) push(fn func()) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, fn)
	p.mu.Unlock()

	p.signal()
}

func (p *Process) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Process) deliver() {
	defer close(p.done)
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			fn := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()
			fn()
			continue
		}
		exited := p.exited
		p.mu.Unlock()

		if exited {
			return
		}
		<-p.wake
	}
}
