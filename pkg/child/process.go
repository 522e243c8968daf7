package child

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/flowmusic/flow/pkg/ipc"
)

// Options describes the executable to start.
type Options struct {
	Path string
	Args []string
	// Env is appended to the parent's environment.
	Env    []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

// Handlers receive the events of one process. Every field is optional.
// Messages read before the channel closes are delivered before OnExit.
type Handlers struct {
	OnMessage func(env ipc.Envelope)
	OnExit    func(code int)
	OnError   func(err error)
}

// Handle is the part of a Process its owner depends on.
type Handle interface {
	Send(env ipc.Envelope) bool
	Kill() error
	Pid() int
}

// Spawner starts child processes.
type Spawner interface {
	Spawn(opts Options, h Handlers) (Handle, error)
}

// ExecSpawner starts real OS processes.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(opts Options, h Handlers) (Handle, error) {
	p, err := Spawn(opts, h)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Process is a running child with an IPC channel.
type Process struct {
	cmd  *exec.Cmd
	conn *ipc.Conn

	mu       sync.Mutex
	handlers Handlers
	killed   bool

	done     chan struct{}
	exitCode int
}

// Spawn validates opts.Path and starts the process. The child reads
// envelopes from fd 3 and writes them to fd 4.
func Spawn(opts Options, h Handlers) (*Process, error) {
	path, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, &SpawnError{Path: opts.Path, Err: err}
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, &SpawnError{Path: path, Err: err}
	}
	if !info.Mode().IsRegular() {
		return nil, &SpawnError{Path: path, Err: ErrNotRegular}
	}

	toChildR, toChildW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Path: path, Err: err}
	}
	fromChildR, fromChildW, err := os.Pipe()
	if err != nil {
		toChildR.Close()
		toChildW.Close()
		return nil, &SpawnError{Path: path, Err: err}
	}

	cmd := exec.Command(path, opts.Args...)
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Dir = opts.Dir
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	cmd.ExtraFiles = []*os.File{toChildR, fromChildW}

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{toChildR, toChildW, fromChildR, fromChildW} {
			f.Close()
		}
		return nil, &SpawnError{Path: path, Err: err}
	}

	// the child owns these ends now
	toChildR.Close()
	fromChildW.Close()

	p := &Process{
		cmd:      cmd,
		conn:     ipc.NewConn(fromChildR, toChildW, fromChildR, toChildW),
		handlers: h,
		done:     make(chan struct{}),
	}
	go p.run()
	return p, nil
}

// ParentConn opens the IPC channel inherited from the manager.
func ParentConn() (*ipc.Conn, error) {
	in := os.NewFile(3, "ipc-in")
	out := os.NewFile(4, "ipc-out")
	if in == nil || out == nil {
		return nil, ErrNoParent
	}
	if _, err := in.Stat(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoParent, err)
	}
	if _, err := out.Stat(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoParent, err)
	}
	return ipc.NewConn(in, out, in, out), nil
}

// Send writes env to the child. It returns false once the channel is
// closed or the write fails.
func (p *Process) Send(env ipc.Envelope) bool {
	if err := p.conn.Send(env); err != nil {
		if !errors.Is(err, ipc.ErrClosed) {
			p.emitError(err)
		}
		return false
	}
	return true
}

// Kill detaches all handlers and terminates the child. Calling it again,
// or on a process that already exited, does nothing.
func (p *Process) Kill() error {
	p.mu.Lock()
	if p.killed {
		p.mu.Unlock()
		return nil
	}
	p.killed = true
	p.handlers = Handlers{}
	p.mu.Unlock()

	// signal first: a child that stopped reading may have a Send blocked
	// on its full pipe
	var err error
	select {
	case <-p.done:
	default:
		if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = fmt.Errorf("failed to kill process %d: %w", p.Pid(), kerr)
		}
	}
	p.conn.Close()
	return err
}

// Pid returns the OS process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode is valid after Done is closed. It is -1 when the process was
// terminated by a signal.
func (p *Process) ExitCode() int {
	<-p.done
	return p.exitCode
}

func (p *Process) run() {
	for {
		env, err := p.conn.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.emitError(err)
			}
			break
		}
		if h := p.snapshot(); h.OnMessage != nil {
			h.OnMessage(env)
		}
	}

	err := p.cmd.Wait()
	p.conn.Close()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	p.exitCode = code
	close(p.done)

	if h := p.snapshot(); h.OnExit != nil {
		h.OnExit(code)
	}
}

func (p *Process) snapshot() Handlers {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers
}

func (p *Process) emitError(err error) {
	if h := p.snapshot(); h.OnError != nil {
		h.OnError(err)
	}
}
