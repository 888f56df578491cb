package cgi

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Command describes a child to spawn. It never carries arguments: CGI
// programs receive everything through their environment and stdin.
type Command struct {
	Path   string
	Dir    string
	Env    []string
	Stderr io.Writer
}

// ExitStatus is how a reaped child ended.
type ExitStatus struct {
	Code     int
	Signaled bool
}

// Success reports a zero exit code without a signal.
func (s ExitStatus) Success() bool {
	return s.Code == 0 && !s.Signaled
}

func (s ExitStatus) String() string {
	if s.Signaled {
		return "signaled"
	}
	return fmt.Sprintf("exit status %d", s.Code)
}

// Process is a running child. The Launcher owns it exclusively: it writes
// Stdin then closes it, drains Stdout, and always calls Wait exactly once.
type Process interface {
	Pid() int
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Terminate forcibly stops the child and unblocks any pending
	// Stdin writes or Stdout reads. It is safe to call more than once.
	Terminate() error
	// Wait reaps the child.
	Wait() (ExitStatus, error)
}

// Spawner starts child processes.
type Spawner interface {
	Spawn(Command) (Process, error)
}

// SpawnError occurs when a child could not be started. No process exists
// when it is returned.
type SpawnError struct {
	Path  string
	Cause error
}

// Error implements the error interface.
func (e SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %s", e.Path, e.Cause)
}

// Unwrap implements the implicit interface used by errors.Is and errors.As.
func (e SpawnError) Unwrap() error {
	return e.Cause
}

// waitDelay bounds how long Wait keeps copying stderr after the child
// exits, in case a grandchild inherited the descriptor.
const waitDelay = time.Second

// OSSpawner spawns real operating system processes.
type OSSpawner struct{}

// Spawn implements the Spawner interface.
func (OSSpawner) Spawn(c Command) (Process, error) {
	cmd := &exec.Cmd{
		Path:      c.Path,
		Args:      []string{c.Path},
		Dir:       c.Dir,
		Env:       c.Env,
		Stderr:    c.Stderr,
		WaitDelay: waitDelay,
	}
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, SpawnError{Path: c.Path, Cause: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, SpawnError{Path: c.Path, Cause: err}
	}
	err = cmd.Start()
	if err != nil {
		// Start closes the pipes it created on failure.
		return nil, SpawnError{Path: c.Path, Cause: err}
	}
	return &osProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type osProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	termOnce sync.Once
	termErr  error
}

func (p *osProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *osProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *osProcess) Stdout() io.Reader     { return p.stdout }

func (p *osProcess) Terminate() error {
	p.termOnce.Do(func() {
		err := killProcessGroup(p.cmd)
		if errors.Is(err, os.ErrProcessDone) {
			err = nil
		}
		p.stdin.Close()
		p.stdout.Close()
		p.termErr = err
	})
	return p.termErr
}

func (p *osProcess) Wait() (ExitStatus, error) {
	err := p.cmd.Wait()
	state := p.cmd.ProcessState
	if state == nil {
		return ExitStatus{Code: -1}, err
	}
	status := ExitStatus{Code: state.ExitCode(), Signaled: state.ExitCode() == -1}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		err = nil
	}
	if errors.Is(err, os.ErrClosed) {
		err = nil
	}
	return status, err
}
