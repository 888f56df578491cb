// Package cgi runs executables in subprocesses following the CGI contract:
// request data goes in through environment variables and stdin, the
// response comes back on stdout.
package cgi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/raphaelreyna/spade/pkg/httpmsg"
	"github.com/raphaelreyna/spade/pkg/route"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultTimeout bounds a child's whole run when Launcher.Timeout is unset.
	DefaultTimeout = 5 * time.Second
	// DefaultMaxOutputBytes bounds captured stdout when Launcher.MaxOutputBytes is unset.
	DefaultMaxOutputBytes = 16 << 20
)

// ExitPolicy decides what a non-zero exit code means for a response. A
// child killed by a signal is always a failure.
type ExitPolicy int

const (
	// ExitIgnore honors the child's output whatever its exit code.
	ExitIgnore ExitPolicy = iota
	// ExitFail answers 500 when the child exits non-zero.
	ExitFail
)

func (p ExitPolicy) String() string {
	if p == ExitFail {
		return "fail"
	}
	return "ignore"
}

// ParseExitPolicy parses "ignore" or "fail". The empty string is ignore.
func ParseExitPolicy(s string) (ExitPolicy, error) {
	switch strings.ToLower(s) {
	case "", "ignore":
		return ExitIgnore, nil
	case "fail":
		return ExitFail, nil
	default:
		return 0, fmt.Errorf("unknown exit policy: %q", s)
	}
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (p *ExitPolicy) UnmarshalText(b []byte) error {
	v, err := ParseExitPolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ExitError occurs when a child is killed by a signal, or exits non-zero
// under ExitFail.
type ExitError struct {
	Status ExitStatus
}

// Error implements the error interface.
func (e ExitError) Error() string {
	return "cgi: child ended with " + e.Status.String()
}

// ErrOutputTooLarge occurs when a child writes more than MaxOutputBytes.
var ErrOutputTooLarge = errors.New("cgi: output too large")

// Launcher runs an executable in a subprocess with a CGI environment.
// The executable does not need to provide any headers, Launcher will provide default Header values.
// If the executable does provide header values, they will overwrite the default values in Header.
//
// A Launcher is safe for concurrent use; every call to Run spawns its own child.
type Launcher struct {
	// Path is the executable. A relative Path is resolved against the
	// server's working directory.
	Path string
	// Dir is the child's working directory. Defaults to the directory holding Path.
	Dir string

	Server ServerInfo

	// Env holds extra "KEY=value" entries, overriding computed ones.
	Env []string
	// InheritEnv names variables copied from the server's own environment.
	InheritEnv []string

	Timeout        time.Duration
	Output         OutputMode
	ExitPolicy     ExitPolicy
	MaxOutputBytes int64

	// Header contains header values that should be used by default.
	Header httpmsg.Header

	// Stderr receives the child's stderr. Defaults to Logger, line by line.
	Stderr io.Writer
	Logger *zap.Logger

	// Spawner defaults to OSSpawner.
	Spawner Spawner
}

var tracer = otel.Tracer("github.com/raphaelreyna/spade/pkg/cgi")

// ServeRoute implements the route.Handler interface.
func (l *Launcher) ServeRoute(ctx context.Context, m route.Match, req *httpmsg.Request) (*httpmsg.Response, error) {
	return l.Run(ctx, req, strings.TrimSuffix(m.Prefix, "/"), m.Rest)
}

// Run spawns the executable for req and converts its output into a
// response. The child is always reaped before Run returns, on every path
// including spawn failure, timeout and output errors.
func (l *Launcher) Run(ctx context.Context, req *httpmsg.Request, scriptName, pathInfo string) (resp *httpmsg.Response, err error) {
	log := l.logger().With(zap.String("executable", l.Path))
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, span := tracer.Start(ctx, "cgi.run", trace.WithAttributes(
		attribute.String("cgi.executable", l.Path),
		attribute.String("cgi.query_string", req.RawQuery),
		attribute.String("cgi.output_mode", l.Output.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// exec resolves a relative Path against Dir, so it must be absolute
	// before Dir defaults to its parent.
	path, err := filepath.Abs(l.Path)
	if err != nil {
		return nil, httpmsg.HandlerError{Cause: SpawnError{Path: l.Path, Cause: err}}
	}
	dir := l.Dir
	if dir == "" {
		dir = filepath.Dir(path)
	}
	stderr := l.Stderr
	var lw *logWriter
	if stderr == nil {
		lw = &logWriter{log: log}
		stderr = lw
	}

	proc, err := l.spawner().Spawn(Command{
		Path:   path,
		Dir:    dir,
		Env:    l.environ(req, scriptName, pathInfo),
		Stderr: stderr,
	})
	if err != nil {
		log.Error("failed to spawn child", zap.Error(err))
		return nil, httpmsg.HandlerError{Cause: err}
	}
	pid := proc.Pid()
	span.SetAttributes(attribute.Int("cgi.pid", pid))
	start := time.Now()

	out, err := l.exchange(ctx, proc, req.Body, log)
	status, werr, terr := reap(ctx, proc, log)
	if err == nil {
		err = terr
	}
	if lw != nil {
		lw.flush()
	}
	if werr != nil {
		log.Warn("error while reaping child", zap.Int("pid", pid), zap.Error(werr))
	}
	span.SetAttributes(attribute.Int("cgi.exit_code", status.Code))
	log.Debug("child reaped",
		zap.Int("pid", pid),
		zap.Stringer("status", status),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("output_bytes", len(out)),
	)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		log.Error("child timed out and was terminated", zap.Int("pid", pid), zap.Duration("timeout", timeout))
		return nil, httpmsg.TimeoutError{After: timeout}
	case err != nil:
		log.Error("child failed", zap.Int("pid", pid), zap.Error(err))
		return nil, httpmsg.HandlerError{Cause: err}
	}

	if status.Signaled {
		log.Error("child was killed by a signal", zap.Int("pid", pid), zap.Stringer("status", status))
		return nil, httpmsg.HandlerError{Cause: ExitError{Status: status}}
	}
	if !status.Success() {
		log.Warn("child ended unsuccessfully", zap.Int("pid", pid), zap.Stringer("status", status), zap.Stringer("policy", l.ExitPolicy))
		if l.ExitPolicy == ExitFail {
			return nil, httpmsg.HandlerError{Cause: ExitError{Status: status}}
		}
	}

	resp, err = buildResponse(l.Output, l.Header, out, log)
	if err != nil {
		log.Error("unusable child output", zap.Error(err))
		return nil, httpmsg.HandlerError{Cause: err}
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.Status))
	return resp, nil
}

// exchange writes body to the child's stdin while concurrently draining its
// stdout, so neither side can deadlock on a full pipe. The child is
// terminated if ctx ends first or the output cannot be captured.
func (l *Launcher) exchange(ctx context.Context, proc Process, body []byte, log *zap.Logger) ([]byte, error) {
	type result struct {
		out []byte
		err error
	}
	max := l.MaxOutputBytes
	if max <= 0 {
		max = DefaultMaxOutputBytes
	}

	done := make(chan result, 1)
	go func() {
		var out []byte
		var g errgroup.Group
		g.Go(func() error {
			writeInput(proc.Stdin(), body, log)
			return nil
		})
		g.Go(func() (err error) {
			out, err = readOutput(proc.Stdout(), max)
			return err
		})
		err := g.Wait()
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			terminate(proc, log)
		}
		return r.out, r.err
	case <-ctx.Done():
		terminate(proc, log)
		<-done
		return nil, ctx.Err()
	}
}

// reap waits for the child to exit. A child may close stdout and keep
// running, so the wait is still bounded by ctx; when ctx ends first the
// child is terminated and ctx's error is returned as terr.
func reap(ctx context.Context, proc Process, log *zap.Logger) (status ExitStatus, werr, terr error) {
	type waitResult struct {
		status ExitStatus
		err    error
	}
	waited := make(chan waitResult, 1)
	go func() {
		s, err := proc.Wait()
		waited <- waitResult{status: s, err: err}
	}()

	select {
	case w := <-waited:
		return w.status, w.err, nil
	case <-ctx.Done():
		terminate(proc, log)
		w := <-waited
		return w.status, w.err, ctx.Err()
	}
}

func writeInput(w io.WriteCloser, body []byte, log *zap.Logger) {
	if len(body) > 0 {
		_, err := w.Write(body)
		if err != nil {
			// The child may exit without reading its input.
			log.Debug("failed to write request body to child", zap.Error(err))
		}
	}
	err := w.Close()
	if err != nil {
		log.Debug("failed to close child stdin", zap.Error(err))
	}
}

func readOutput(r io.Reader, max int64) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return out, err
	}
	if int64(len(out)) > max {
		return out[:max], ErrOutputTooLarge
	}
	return out, nil
}

func terminate(proc Process, log *zap.Logger) {
	err := proc.Terminate()
	if err != nil {
		log.Warn("failed to terminate child", zap.Int("pid", proc.Pid()), zap.Error(err))
	}
}

func (l *Launcher) logger() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger
}

func (l *Launcher) spawner() Spawner {
	if l.Spawner == nil {
		return OSSpawner{}
	}
	return l.Spawner
}
