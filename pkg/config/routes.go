package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/raphaelreyna/spade/pkg/cgi"
	"github.com/raphaelreyna/spade/pkg/httpmsg"
	"github.com/raphaelreyna/spade/pkg/route"
	"github.com/raphaelreyna/spade/pkg/static"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Routes is a route table together with the files opened while building it.
type Routes struct {
	Table *route.Table
	files []*os.File
}

// Close releases every file opened for the table.
func (r *Routes) Close() error {
	var err error
	for _, f := range r.files {
		err = multierr.Append(err, f.Close())
	}
	r.files = nil
	return err
}

// StaticRoot is the absolute form of StaticFilePath.
func (c *Config) StaticRoot() (string, error) {
	return filepath.Abs(c.StaticFilePath)
}

// BuildRoutes turns the configured routes into a route table. Relative
// paths are resolved against the working directory. A static route for
// "/" serving StaticFilePath is appended unless one is configured.
func (c *Config) BuildRoutes(software string, log *zap.Logger) (*Routes, error) {
	if log == nil {
		log = zap.NewNop()
	}
	docRoot, err := c.StaticRoot()
	if err != nil {
		return nil, ValidationError{Key: "static_file_path", Cause: err}
	}

	rs := &Routes{}
	var entries []route.Entry
	hasRoot := false
	for i, r := range c.Routes {
		if r.Prefix == "/" {
			hasRoot = true
		}
		e, err := c.entry(rs, r, docRoot, software, log)
		if err != nil {
			rs.Close()
			return nil, ValidationError{Key: fmt.Sprintf("routes[%d]", i), Cause: err}
		}
		entries = append(entries, e)
	}
	if !hasRoot {
		entries = append(entries, staticEntry("/", docRoot, log))
	}

	rs.Table, err = route.NewTable(entries...)
	if err != nil {
		rs.Close()
		return nil, err
	}
	for _, e := range rs.Table.Entries() {
		log.Info("route", zap.String("prefix", e.Prefix), zap.Stringer("target", e.Descriptor))
	}
	return rs, nil
}

func staticEntry(prefix, root string, log *zap.Logger) route.Entry {
	return route.Entry{
		Prefix:     prefix,
		Descriptor: route.Descriptor{Kind: route.Static, Target: root},
		Handler:    &static.Resolver{Root: root, Logger: log.Named("static")},
	}
}

func (c *Config) entry(rs *Routes, r Route, docRoot, software string, log *zap.Logger) (route.Entry, error) {
	if !r.Dynamic() {
		root, err := filepath.Abs(r.Root)
		if err != nil {
			return route.Entry{}, err
		}
		return staticEntry(r.Prefix, root, log), nil
	}

	exe, err := filepath.Abs(r.Executable)
	if err != nil {
		return route.Entry{}, err
	}
	var dir string
	if r.Dir != "" {
		dir, err = filepath.Abs(r.Dir)
		if err != nil {
			return route.Entry{}, err
		}
	}
	timeout := r.Timeout
	if timeout == 0 {
		timeout = c.CGITimeout
	}

	var header httpmsg.Header
	for _, h := range r.Header {
		k, v, _ := httpmsg.ParseHeaderLine(h)
		header.Set(k, v)
	}

	clog := log.Named("cgi").With(zap.String("prefix", r.Prefix))
	l := &cgi.Launcher{
		Path: exe,
		Dir:  dir,
		Server: cgi.ServerInfo{
			Software:     software,
			Name:         c.Hostname,
			Port:         c.Port,
			DocumentRoot: docRoot,
		},
		Env:            r.Env,
		InheritEnv:     r.InheritEnv,
		Timeout:        timeout,
		Output:         r.Output,
		ExitPolicy:     c.NonzeroExit,
		MaxOutputBytes: c.MaxOutputBytes,
		Header:         header,
		Logger:         clog,
	}
	if r.Stderr != "" {
		f, err := os.OpenFile(r.Stderr, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
		if err != nil {
			return route.Entry{}, err
		}
		rs.files = append(rs.files, f)
		l.Stderr = f
	}

	var h route.Handler = l
	if b := r.Breaker; b != nil {
		opts := []cgi.BreakerOption{
			cgi.BreakerName(r.Prefix),
			cgi.BreakerLogger(clog.Named("breaker")),
			cgi.BreakerTripCount(b.TripCount),
			cgi.BreakerInterval(b.Interval),
		}
		if b.Timeout > 0 {
			opts = append(opts, cgi.BreakerTimeout(b.Timeout))
		}
		if b.MaxRequests > 0 {
			opts = append(opts, cgi.BreakerMaxRequests(b.MaxRequests))
		}
		h = cgi.NewBreaker(l, opts...)
	}

	return route.Entry{
		Prefix:     r.Prefix,
		Descriptor: route.Descriptor{Kind: route.Dynamic, Target: exe},
		Handler:    h,
	}, nil
}
