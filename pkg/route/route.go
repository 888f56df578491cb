// Package route maps request paths to content handlers by longest
// matching prefix.
package route

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/raphaelreyna/spade/pkg/httpmsg"
)

// Kind tells static and dynamic descriptors apart.
type Kind int

const (
	Static Kind = iota + 1
	Dynamic
)

func (k Kind) String() string {
	switch k {
	case Static:
		return "static"
	case Dynamic:
		return "dynamic"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Descriptor describes what a route is bound to: a document root for
// Static routes, an executable path for Dynamic ones.
type Descriptor struct {
	Kind   Kind
	Target string
}

func (d Descriptor) String() string {
	return d.Kind.String() + ":" + d.Target
}

// Match is the outcome of a successful lookup.
type Match struct {
	Prefix string
	// Rest is the part of the decoded path after Prefix, always
	// empty or starting with '/'.
	Rest       string
	Descriptor Descriptor
}

// Handler serves requests for a matched route.
type Handler interface {
	ServeRoute(ctx context.Context, m Match, req *httpmsg.Request) (*httpmsg.Response, error)
}

// HandlerFunc is a functional implementation of the Handler interface.
type HandlerFunc func(context.Context, Match, *httpmsg.Request) (*httpmsg.Response, error)

// ServeRoute implements the Handler interface.
func (f HandlerFunc) ServeRoute(ctx context.Context, m Match, req *httpmsg.Request) (*httpmsg.Response, error) {
	return f(ctx, m, req)
}

// Entry binds a path prefix to a descriptor and the handler serving it.
type Entry struct {
	Prefix     string
	Descriptor Descriptor
	Handler    Handler
}

// Table is an immutable, ordered set of entries. It is safe for
// concurrent use since nothing mutates it after NewTable returns.
type Table struct {
	entries []Entry
}

// InvalidEntryError occurs when an entry cannot be added to a Table.
type InvalidEntryError struct {
	Prefix string
	Cause  error
}

// Error implements the error interface.
func (e InvalidEntryError) Error() string {
	return fmt.Sprintf("invalid route %q: %s", e.Prefix, e.Cause)
}

// Unwrap implements the implicit interface used by errors.Is and errors.As.
func (e InvalidEntryError) Unwrap() error {
	return e.Cause
}

var (
	errRelativePrefix  = errors.New("prefix must start with '/'")
	errDuplicatePrefix = errors.New("duplicate prefix")
	errNilHandler      = errors.New("nil handler")
)

// NewTable copies entries into a Table, keeping their order.
func NewTable(entries ...Entry) (*Table, error) {
	seen := make(map[string]struct{}, len(entries))
	es := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !strings.HasPrefix(e.Prefix, "/") {
			return nil, InvalidEntryError{Prefix: e.Prefix, Cause: errRelativePrefix}
		}
		if _, ok := seen[e.Prefix]; ok {
			return nil, InvalidEntryError{Prefix: e.Prefix, Cause: errDuplicatePrefix}
		}
		if e.Handler == nil {
			return nil, InvalidEntryError{Prefix: e.Prefix, Cause: errNilHandler}
		}
		seen[e.Prefix] = struct{}{}
		es = append(es, e)
	}
	return &Table{entries: es}, nil
}

// Entries returns a copy of the table's entries in configuration order.
func (t *Table) Entries() []Entry {
	es := make([]Entry, len(t.entries))
	copy(es, t.entries)
	return es
}

// Lookup returns the entry with the longest prefix matching path.
// Ties go to the entry configured first.
func (t *Table) Lookup(path string) (Entry, Match, bool) {
	best := -1
	for i, e := range t.entries {
		if !matches(e.Prefix, path) {
			continue
		}
		if best < 0 || len(e.Prefix) > len(t.entries[best].Prefix) {
			best = i
		}
	}
	if best < 0 {
		return Entry{}, Match{}, false
	}
	e := t.entries[best]
	m := Match{
		Prefix:     e.Prefix,
		Rest:       path[len(strings.TrimSuffix(e.Prefix, "/")):],
		Descriptor: e.Descriptor,
	}
	return e, m, true
}

// matches reports whether prefix covers path on a segment boundary, so
// "/adder" covers "/adder" and "/adder/x" but not "/adderpy".
func matches(prefix, path string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) || strings.HasSuffix(prefix, "/") {
		return true
	}
	return path[len(prefix)] == '/'
}

// Router selects the handler for a request. It performs no I/O.
type Router struct {
	table    *Table
	notFound httpmsg.Handler
}

// NewRouter returns a Router over t.
func NewRouter(t *Table) *Router {
	return &Router{
		table: t,
		notFound: httpmsg.HandlerFunc(func(_ context.Context, req *httpmsg.Request) (*httpmsg.Response, error) {
			return nil, httpmsg.NotFoundError{Path: req.Path}
		}),
	}
}

// Dispatch returns the handler for req, or a handler answering 404 when
// no route matches.
func (r *Router) Dispatch(req *httpmsg.Request) httpmsg.Handler {
	e, m, ok := r.table.Lookup(req.Path)
	if !ok {
		return r.notFound
	}
	return httpmsg.HandlerFunc(func(ctx context.Context, req *httpmsg.Request) (*httpmsg.Response, error) {
		return e.Handler.ServeRoute(ctx, m, req)
	})
}
