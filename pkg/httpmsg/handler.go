// Package httpmsg holds the request and response types exchanged between
// the connection handler and content handlers, and their wire encoding.
package httpmsg

import "context"

// Handler produces the response for a request. A returned error is turned
// into a status code with StatusOf; the response is ignored in that case.
type Handler interface {
	Serve(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc is a functional implementation of the Handler interface.
type HandlerFunc func(context.Context, *Request) (*Response, error)

// Serve implements the Handler interface.
func (f HandlerFunc) Serve(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
