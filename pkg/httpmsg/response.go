package httpmsg

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// Response is produced by a handler and written to the client exactly once.
type Response struct {
	Status int
	Header Header
	// Body yields exactly ContentLength bytes. A Body which is also an
	// io.Closer is closed by Close.
	Body          io.Reader
	ContentLength int64
}

// NewResponse returns a response whose body is b.
func NewResponse(status int, contentType string, b []byte) *Response {
	resp := &Response{
		Status:        status,
		Body:          bytes.NewReader(b),
		ContentLength: int64(len(b)),
	}
	if contentType != "" {
		resp.Header.Set("Content-Type", contentType)
	}
	return resp
}

// ErrorResponse returns a short text/plain response describing status.
func ErrorResponse(status int) *Response {
	return NewResponse(status, "text/plain", []byte(fmt.Sprintf("%d %s\n", status, StatusText(status))))
}

// Close releases the body if it holds a resource.
func (r *Response) Close() error {
	if c, ok := r.Body.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// hop-by-hop and framing fields are always computed by WriteResponse.
var managedFields = []string{"Content-Length", "Connection", "Transfer-Encoding", "Keep-Alive"}

// WriteResponse writes the status line, the header block with computed
// Content-Length and "Connection: close", then the body. When omitBody
// is set, as for HEAD requests, only the head is written.
func WriteResponse(w io.Writer, r *Response, omitBody bool) error {
	bw := bufio.NewWriter(w)

	status := r.Status
	if status == 0 {
		status = StatusOK
	}
	fmt.Fprintf(bw, "%s %03d %s\r\n", ProtoHTTP10, status, StatusText(status))

	r.Header.Each(func(k, v string) {
		for _, m := range managedFields {
			if strings.EqualFold(k, m) {
				return
			}
		}
		fmt.Fprintf(bw, "%s: %s\r\n", k, sanitize(v))
	})
	fmt.Fprintf(bw, "Content-Length: %d\r\n", r.ContentLength)
	bw.WriteString("Connection: close\r\n\r\n")

	if !omitBody && r.Body != nil && r.ContentLength > 0 {
		n, err := io.CopyN(bw, r.Body, r.ContentLength)
		if err != nil {
			return fmt.Errorf("wrote %d of %d body bytes: %w", n, r.ContentLength, err)
		}
	}
	return bw.Flush()
}

// sanitize keeps a header value on a single line.
func sanitize(v string) string {
	if !strings.ContainsAny(v, "\r\n") {
		return v
	}
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}
