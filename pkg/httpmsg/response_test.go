package httpmsg

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type closeRecorder struct {
	io.Reader
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestWriteResponse(t *testing.T) {
	t.Run("will compute Content-Length and close the connection", func(t *testing.T) {
		resp := NewResponse(StatusOK, "text/plain", []byte("3"))
		resp.Header.Set("Content-Length", "999")
		resp.Header.Set("Connection", "keep-alive")
		resp.Header.Add("X-Extra", "a")

		var buf bytes.Buffer
		err := WriteResponse(&buf, resp, false)
		if !assert.Nil(t, err) {
			return
		}

		expected := "HTTP/1.0 200 OK\r\n" +
			"Content-Type: text/plain\r\n" +
			"X-Extra: a\r\n" +
			"Content-Length: 1\r\n" +
			"Connection: close\r\n" +
			"\r\n" +
			"3"
		assert.Equal(t, expected, buf.String())
	})

	t.Run("will write only the head when the body is omitted", func(t *testing.T) {
		resp := NewResponse(StatusOK, "text/html", []byte("<p>hi</p>"))

		var buf bytes.Buffer
		err := WriteResponse(&buf, resp, true)
		if !assert.Nil(t, err) {
			return
		}
		assert.True(t, strings.HasSuffix(buf.String(), "Content-Length: 9\r\nConnection: close\r\n\r\n"))
	})

	t.Run("will write error bodies with their reason phrase", func(t *testing.T) {
		var buf bytes.Buffer
		err := WriteResponse(&buf, ErrorResponse(StatusNotFound), false)
		if !assert.Nil(t, err) {
			return
		}
		assert.True(t, strings.HasPrefix(buf.String(), "HTTP/1.0 404 Not Found\r\n"))
		assert.True(t, strings.HasSuffix(buf.String(), "\r\n\r\n404 Not Found\n"))
	})

	t.Run("will use a generic reason for unknown status codes", func(t *testing.T) {
		var buf bytes.Buffer
		err := WriteResponse(&buf, NewResponse(799, "", nil), false)
		if !assert.Nil(t, err) {
			return
		}
		assert.True(t, strings.HasPrefix(buf.String(), "HTTP/1.0 799 Status\r\n"))
	})

	t.Run("will keep header values on one line", func(t *testing.T) {
		resp := NewResponse(StatusOK, "", nil)
		resp.Header.Set("X-Injected", "a\r\nSet-Cookie: b")

		var buf bytes.Buffer
		err := WriteResponse(&buf, resp, false)
		if !assert.Nil(t, err) {
			return
		}
		assert.Contains(t, buf.String(), "X-Injected: a  Set-Cookie: b\r\n")
	})

	t.Run("will return an error", func(t *testing.T) {
		t.Run("if the body is shorter than ContentLength", func(t *testing.T) {
			resp := &Response{Status: StatusOK, Body: strings.NewReader("ab"), ContentLength: 5}
			err := WriteResponse(io.Discard, resp, false)
			assert.Error(t, err)
		})

		t.Run("if the writer fails", func(t *testing.T) {
			err := WriteResponse(failingWriter{}, NewResponse(StatusOK, "", []byte("x")), false)
			assert.Error(t, err)
		})
	})
}

func TestResponse_Close(t *testing.T) {
	body := &closeRecorder{Reader: strings.NewReader("x")}
	resp := &Response{Body: body, ContentLength: 1}
	assert.Nil(t, resp.Close())
	assert.True(t, body.closed)

	assert.Nil(t, NewResponse(StatusOK, "", nil).Close())
}

func TestStatusOf(t *testing.T) {
	type test struct {
		Name   string
		Err    error
		Status int
	}

	tt := []test{
		{Name: "nil", Err: nil, Status: StatusOK},
		{Name: "client error", Err: ClientError{Cause: errors.New("x")}, Status: StatusBadRequest},
		{Name: "not found", Err: NotFoundError{Path: "/x"}, Status: StatusNotFound},
		{Name: "handler error", Err: HandlerError{Cause: errors.New("x")}, Status: StatusInternalServerError},
		{Name: "timeout", Err: TimeoutError{}, Status: StatusInternalServerError},
		{Name: "unknown error", Err: errors.New("x"), Status: StatusInternalServerError},
		{Name: "outermost status wins", Err: HandlerError{Cause: NotFoundError{Path: "/x"}}, Status: StatusInternalServerError},
	}

	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			assert.Equal(t, tc.Status, StatusOf(tc.Err))
		})
	}
}

