package httpmsg

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/raphaelreyna/spade/pkg/query"
)

// Limits bound how much of a client request is read.
type Limits struct {
	// MaxLineBytes bounds the request line and each header line.
	MaxLineBytes int
	// MaxHeaders bounds the number of header fields.
	MaxHeaders int
	// MaxBodyBytes bounds Content-Length.
	MaxBodyBytes int64
}

// DefaultLimits are used for any zero field of Limits.
var DefaultLimits = Limits{
	MaxLineBytes: 8192,
	MaxHeaders:   64,
	MaxBodyBytes: 1 << 20,
}

// Request is a single parsed client request.
type Request struct {
	Method string
	// Target is the request-target exactly as it appeared on the request line.
	Target string
	// RawPath is the undecoded path portion of Target.
	RawPath string
	// Path is RawPath percent-decoded. Routing uses this form.
	Path string
	// RawQuery is everything after the first '?' in Target, untouched.
	RawQuery string
	HasQuery bool
	// Proto is the version token, or "" when the request line omitted it.
	Proto  string
	Header Header
	Body   []byte

	RemoteAddr string
}

var (
	errEmptyLine       = errors.New("empty request line")
	errLineTooLong     = errors.New("line too long")
	errTooManyHeaders  = errors.New("too many header fields")
	errChunkedBody     = errors.New("transfer-encoded request bodies are not supported")
	errBodyTooLarge    = errors.New("request body too large")
	errConflictLengths = errors.New("conflicting Content-Length values")
)

// ReadRequest reads one request from br: the request line, the header
// block up to its terminating blank line and, if Content-Length is
// present, exactly that many body bytes.
//
// io.EOF is returned unwrapped when br held no bytes at all. Every
// other failure is a ClientError.
func ReadRequest(br *bufio.Reader, lim Limits) (*Request, error) {
	if lim.MaxLineBytes <= 0 {
		lim.MaxLineBytes = DefaultLimits.MaxLineBytes
	}
	if lim.MaxHeaders <= 0 {
		lim.MaxHeaders = DefaultLimits.MaxHeaders
	}
	if lim.MaxBodyBytes <= 0 {
		lim.MaxBodyBytes = DefaultLimits.MaxBodyBytes
	}

	line, err := readLine(br, lim.MaxLineBytes)
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, ClientError{Cause: err}
	}

	req, err := parseRequestLine(line)
	if err != nil {
		return nil, ClientError{Cause: err}
	}

	req.Header, err = readHeader(br, lim)
	if err != nil {
		return nil, ClientError{Cause: err}
	}

	req.Body, err = readBody(br, req.Header, lim.MaxBodyBytes)
	if err != nil {
		return nil, ClientError{Cause: err}
	}
	return req, nil
}

// parseRequestLine parses "METHOD SP target [SP version]".
func parseRequestLine(line string) (*Request, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, errEmptyLine
	}
	if len(fields) > 3 || len(fields) < 2 {
		return nil, fmt.Errorf("bad request line: %q", line)
	}

	req := &Request{Method: fields[0], Target: fields[1]}
	if _, ok := methods[req.Method]; !ok {
		return nil, fmt.Errorf("unsupported method: %q", req.Method)
	}
	if len(fields) == 3 {
		req.Proto = fields[2]
		if req.Proto != ProtoHTTP10 && req.Proto != ProtoHTTP11 {
			return nil, fmt.Errorf("unsupported protocol version: %q", req.Proto)
		}
	}

	target := stripAuthority(req.Target)
	if !strings.HasPrefix(target, "/") {
		return nil, fmt.Errorf("bad request target: %q", req.Target)
	}

	req.RawPath, req.RawQuery, req.HasQuery = query.Extract(target)
	path, err := query.DecodePath(req.RawPath)
	if err != nil {
		return nil, fmt.Errorf("bad request path: %w", err)
	}
	req.Path = path
	return req, nil
}

// stripAuthority turns an absolute-form target such as
// "http://host:80/p?q" into its origin-form "/p?q".
func stripAuthority(target string) string {
	i := strings.Index(target, "://")
	if i < 0 || strings.HasPrefix(target, "/") {
		return target
	}
	rest := target[i+3:]
	j := strings.IndexAny(rest, "/?")
	if j < 0 {
		return "/"
	}
	if rest[j] == '?' {
		return "/" + rest[j:]
	}
	return rest[j:]
}

func readHeader(br *bufio.Reader, lim Limits) (Header, error) {
	var h Header
	for {
		line, err := readLine(br, lim.MaxLineBytes)
		if err == io.EOF {
			return h, io.ErrUnexpectedEOF
		}
		if err != nil {
			return h, err
		}
		if line == "" {
			return h, nil
		}
		if h.Len() >= lim.MaxHeaders {
			return h, errTooManyHeaders
		}
		key, value, ok := ParseHeaderLine(line)
		if !ok {
			return h, fmt.Errorf("bad header line: %q", line)
		}
		h.Add(key, value)
	}
}

// ParseHeaderLine splits "Key: value". It reports false when the key
// is empty or is not a valid token.
func ParseHeaderLine(line string) (key, value string, ok bool) {
	k, v, found := strings.Cut(line, ":")
	if !found || !isToken(k) {
		return "", "", false
	}
	return k, strings.TrimSpace(v), true
}

func readBody(br *bufio.Reader, h Header, max int64) ([]byte, error) {
	if te := h.Get("Transfer-Encoding"); te != "" && !strings.EqualFold(te, "identity") {
		return nil, errChunkedBody
	}

	cls := h.Values("Content-Length")
	if len(cls) == 0 {
		return nil, nil
	}
	for _, cl := range cls[1:] {
		if strings.TrimSpace(cl) != strings.TrimSpace(cls[0]) {
			return nil, errConflictLengths
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(cls[0]), 10, 64)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("bad Content-Length: %q", cls[0])
	}
	if n > max {
		return nil, errBodyTooLarge
	}
	if n == 0 {
		return nil, nil
	}

	body := make([]byte, n)
	_, err = io.ReadFull(br, body)
	if err != nil {
		return nil, fmt.Errorf("short request body: %w", err)
	}
	return body, nil
}

// readLine reads up to and including '\n' and returns the line without
// its terminator. io.EOF is only returned when nothing was read.
func readLine(br *bufio.Reader, max int) (string, error) {
	var line []byte
	for {
		frag, err := br.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > max {
			return "", errLineTooLong
		}
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF && len(line) == 0 {
			return "", io.EOF
		}
		if err == io.EOF {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return string(line), nil
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isTokenByte(s[i]) {
			return false
		}
	}
	return true
}

func isTokenByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0
}

// String serializes the request line and header block the way it would
// appear on the wire.
func (r *Request) String() string {
	var b strings.Builder
	proto := r.Proto
	if proto == "" {
		proto = ProtoHTTP10
	}
	fmt.Fprintf(&b, "%s %s %s\r\n", r.Method, r.Target, proto)
	r.Header.Each(func(k, v string) {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	})
	b.WriteString("\r\n")
	return b.String()
}
