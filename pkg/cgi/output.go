package cgi

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/raphaelreyna/spade/pkg/httpmsg"

	"go.uber.org/zap"
)

// OutputMode selects how a child's captured stdout becomes a response.
type OutputMode int

const (
	// OutputAuto treats a leading "Key: value" block terminated by a blank
	// line as CGI headers; any other output is sent verbatim as the body.
	OutputAuto OutputMode = iota
	// OutputRaw sends the entire output as the body without scanning for
	// headers. Always responds with a 200 status code.
	OutputRaw
	// OutputCGI requires a header block, as in RFC 3875. Output without
	// one, or without a Content-Type, Status or Location, is a failure.
	OutputCGI
)

func (m OutputMode) String() string {
	switch m {
	case OutputAuto:
		return "auto"
	case OutputRaw:
		return "raw"
	case OutputCGI:
		return "cgi"
	default:
		return fmt.Sprintf("output(%d)", int(m))
	}
}

// ParseOutputMode parses "auto", "raw" or "cgi". The empty string is auto.
func ParseOutputMode(s string) (OutputMode, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return OutputAuto, nil
	case "raw":
		return OutputRaw, nil
	case "cgi":
		return OutputCGI, nil
	default:
		return 0, fmt.Errorf("unknown output mode: %q", s)
	}
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (m *OutputMode) UnmarshalText(b []byte) error {
	v, err := ParseOutputMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// maxHeaderLines bounds how far into the output a header block is looked for.
const maxHeaderLines = 100

var (
	errNoHeaders          = errors.New("cgi: no headers")
	errMissingContentType = errors.New("cgi: missing required Content-Type in headers")
)

// BogusStatusError occurs when a child sends an unparseable Status header.
type BogusStatusError struct {
	Value string
}

// Error implements the error interface.
func (e BogusStatusError) Error() string {
	return fmt.Sprintf("cgi: bogus status: %q", e.Value)
}

// childManaged fields are framing fields the server always computes itself.
var childManaged = map[string]struct{}{
	"Content-Length":    {},
	"Connection":        {},
	"Transfer-Encoding": {},
	"Keep-Alive":        {},
}

// buildResponse turns captured output into a response according to mode.
// Headers supplied by the child replace the defaults in header.
func buildResponse(mode OutputMode, header httpmsg.Header, out []byte, log *zap.Logger) (*httpmsg.Response, error) {
	header = header.Clone()
	if !header.Has("Content-Type") {
		header.Set("Content-Type", "text/plain")
	}

	if mode == OutputRaw {
		return respond(httpmsg.StatusOK, header, out), nil
	}

	lines, body, ok := splitHeaderBlock(out, mode == OutputAuto)
	if !ok || len(lines) == 0 {
		if mode == OutputCGI {
			return nil, errNoHeaders
		}
		return respond(httpmsg.StatusOK, header, out), nil
	}

	childHeader := httpmsg.Header{}
	statusCode := 0
	for _, line := range lines {
		k, v, ok := httpmsg.ParseHeaderLine(line)
		if !ok {
			log.Warn("cgi: bogus header line", zap.String("line", line))
			continue
		}
		if strings.EqualFold(k, "Status") {
			code, err := parseStatus(v)
			if err != nil {
				return nil, err
			}
			statusCode = code
			continue
		}
		if _, managed := childManaged[httpmsg.CanonicalKey(k)]; managed {
			continue
		}
		childHeader.Add(k, v)
	}

	if statusCode == 0 && childHeader.Get("Location") != "" {
		statusCode = httpmsg.StatusFound
	}
	if mode == OutputCGI && statusCode == 0 && !childHeader.Has("Content-Type") {
		return nil, errMissingContentType
	}
	if statusCode == 0 {
		statusCode = httpmsg.StatusOK
	}

	seen := map[string]bool{}
	childHeader.Each(func(k, v string) {
		if !seen[k] {
			header.Set(k, v)
			seen[k] = true
			return
		}
		header.Add(k, v)
	})
	return respond(statusCode, header, body), nil
}

// splitHeaderBlock looks for header lines terminated by a blank line at
// the start of out. With stopAtBogus set, the first line which is not
// "Key: value" means out has no header block at all.
func splitHeaderBlock(out []byte, stopAtBogus bool) (lines []string, body []byte, ok bool) {
	rest := out
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			return nil, out, false
		}
		line := strings.TrimSuffix(string(rest[:i]), "\r")
		rest = rest[i+1:]
		if line == "" {
			return lines, rest, true
		}
		if len(lines) >= maxHeaderLines {
			return nil, out, false
		}
		if stopAtBogus {
			if _, _, valid := httpmsg.ParseHeaderLine(line); !valid {
				return nil, out, false
			}
		}
		lines = append(lines, line)
	}
}

func parseStatus(v string) (int, error) {
	if len(v) < 3 {
		return 0, BogusStatusError{Value: v}
	}
	code, err := strconv.Atoi(v[0:3])
	if err != nil || code < 100 || code > 999 {
		return 0, BogusStatusError{Value: v}
	}
	return code, nil
}

func respond(status int, header httpmsg.Header, body []byte) *httpmsg.Response {
	return &httpmsg.Response{
		Status:        status,
		Header:        header,
		Body:          bytes.NewReader(body),
		ContentLength: int64(len(body)),
	}
}
