package httpmsg

import "net/http"

// Status codes produced by the server itself. Dynamic content may answer
// with any other code through a CGI Status header.
const (
	StatusOK                  = http.StatusOK
	StatusFound               = http.StatusFound
	StatusBadRequest          = http.StatusBadRequest
	StatusNotFound            = http.StatusNotFound
	StatusInternalServerError = http.StatusInternalServerError
)

// StatusText returns the reason phrase for code.
func StatusText(code int) string {
	if s := http.StatusText(code); s != "" {
		return s
	}
	return "Status"
}

// Methods recognised in a request line.
const (
	MethodGet     = "GET"
	MethodHead    = "HEAD"
	MethodOptions = "OPTIONS"
	MethodPost    = "POST"
	MethodPut     = "PUT"
	MethodDelete  = "DELETE"
)

var methods = map[string]struct{}{
	MethodGet:     {},
	MethodHead:    {},
	MethodOptions: {},
	MethodPost:    {},
	MethodPut:     {},
	MethodDelete:  {},
}

// Protocol versions accepted in a request line. Responses are always
// written as HTTP/1.0 since connections are never kept alive.
const (
	ProtoHTTP10 = "HTTP/1.0"
	ProtoHTTP11 = "HTTP/1.1"
)
