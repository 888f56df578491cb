// Package query splits request targets into a path and a raw query string.
//
// The query string is never interpreted here. What "value=1&value=2" or
// "1&2" means is up to the program which eventually receives it.
package query

import (
	"net/url"
	"strings"
)

// Extract splits target on its first '?'. Everything after it is returned
// verbatim as the query string. hasQuery distinguishes "/p?" from "/p".
func Extract(target string) (path, rawQuery string, hasQuery bool) {
	i := strings.IndexByte(target, '?')
	if i < 0 {
		return target, "", false
	}
	return target[:i], target[i+1:], true
}

// Join is the inverse of Extract.
func Join(path, rawQuery string, hasQuery bool) string {
	if !hasQuery {
		return path
	}
	return path + "?" + rawQuery
}

// DecodePath percent-decodes a raw path for routing. A '+' is left as is
// since it only means space inside query strings.
func DecodePath(raw string) (string, error) {
	return url.PathUnescape(raw)
}
