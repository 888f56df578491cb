package httpmsg

import (
	"net/textproto"
	"strings"
)

type field struct {
	key   string
	value string
}

// Header is an ordered list of header fields. Keys are compared
// case-insensitively and stored in canonical form.
type Header struct {
	fields []field
}

// Add appends a field, keeping any existing values for key.
func (h *Header) Add(key, value string) {
	h.fields = append(h.fields, field{key: textproto.CanonicalMIMEHeaderKey(key), value: value})
}

// Set replaces every value of key with value. The field keeps the position
// of the first existing value, if there was one.
func (h *Header) Set(key, value string) {
	key = textproto.CanonicalMIMEHeaderKey(key)
	for i, f := range h.fields {
		if !strings.EqualFold(f.key, key) {
			continue
		}
		h.fields[i].value = value
		h.fields = append(h.fields[:i+1], without(h.fields[i+1:], key)...)
		return
	}
	h.fields = append(h.fields, field{key: key, value: value})
}

// Get returns the first value of key or "".
func (h Header) Get(key string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.key, key) {
			return f.value
		}
	}
	return ""
}

// Has reports whether at least one field named key is present.
func (h Header) Has(key string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.key, key) {
			return true
		}
	}
	return false
}

// Values returns every value of key in order.
func (h Header) Values(key string) []string {
	var vs []string
	for _, f := range h.fields {
		if strings.EqualFold(f.key, key) {
			vs = append(vs, f.value)
		}
	}
	return vs
}

// Del removes every field named key.
func (h *Header) Del(key string) {
	h.fields = without(h.fields, key)
}

// Len returns the number of fields.
func (h Header) Len() int {
	return len(h.fields)
}

// Each calls f for every field in order.
func (h Header) Each(f func(key, value string)) {
	for _, fd := range h.fields {
		f(fd.key, fd.value)
	}
}

// Clone returns a copy of h which shares no storage with it.
func (h Header) Clone() Header {
	if h.fields == nil {
		return Header{}
	}
	fs := make([]field, len(h.fields))
	copy(fs, h.fields)
	return Header{fields: fs}
}

func without(fs []field, key string) []field {
	out := fs[:0]
	for _, f := range fs {
		if !strings.EqualFold(f.key, key) {
			out = append(out, f)
		}
	}
	return out
}

// CanonicalKey returns the canonical form of a header key, as stored by Header.
func CanonicalKey(key string) string {
	return textproto.CanonicalMIMEHeaderKey(key)
}
