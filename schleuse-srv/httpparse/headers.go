package httpparse

import "strings"

// Header is a single header field as it appeared on the wire.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list. Lookups are case-insensitive and
// duplicate fields are kept in arrival order.
type Headers struct {
	fields []Header
}

func (h *Headers) Add(name, value string) {
	h.fields = append(h.fields, Header{Name: name, Value: value})
}

// Get returns the first value for name.
func (h *Headers) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

func (h *Headers) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Values returns every value for name in order.
func (h *Headers) Values(name string) []string {
	var out []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Set replaces the first field called name and drops later duplicates, or
// appends a new field.
func (h *Headers) Set(name, value string) {
	replaced := false
	out := h.fields[:0]
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			if replaced {
				continue
			}
			f.Value = value
			replaced = true
		}
		out = append(out, f)
	}
	h.fields = out
	if !replaced {
		h.Add(name, value)
	}
}

// Del removes every field called name.
func (h *Headers) Del(name string) {
	out := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	h.fields = out
}

func (h *Headers) Len() int {
	return len(h.fields)
}

// All returns the fields in order. The slice must not be modified.
func (h *Headers) All() []Header {
	return h.fields
}

func (h *Headers) Clone() Headers {
	return Headers{fields: append([]Header(nil), h.fields...)}
}

// hasToken reports whether a comma separated header contains token.
func (h *Headers) hasToken(name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
