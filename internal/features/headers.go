package features

import "strings"

// Header is one header field as received or to be sent.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list that preserves duplicates. Lookups are
// ASCII case-insensitive.
type Headers []Header

// Get returns the first value for name.
func (h Headers) Get(name string) string {
	for i := range h {
		if strings.EqualFold(h[i].Name, name) {
			return h[i].Value
		}
	}
	return ""
}

// Lookup is like Get but also reports presence.
func (h Headers) Lookup(name string) (string, bool) {
	for i := range h {
		if strings.EqualFold(h[i].Name, name) {
			return h[i].Value, true
		}
	}
	return "", false
}

// Values returns every value for name in order.
func (h Headers) Values(name string) []string {
	var out []string
	for i := range h {
		if strings.EqualFold(h[i].Name, name) {
			out = append(out, h[i].Value)
		}
	}
	return out
}

// Count returns how many fields named name are present.
func (h Headers) Count(name string) int {
	n := 0
	for i := range h {
		if strings.EqualFold(h[i].Name, name) {
			n++
		}
	}
	return n
}

// Add appends a field.
func (h *Headers) Add(name, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// Set replaces every field named name with a single one.
func (h *Headers) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

// Del removes every field named name.
func (h *Headers) Del(name string) {
	out := (*h)[:0]
	for _, f := range *h {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	for i := len(out); i < len(*h); i++ {
		(*h)[i] = Header{}
	}
	*h = out
}

// Reset truncates the list, keeping its capacity.
func (h *Headers) Reset() {
	clear(*h)
	*h = (*h)[:0]
}

// Clone returns an independent copy.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}
