// Package argstr manipulates session argument strings of the form
//
//	key=value, other="quoted, value", flag
//
// Fields are separated by commas outside of double quotes. Keys compare
// case-sensitively. A field whose quote is never closed, or whose key
// contains a quote or backslash, is malformed and skipped by Parse.
package argstr

import (
	"strconv"
	"strings"
)

// Field is a single key/value pair. Value holds the raw text as written,
// including any surrounding quotes.
type Field struct {
	Key   string
	Value string
}

// String renders the field as key=value, or just key when it has no value.
func (f Field) String() string {
	if f.Value == "" {
		return f.Key
	}
	return f.Key + "=" + f.Value
}

// Parse splits an argument string into fields. Empty and malformed fields
// are skipped.
func Parse(s string) []Field {
	fields, _ := parse(s)
	return fields
}

// Malformed reports whether s contains fields that Parse skips for bad
// quoting.
func Malformed(s string) bool {
	_, bad := parse(s)
	return bad
}

func parse(s string) ([]Field, bool) {
	var (
		fields []Field
		bad    bool
	)
	tokens, open := split(s)
	if open {
		// the unterminated quote swallowed everything after it
		tokens = tokens[:len(tokens)-1]
		bad = true
	}
	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		key, value, _ := strings.Cut(token, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if strings.ContainsAny(key, "\"\\") {
			bad = true
			continue
		}
		fields = append(fields, Field{Key: key, Value: strings.TrimSpace(value)})
	}
	return fields, bad
}

// split cuts s at commas outside quotes. open reports a quote left
// unterminated at the end of s, in which case the last part starts inside
// that field.
func split(s string) (parts []string, open bool) {
	var start int
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if open {
				i++
			}
		case '"':
			open = !open
		case ',':
			if !open {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:]), open
}

// Format joins fields back into an argument string.
func Format(fields []Field) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f.String())
	}
	return strings.Join(parts, ", ")
}

// Get returns the unquoted value of the first field named key.
func Get(s, key string) (string, bool) {
	for _, f := range Parse(s) {
		if f.Key == key {
			return Unquote(f.Value), true
		}
	}
	return "", false
}

// Remove drops every field named key.
func Remove(s, key string) string {
	return Format(without(Parse(s), key))
}

// Set replaces every field named key with a single key=value field appended
// at the end.
func Set(s, key, value string) string {
	fields := without(Parse(s), key)
	fields = append(fields, Field{Key: key, Value: Quote(value)})
	return Format(fields)
}

func without(fields []Field, key string) []Field {
	out := fields[:0]
	for _, f := range fields {
		if f.Key != key {
			out = append(out, f)
		}
	}
	return out
}

// Quote returns value unchanged when it is safe to embed bare, otherwise a
// double-quoted form.
func Quote(value string) string {
	if value != "" && !strings.ContainsAny(value, ",=\" \t\\") {
		return value
	}
	return strconv.Quote(value)
}

// Canonical returns f with its value re-encoded by Quote, so that the field
// renders as exactly one well-formed field whatever quoting it arrived with.
func (f Field) Canonical() Field {
	if f.Value == "" {
		return f
	}
	return Field{Key: f.Key, Value: Quote(Unquote(f.Value))}
}

// Unquote reverses Quote. Malformed quoting is returned as written.
func Unquote(value string) string {
	if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
		if s, err := strconv.Unquote(value); err == nil {
			return s
		}
		return value[1 : len(value)-1]
	}
	return value
}
