// Package template implements message templates with $(name)
// placeholders. Placeholder offsets are parsed once at construction;
// compilation is a single substitution pass per call.
package template

import (
	"errors"
	"fmt"
	"strings"

	"sasd/internal/person"
)

// ErrUnterminated is returned when an opening "$(" has no closing ")".
var ErrUnterminated = errors.New("template: unterminated placeholder")

const (
	openMark  = "$("
	closeMark = ")"
)

// span is one placeholder occurrence: message[start:end] covers the
// whole "$(name)" run, name is the text between the markers.
type span struct {
	start int
	end   int
	name  string
}

// Template is an immutable message with pre-parsed placeholder spans.
// ID is zero until storage assigns one.
type Template struct {
	ID    int64
	Label string

	message string
	spans   []span
}

// New parses message and fails on a malformed placeholder.
func New(message string) (*Template, error) {
	spans, err := parse(message)
	if err != nil {
		return nil, err
	}
	return &Template{message: message, spans: spans}, nil
}

// MustNew is for tests and static templates known to be well-formed.
func MustNew(message string) *Template {
	t, err := New(message)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Template) Message() string { return t.message }

func (t *Template) HasID() bool { return t.ID > 0 }

// Placeholders returns the distinct placeholder names in order of
// first appearance.
func (t *Template) Placeholders() []string {
	seen := make(map[string]struct{}, len(t.spans))
	var names []string
	for _, s := range t.spans {
		if _, ok := seen[s.name]; ok {
			continue
		}
		seen[s.name] = struct{}{}
		names = append(names, s.name)
	}
	return names
}

// CompileFor substitutes every placeholder that resolves against p.
// A placeholder with no matching attribute is left verbatim, so the
// recipient sees the literal "$(name)" text; senders that want strict
// behavior can check Placeholders() up front.
func (t *Template) CompileFor(p person.Person) string {
	if len(t.spans) == 0 {
		return t.message
	}
	var b strings.Builder
	b.Grow(len(t.message))
	prev := 0
	for _, s := range t.spans {
		val, ok := p.Attr(s.name)
		if !ok {
			continue
		}
		b.WriteString(t.message[prev:s.start])
		b.WriteString(val)
		prev = s.end
	}
	b.WriteString(t.message[prev:])
	return b.String()
}

// parse scans message left to right for non-overlapping placeholders.
func parse(message string) ([]span, error) {
	var spans []span
	pos := 0
	for {
		rel := strings.Index(message[pos:], openMark)
		if rel < 0 {
			return spans, nil
		}
		start := pos + rel
		relEnd := strings.Index(message[start:], closeMark)
		if relEnd < 0 {
			return nil, fmt.Errorf("%w at offset %d", ErrUnterminated, start)
		}
		end := start + relEnd + len(closeMark)
		spans = append(spans, span{
			start: start,
			end:   end,
			name:  message[start+len(openMark) : end-len(closeMark)],
		})
		pos = end
	}
}
