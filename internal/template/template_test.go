package template

import (
	"errors"
	"testing"

	"sasd/internal/person"
)

func TestCompileFor(t *testing.T) {
	t.Parallel()
	bruce := person.Person{FirstName: "Bruce", Telephone: "+15550001111"}

	tests := []struct {
		name    string
		message string
		want    string
	}{
		{name: "single placeholder", message: "Hello $(first_name)!", want: "Hello Bruce!"},
		{name: "no placeholders", message: "Hello there.", want: "Hello there."},
		{name: "multiple placeholders", message: "$(first_name): call $(telephone)", want: "Bruce: call +15550001111"},
		{name: "adjacent placeholders", message: "$(first_name)$(first_name)", want: "BruceBruce"},
		{name: "unknown left verbatim", message: "Hi $(nickname)!", want: "Hi $(nickname)!"},
		{name: "value longer than placeholder", message: "x$(telephone)x", want: "x+15550001111x"},
		{name: "trailing literal", message: "$(first_name) out", want: "Bruce out"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := New(tt.message)
			if err != nil {
				t.Fatalf("New(%q) error: %v", tt.message, err)
			}
			if got := tmpl.CompileFor(bruce); got != tt.want {
				t.Fatalf("CompileFor = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCompileForExtraAttributes(t *testing.T) {
	t.Parallel()
	p := person.Person{Telephone: "1", Extra: map[string]string{"plan": "gold"}}
	tmpl := MustNew("Your plan: $(plan)")
	if got := tmpl.CompileFor(p); got != "Your plan: gold" {
		t.Fatalf("CompileFor = %q", got)
	}
}

func TestUnterminatedPlaceholder(t *testing.T) {
	t.Parallel()
	_, err := New("Hello $(name")
	if !errors.Is(err, ErrUnterminated) {
		t.Fatalf("expected ErrUnterminated, got %v", err)
	}
	// The error is raised at construction, not at compile time.
	_, err = New("ok $(a) broken $(b")
	if !errors.Is(err, ErrUnterminated) {
		t.Fatalf("expected ErrUnterminated for later placeholder, got %v", err)
	}
}

func TestPlaceholders(t *testing.T) {
	t.Parallel()
	tmpl := MustNew("$(a) $(b) $(a)")
	got := tmpl.Placeholders()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Placeholders = %v", got)
	}
}
