package timefmt

import (
	"testing"
	"time"
)

func TestFormatMicrosecondPrecision(t *testing.T) {
	t.Parallel()
	in := time.Date(2024, 3, 1, 15, 4, 5, 123456789, time.UTC)
	got := Format(in, time.UTC)
	want := "2024-03-01 15:04:05.123456"
	if got != want {
		t.Fatalf("Format = %q, want %q", got, want)
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	in := time.Date(2024, 3, 1, 15, 4, 5, 123456000, time.UTC)
	out, err := Parse(Format(in, nil), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !out.Equal(in) {
		t.Fatalf("round trip = %v, want %v", out, in)
	}
}

func TestParseInLocation(t *testing.T) {
	t.Parallel()
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	got, err := Parse(" 2024-06-15 08:30:00.000000 ", berlin)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := time.Date(2024, 6, 15, 8, 30, 0, 0, berlin)
	if !got.Equal(want) {
		t.Fatalf("Parse = %v, want %v", got, want)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"", "2024-06-15", "15:04:05", "not a time"} {
		if _, err := Parse(s, nil); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", s)
		}
	}
}

func TestLoadLocation(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"", "utc", "UTC", "  Utc  "} {
		loc, err := LoadLocation(name)
		if err != nil || loc != time.UTC {
			t.Errorf("LoadLocation(%q) = %v, %v; want UTC", name, loc, err)
		}
	}
	if _, err := LoadLocation("Mars/Olympus_Mons"); err == nil {
		t.Error("LoadLocation should reject unknown zones")
	}
}
