// ABOUTME: Session helper tests: title derivation and rune-safe string trimming.

package agent

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestDeriveTitle(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "hello", "hello"},
		{"first line only", "fix the bug\nin the parser", "fix the bug"},
		{"whitespace trimmed", "  a question  ", "a question"},
		{"long line capped", strings.Repeat("a", 80), strings.Repeat("a", 60)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := deriveTitle(tc.in); got != tc.want {
				t.Errorf("deriveTitle(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestDeriveTitleKeepsValidUTF8(t *testing.T) {
	// "x" misaligns the two-byte runes so the 60-byte cap lands mid-rune.
	in := "x" + strings.Repeat("é", 35)
	got := deriveTitle(in)
	if !utf8.ValidString(got) {
		t.Fatalf("title %q is not valid UTF-8", got)
	}
	if len(got) > 60 {
		t.Errorf("title is %d bytes, want at most 60", len(got))
	}
}

func TestTrimToRune(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"héllo", 2, "h"},
		{"日本語", 4, "日"},
		{"日本語", 3, "日"},
		{"日本語", 0, ""},
	}
	for _, tc := range cases {
		got := trimToRune(tc.in, tc.max)
		if got != tc.want {
			t.Errorf("trimToRune(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("trimToRune(%q, %d) produced invalid UTF-8", tc.in, tc.max)
		}
	}
}
