package utils

import "testing"

func TestTruncateForLog(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		input  string
		limit  int
		expect string
	}{
		{
			name:   "returns empty when limit non-positive",
			input:  "hello world",
			limit:  0,
			expect: "",
		},
		{
			name:   "shorter than limit",
			input:  "hello",
			limit:  10,
			expect: "hello",
		},
		{
			name:   "truncates and adds ellipsis",
			input:  "hello world",
			limit:  5,
			expect: "hello...",
		},
		{
			name:   "counts runes not bytes",
			input:  "привет мир",
			limit:  6,
			expect: "привет...",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := TruncateForLog(tt.input, tt.limit); got != tt.expect {
				t.Fatalf("expected %q, got %q", tt.expect, got)
			}
		})
	}
}

func TestPrefix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		input  string
		limit  int
		expect string
	}{
		{name: "zero limit", input: "abc", limit: 0, expect: ""},
		{name: "keeps short input", input: "abc", limit: 5, expect: "abc"},
		{name: "exact length", input: "abcde", limit: 5, expect: "abcde"},
		{name: "cuts without marker", input: "abcdef", limit: 3, expect: "abc"},
		{name: "multibyte", input: "ééééé", limit: 2, expect: "éé"},
		{name: "keeps surrounding whitespace", input: "  ab", limit: 3, expect: "  a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Prefix(tt.input, tt.limit); got != tt.expect {
				t.Fatalf("expected %q, got %q", tt.expect, got)
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	t.Parallel()

	got := Sanitize("  generate content:\n\tupstream   returned 503 \r\n")
	if got != "generate content: upstream returned 503" {
		t.Fatalf("unexpected sanitized value: %q", got)
	}
}

func TestCountNonSpace(t *testing.T) {
	t.Parallel()

	if got := CountNonSpace(" a b\tc\n"); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
	if got := CountNonSpace("   "); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}
