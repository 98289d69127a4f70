package relay

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTitleFrom(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		message string
		want    string
	}{
		{"short stays whole", "Is 38.5 a fever?", "Is 38.5 a fever?"},
		{"ascii truncated", strings.Repeat("a", 80), strings.Repeat("a", 60)},
		// 30 two-byte runes is 60 bytes; one more rune straddles the cut.
		{"multibyte at boundary", strings.Repeat("é", 31), strings.Repeat("é", 30)},
		{"multibyte mid rune", strings.Repeat("a", 59) + "é", strings.Repeat("a", 59)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := titleFrom(tt.message)
			if got != tt.want {
				t.Errorf("titleFrom(%q) = %q, want %q", tt.message, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("titleFrom produced invalid UTF-8: %q", got)
			}
		})
	}
}
