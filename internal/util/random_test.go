package util

import (
	"strings"
	"testing"
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		name      string
		prefix    string
		hexLength int
		wantLen   int
	}{
		{"job id", "job_", 32, 36},
		{"subscription id", "sub_", 16, 20},
		{"zero length", "x_", 0, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := GenerateRandomID(tt.prefix, tt.hexLength)
			if !strings.HasPrefix(id, tt.prefix) {
				t.Errorf("id %q lacks prefix %q", id, tt.prefix)
			}
			if len(id) != tt.wantLen {
				t.Errorf("len(%q) = %d, want %d", id, len(id), tt.wantLen)
			}
			for _, c := range strings.TrimPrefix(id, tt.prefix) {
				if !strings.ContainsRune(hexChars, c) {
					t.Errorf("non-hex rune %q in %q", c, id)
				}
			}
		})
	}
}

func TestGenerateRandomIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateSubscriptionID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}
