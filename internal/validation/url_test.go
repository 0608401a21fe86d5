package validation

import (
	"strings"
	"testing"
)

func TestURLValidator_ValidateAndNormalize(t *testing.T) {
	v := NewURLValidator()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "valid https feed",
			input: "https://feeds.megaphone.fm/show",
			want:  "https://feeds.megaphone.fm/show",
		},
		{
			name:  "valid http feed",
			input: "http://feeds.megaphone.fm/show",
			want:  "http://feeds.megaphone.fm/show",
		},
		{
			name:  "scheme defaulted to https",
			input: "feeds.megaphone.fm/show",
			want:  "https://feeds.megaphone.fm/show",
		},
		{
			name:  "surrounding whitespace trimmed",
			input: "  https://feeds.megaphone.fm/show  ",
			want:  "https://feeds.megaphone.fm/show",
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
		{
			name:    "invalid characters",
			input:   `https://feeds.megaphone.fm/<script>`,
			wantErr: true,
		},
		{
			name:    "unsupported scheme",
			input:   "ftp://feeds.megaphone.fm/show",
			wantErr: true,
		},
		{
			name:    "localhost blocked",
			input:   "http://localhost:8080/feed",
			wantErr: true,
		},
		{
			name:    "loopback IP blocked",
			input:   "http://127.0.0.1/feed",
			wantErr: true,
		},
		{
			name:    "private IP blocked",
			input:   "http://192.168.1.10/feed",
			wantErr: true,
		},
		{
			name:    "directory traversal blocked",
			input:   "https://feeds.megaphone.fm/../../etc/passwd",
			wantErr: true,
		},
		{
			name:    "too long",
			input:   "https://feeds.megaphone.fm/" + strings.Repeat("a", 3000),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.ValidateAndNormalize(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPermissiveURLValidator_AllowsLocalHosts(t *testing.T) {
	v := NewPermissiveURLValidator()

	for _, input := range []string{
		"http://localhost:8080/feed",
		"http://127.0.0.1/feed",
		"http://192.168.1.10/feed",
	} {
		if _, err := v.ValidateAndNormalize(input); err != nil {
			t.Errorf("permissive validator rejected %q: %v", input, err)
		}
	}
}
