package fetch

import (
	"strings"
	"testing"
)

func TestHeaderRotatorProfilesAreCoherent(t *testing.T) {
	t.Parallel()

	r := NewHeaderRotator(42)
	for i := 0; i < 100; i++ {
		h := r.Headers()
		ua := h.Get("User-Agent")
		if ua == "" {
			t.Fatal("missing User-Agent")
		}
		if h.Get("Accept") == "" || h.Get("Accept-Language") == "" {
			t.Fatal("missing Accept headers")
		}
		if !strings.Contains(h.Get("Accept-Encoding"), "br") {
			t.Fatalf("Accept-Encoding = %q, want brotli offered", h.Get("Accept-Encoding"))
		}

		isChrome := strings.Contains(ua, "Chrome/") && !strings.Contains(ua, "Firefox")
		hasHints := h.Get("Sec-CH-UA") != ""
		if isChrome != hasHints {
			t.Fatalf("client hints mismatch for %q: hints=%v", ua, hasHints)
		}
	}
}

func TestHeaderRotatorCoversAllProfiles(t *testing.T) {
	t.Parallel()

	r := NewHeaderRotator(1)
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		p, _ := r.Pick()
		seen[p.UserAgent] = true
	}
	if len(seen) != len(defaultProfiles) {
		t.Fatalf("rotator used %d profiles, want %d", len(seen), len(defaultProfiles))
	}
}
