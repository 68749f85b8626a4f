package credential

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStaticSanitizes(t *testing.T) {
	if got := Static("  Bearer abc.def-123  ").Token(); got != "abc.def-123" {
		t.Errorf("expected sanitized token, got %q", got)
	}
	if got := Static("has spaces inside").Token(); got != "" {
		t.Errorf("expected invalid token to be dropped, got %q", got)
	}
	if got := Static("").Token(); got != "" {
		t.Errorf("expected empty token, got %q", got)
	}
}

func TestStaticLengthLimit(t *testing.T) {
	if got := Static("abc").Token(); got != "abc" {
		t.Errorf("expected abc, got %q", got)
	}
	longest := strings.Repeat("a", maxTokenLen)
	if got := Static(longest).Token(); got != longest {
		t.Errorf("expected %d-byte token to be kept, got %d bytes", maxTokenLen, len(got))
	}
	if got := Static(longest + "a").Token(); got != "" {
		t.Errorf("expected oversized token to be dropped, got %d bytes", len(got))
	}
}

func TestFileTracksRewrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	p := NewFile(path, nil)

	if got := p.Token(); got != "" {
		t.Fatalf("expected no token before file exists, got %q", got)
	}

	if err := os.WriteFile(path, []byte("first\n"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	if got := p.Token(); got != "first" {
		t.Fatalf("expected first, got %q", got)
	}

	if err := os.WriteFile(path, []byte("second"), 0o600); err != nil {
		t.Fatalf("rewrite token: %v", err)
	}
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if got := p.Token(); got != "second" {
		t.Fatalf("expected second, got %q", got)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := p.Token(); got != "" {
		t.Fatalf("expected logout after removal, got %q", got)
	}
}

func TestChainPrefersFirstNonEmpty(t *testing.T) {
	c := Chain{Static(""), nil, Static("fallback")}
	if got := c.Token(); got != "fallback" {
		t.Errorf("expected fallback, got %q", got)
	}
}
