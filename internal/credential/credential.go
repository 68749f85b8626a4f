// Package credential supplies the bearer token presented to the analysis service.
// Issuing and verifying tokens belongs to the authentication service; this
// package only reads what it produced.
package credential

import (
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

const maxTokenLen = 4096

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9._~+/=-]+$`)

// Provider returns the current bearer token, or "" when no user is logged in.
type Provider interface {
	Token() string
}

// Static is a fixed token, typically taken from FOCUS_TOKEN.
type Static string

// Token returns the sanitized token.
func (s Static) Token() string {
	return sanitize(string(s))
}

// File reads the token from a file written by the login flow. The file is
// re-read when its modification time changes so a fresh login is picked up
// without restarting.
type File struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	modTime time.Time
	token   string
}

// NewFile creates a file-backed provider.
func NewFile(path string, logger *slog.Logger) *File {
	if logger == nil {
		logger = slog.Default()
	}
	return &File{path: path, logger: logger}
}

// Token returns the token currently stored in the file.
func (f *File) Token() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	info, err := os.Stat(f.path)
	if err != nil {
		if f.token != "" {
			f.logger.Info("Token file removed, treating user as logged out", "path", f.path)
		}
		f.token = ""
		f.modTime = time.Time{}
		return ""
	}
	if info.ModTime().Equal(f.modTime) {
		return f.token
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		f.logger.Warn("Failed to read token file", "path", f.path, "error", err)
		return f.token
	}
	f.modTime = info.ModTime()
	f.token = sanitize(string(data))
	if f.token == "" {
		f.logger.Warn("Token file holds no usable token", "path", f.path)
	}
	return f.token
}

// Chain returns the first non-empty token among providers.
type Chain []Provider

// Token implements Provider.
func (c Chain) Token() string {
	for _, p := range c {
		if p == nil {
			continue
		}
		if tok := p.Token(); tok != "" {
			return tok
		}
	}
	return ""
}

// Bearer formats an Authorization header value.
func Bearer(token string) string {
	return "Bearer " + token
}

func sanitize(token string) string {
	token = strings.TrimSpace(token)
	token = strings.TrimPrefix(token, "Bearer ")
	if len(token) > maxTokenLen || !tokenPattern.MatchString(token) {
		return ""
	}
	return token
}
