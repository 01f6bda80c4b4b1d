package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNoSession is returned by a Session when no identity is signed in.
var ErrNoSession = errors.New("no active session")

// Session supplies the current bearer credential for the active identity.
// Tokens are fetched before every API call and never cached by the gateway,
// so a provider backed by a real identity service can refresh freely.
// Invalidate signs the identity out; it must be safe to call more than once.
type Session interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// StaticSession holds a fixed token. Useful for tests and for CI where the
// token is provided via environment.
type StaticSession struct {
	mu    sync.Mutex
	token string
}

func NewStaticSession(token string) *StaticSession {
	return &StaticSession{token: token}
}

func (s *StaticSession) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return "", ErrNoSession
	}
	return s.token, nil
}

func (s *StaticSession) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}

const sessionFileName = "session"

// FileSession stores the bearer token in the workspace, so a login survives
// across CLI invocations. Invalidate removes the stored token.
type FileSession struct {
	Workspace string
}

func sessionPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".helix", sessionFileName)
}

// Save writes a token for later Token calls.
func (s FileSession) Save(token string) error {
	path := sessionPath(s.Workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(token+"\n"), 0o600)
}

func (s FileSession) Token(ctx context.Context) (string, error) {
	data, err := os.ReadFile(sessionPath(s.Workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoSession
		}
		return "", err
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoSession
	}
	return token, nil
}

func (s FileSession) Invalidate() {
	_ = os.Remove(sessionPath(s.Workspace))
}
