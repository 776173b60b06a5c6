package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// Sandbox is an isolated scratch directory for tests that need real files:
// auto-fetch rule documents, packed model fixtures, key material. The
// directory is removed automatically when the test finishes.
type Sandbox struct {
	t    *testing.T
	Root string
}

// NewSandbox creates a sandbox tied to the test's lifetime.
func NewSandbox(t *testing.T) *Sandbox {
	t.Helper()
	return &Sandbox{t: t, Root: t.TempDir()}
}

// Path returns the absolute path for a file within the sandbox.
func (s *Sandbox) Path(name string) string {
	return filepath.Join(s.Root, name)
}

// WriteFile writes data to the named file inside the sandbox, failing the
// test on error, and returns the file's absolute path.
func (s *Sandbox) WriteFile(name string, data []byte) string {
	s.t.Helper()
	path := s.Path(name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		s.t.Fatalf("sandbox write %s: %v", name, err)
	}
	return path
}

// ReadFile reads the named file inside the sandbox, failing the test on
// error.
func (s *Sandbox) ReadFile(name string) []byte {
	s.t.Helper()
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		s.t.Fatalf("sandbox read %s: %v", name, err)
	}
	return data
}
