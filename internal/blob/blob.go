// Package blob persists binary telemetry payloads (downloaded files, voice
// recordings) on the local filesystem under random keys.
package blob

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// fallbackExt is used when no extension can be derived from the original name.
const fallbackExt = ".unknown"

type Store struct {
	dir string
}

// NewStore creates the base directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Saved describes one persisted payload. Path is relative to the store root so
// it stays valid when the root moves between deployments.
type Saved struct {
	Key  string
	Ext  string
	Path string
}

// Save writes data under a fresh random key inside the agent's subdirectory.
// The original name only contributes the extension; it never becomes part of
// the on-disk path.
func (s *Store) Save(agentID, originalName string, data []byte) (Saved, error) {
	key := uuid.New().String()
	ext := deriveExt(originalName)

	dir := filepath.Join(s.dir, sanitize(agentID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Saved{}, fmt.Errorf("failed to create agent blob directory: %w", err)
	}

	rel := filepath.Join(sanitize(agentID), key+ext)
	if err := os.WriteFile(filepath.Join(s.dir, rel), data, 0o644); err != nil {
		return Saved{}, fmt.Errorf("failed to write blob: %w", err)
	}

	return Saved{Key: key, Ext: ext, Path: rel}, nil
}

// Open returns the absolute path for a previously saved relative path,
// refusing anything that resolves outside the store root.
func (s *Store) Open(rel string) (string, error) {
	abs := filepath.Join(s.dir, rel)
	if !strings.HasPrefix(abs, filepath.Clean(s.dir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid blob path: %s", rel)
	}
	return abs, nil
}

// RemoveAgent deletes the agent's whole blob subdirectory.
func (s *Store) RemoveAgent(agentID string) error {
	return os.RemoveAll(filepath.Join(s.dir, sanitize(agentID)))
}

func deriveExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" || ext == "." {
		return fallbackExt
	}
	return ext
}

// sanitize maps an agent-supplied id to a safe single path element.
func sanitize(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || out == "." || out == ".." {
		return "_"
	}
	return out
}
