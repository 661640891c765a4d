package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"datasage/internal/logging"
)

// ArtifactBroker mediates every file write from interpreted code. Writes
// land in a per-run staging directory and nowhere else; Commit renames the
// staged directory into the output tree, Discard removes it. A write whose
// path escapes staging is rejected and recorded even if the interpreted code
// swallows the returned error, so the run still classifies as a policy
// violation.
type ArtifactBroker struct {
	mu         sync.Mutex
	stagingDir string
	files      map[string]bool
	violation  error
	closed     bool
}

// NewArtifactBroker creates the staging directory and a broker bound to it.
func NewArtifactBroker(stagingDir string) (*ArtifactBroker, error) {
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &ArtifactBroker{
		stagingDir: stagingDir,
		files:      make(map[string]bool),
	}, nil
}

// WriteFile is the symbol injected into the interpreter as
// artifacts.WriteFile. The name must resolve inside the staging directory.
func (b *ArtifactBroker) WriteFile(name string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("artifact write %q after run ended", name)
	}

	rel, err := b.containedPath(name)
	if err != nil {
		b.violation = err
		logging.SandboxWarn("broker: rejected write %q: %v", name, err)
		return err
	}

	full := filepath.Join(b.stagingDir, rel)
	if dir := filepath.Dir(full); dir != b.stagingDir {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("artifact write %q: %w", name, err)
		}
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("artifact write %q: %w", name, err)
	}

	b.files[rel] = true
	logging.SandboxDebug("broker: staged %s (%d bytes)", rel, len(data))
	return nil
}

// containedPath normalizes an artifact name and verifies it stays inside the
// staging directory.
func (b *ArtifactBroker) containedPath(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("empty artifact name: %w", ErrPolicyViolation)
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("artifact path %q is absolute: %w", name, ErrPolicyViolation)
	}
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path %q escapes the staging directory: %w", name, ErrPolicyViolation)
	}
	rel, err := filepath.Rel(b.stagingDir, filepath.Join(b.stagingDir, clean))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path %q escapes the staging directory: %w", name, ErrPolicyViolation)
	}
	return rel, nil
}

// Violation returns the first rejected write, or nil. Sticky for the life of
// the broker.
func (b *ArtifactBroker) Violation() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.violation
}

// StagedFiles returns the staged file names, sorted.
func (b *ArtifactBroker) StagedFiles() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.files))
	for name := range b.files {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Commit closes the broker and renames the staging directory to dest. It
// returns the committed file names relative to dest's parent. An empty
// staging directory commits to nothing and is simply removed.
func (b *ArtifactBroker) Commit(dest string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true

	if len(b.files) == 0 {
		if err := os.RemoveAll(b.stagingDir); err != nil {
			logging.SandboxWarn("broker: removing empty staging dir: %v", err)
		}
		return nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("commit staging: %w", err)
	}
	if err := os.Rename(b.stagingDir, dest); err != nil {
		return nil, fmt.Errorf("commit staging: %w", err)
	}

	prefix := filepath.Base(dest)
	names := make([]string, 0, len(b.files))
	for name := range b.files {
		names = append(names, filepath.Join(prefix, name))
	}
	sort.Strings(names)
	logging.Sandbox("broker: committed %d artifact file(s) to %s", len(names), dest)
	return names, nil
}

// Discard closes the broker and removes the staging directory and
// everything in it.
func (b *ArtifactBroker) Discard() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return os.RemoveAll(b.stagingDir)
}
