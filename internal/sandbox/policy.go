// Package sandbox executes generated analysis code in a restricted Go
// interpreter. The interpreter binds an allow-listed slice of the standard
// library plus a brokered artifacts API; everything else, including the
// filesystem and the network, is unreachable from interpreted code.
package sandbox

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"datasage/internal/logging"
)

// BrokerImportPath is the import path generated code uses for artifact
// writes. It resolves to injected symbols, not a real package on disk.
const BrokerImportPath = "analysis/artifacts"

// ErrPolicyViolation marks a run rejected by the sandbox policy, either a
// forbidden import or an artifact write escaping the staging directory.
var ErrPolicyViolation = errors.New("sandbox policy violation")

var defaultAllowed = []string{
	"bytes",
	"encoding/csv",
	"encoding/json",
	"errors",
	"fmt",
	"math",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"time",
	"unicode",
	"unicode/utf8",
	BrokerImportPath,
}

// deniedAlways can never be allowed, not even through configuration.
var deniedAlways = map[string]bool{
	"os":            true,
	"os/exec":       true,
	"os/signal":     true,
	"net":           true,
	"net/http":      true,
	"net/url":       true,
	"syscall":       true,
	"unsafe":        true,
	"plugin":        true,
	"reflect":       true,
	"runtime":       true,
	"runtime/cgo":   true,
	"runtime/debug": true,
	"io/ioutil":     true,
	"path/filepath": true,
}

// Policy decides which imports interpreted code may use.
type Policy struct {
	allowed map[string]bool
}

// NewPolicy returns the default allow-list extended with extra stdlib
// imports from configuration. Extras on the hard deny list are dropped.
func NewPolicy(extra ...string) *Policy {
	allowed := make(map[string]bool, len(defaultAllowed)+len(extra))
	for _, pkg := range defaultAllowed {
		allowed[pkg] = true
	}
	for _, pkg := range extra {
		pkg = strings.TrimSpace(pkg)
		if pkg == "" {
			continue
		}
		if deniedAlways[pkg] {
			logging.SandboxWarn("policy: refusing to allow %s", pkg)
			continue
		}
		allowed[pkg] = true
	}
	return &Policy{allowed: allowed}
}

// Allowed reports whether one import path is on the allow-list.
func (p *Policy) Allowed(pkg string) bool {
	return p.allowed[pkg]
}

// AllowedImports returns the sorted allow-list, for prompt construction and
// error messages.
func (p *Policy) AllowedImports() []string {
	pkgs := make([]string, 0, len(p.allowed))
	for pkg := range p.allowed {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	return pkgs
}

// ValidateImports scans the code's import statements and rejects anything
// outside the allow-list. The scan is line-based on purpose: interpreted
// code never reaches the evaluator unless this passes, so a statement the
// scan cannot see is a statement the interpreter never sees either.
func (p *Policy) ValidateImports(code string) error {
	var forbidden []string

	inBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "import (") {
			inBlock = true
			continue
		}
		if inBlock && strings.HasPrefix(trimmed, ")") {
			inBlock = false
			continue
		}

		var spec string
		switch {
		case inBlock:
			spec = trimmed
		case strings.HasPrefix(trimmed, "import "):
			spec = strings.TrimPrefix(trimmed, "import ")
		default:
			continue
		}

		pkg := importPathOf(spec)
		if pkg == "" {
			continue
		}
		if !p.allowed[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}

	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports %v (allowed: %s): %w",
			forbidden, strings.Join(p.AllowedImports(), ", "), ErrPolicyViolation)
	}
	return nil
}

// importPathOf extracts the quoted path from one import spec line, which may
// carry an alias or a trailing comment.
func importPathOf(spec string) string {
	start := strings.Index(spec, `"`)
	if start == -1 {
		return ""
	}
	rest := spec[start+1:]
	end := strings.Index(rest, `"`)
	if end == -1 {
		return ""
	}
	return rest[:end]
}
