package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"datasage/internal/logging"
	"datasage/internal/project"
)

const (
	defaultTimeout = 5 * time.Minute

	// captureLimit bounds each captured output stream; resultLimit bounds
	// the returned analysis text. Both keep artifacts storable.
	captureLimit = 16 * 1024
	resultLimit  = 64 * 1024
)

// Limits bounds one sandboxed execution.
type Limits struct {
	// Timeout is the wall-clock limit. Zero means the default.
	Timeout time.Duration
}

// Executor runs generated analysis code in a restricted interpreter. The
// interpreter binds only allow-listed stdlib packages plus the artifacts
// broker; a run that exceeds its deadline is abandoned, never joined.
type Executor struct {
	policy    *Policy
	outputDir string
}

// NewExecutor builds an executor committing artifacts under outputDir.
// policy nil means the default policy.
func NewExecutor(outputDir string, policy *Policy) *Executor {
	if policy == nil {
		policy = NewPolicy()
	}
	return &Executor{policy: policy, outputDir: outputDir}
}

type evalResult struct {
	out string
	err error
}

// Run executes code against the dataset and always returns an artifact; the
// Outcome field carries the classification. Staged files are committed into
// the output directory only on /success; every other outcome removes
// staging entirely.
//
// Cancellation policy lives with the caller: a ctx that outlives the
// deadline lets the run finish to its own timeout, a canceled ctx abandons
// it immediately.
func (e *Executor) Run(ctx context.Context, code string, dataset project.DatasetHandle, limits Limits) project.ExecutionArtifact {
	start := time.Now()
	art := project.ExecutionArtifact{
		ID:        project.NewArtifactID(),
		Code:      code,
		CreatedAt: start.UTC(),
	}
	finish := func(outcome project.Outcome) project.ExecutionArtifact {
		art.Outcome = outcome
		art.DurationMS = time.Since(start).Milliseconds()
		logging.Sandbox("run %s: %s in %dms", art.ID, outcome, art.DurationMS)
		return art
	}

	if err := e.policy.ValidateImports(code); err != nil {
		art.Stderr = err.Error()
		logging.SandboxWarn("run %s: %v", art.ID, err)
		return finish(project.OutcomePolicyViolation)
	}

	staging := filepath.Join(e.outputDir, ".staging", art.ID)
	broker, err := NewArtifactBroker(staging)
	if err != nil {
		art.Stderr = err.Error()
		return finish(project.OutcomeRuntimeError)
	}

	watcher, werr := newStagingWatcher(staging)
	if werr != nil {
		logging.SandboxWarn("run %s: staging watcher unavailable: %v", art.ID, werr)
	}
	var (
		watchOnce sync.Once
		observed  []string
	)
	stopWatcher := func() {
		watchOnce.Do(func() {
			if watcher != nil {
				observed = watcher.stop()
			}
		})
	}
	defer stopWatcher()

	timeout := limits.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	stdout := newCappedBuffer(captureLimit)
	stderr := newCappedBuffer(captureLimit)

	resultCh := make(chan evalResult, 1)
	go func() {
		resultCh <- e.evaluate(code, dataset.CSV, broker, stdout, stderr)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res evalResult
	select {
	case res = <-resultCh:
	case <-timer.C:
		art.Stdout = stdout.String()
		art.Stderr = fmt.Sprintf("execution exceeded the %s wall-clock limit; evaluation abandoned", timeout)
		stopWatcher()
		_ = broker.Discard()
		return finish(project.OutcomeTimeout)
	case <-ctx.Done():
		art.Stdout = stdout.String()
		art.Stderr = fmt.Sprintf("execution canceled: %v", ctx.Err())
		stopWatcher()
		_ = broker.Discard()
		return finish(project.OutcomeTimeout)
	}

	art.Stdout = stdout.String()
	art.Stderr = stderr.String()

	if res.err != nil {
		art.Stderr = joinNonEmpty(art.Stderr, res.err.Error())
		stopWatcher()
		_ = broker.Discard()
		if errors.Is(res.err, ErrPolicyViolation) {
			return finish(project.OutcomePolicyViolation)
		}
		return finish(project.OutcomeRuntimeError)
	}

	if verr := broker.Violation(); verr != nil {
		art.Stderr = joinNonEmpty(art.Stderr, verr.Error())
		stopWatcher()
		_ = broker.Discard()
		return finish(project.OutcomePolicyViolation)
	}

	art.Result = truncateResult(res.out)

	stopWatcher()
	staged := broker.StagedFiles()
	if len(observed) != len(staged) {
		logging.SandboxDebug("run %s: watcher saw %d file(s), broker staged %d", art.ID, len(observed), len(staged))
	}

	figures, err := broker.Commit(filepath.Join(e.outputDir, art.ID))
	if err != nil {
		art.Stderr = joinNonEmpty(art.Stderr, err.Error())
		_ = broker.Discard()
		return finish(project.OutcomeRuntimeError)
	}
	art.Figures = figures

	return finish(project.OutcomeSuccess)
}

// evaluate runs the interpreter on the calling goroutine. A panic inside
// interpreted code surfaces as an error, not a crash.
func (e *Executor) evaluate(code, input string, broker *ArtifactBroker, stdout, stderr *cappedBuffer) (res evalResult) {
	defer func() {
		if r := recover(); r != nil {
			res = evalResult{err: fmt.Errorf("panic: %v", r)}
		}
	}()

	i := interp.New(interp.Options{Stdout: stdout, Stderr: stderr})
	if err := i.Use(e.boundSymbols()); err != nil {
		return evalResult{err: fmt.Errorf("bind stdlib symbols: %w", err)}
	}
	if err := i.Use(interp.Exports{
		BrokerImportPath + "/artifacts": map[string]reflect.Value{
			"WriteFile": reflect.ValueOf(broker.WriteFile),
		},
	}); err != nil {
		return evalResult{err: fmt.Errorf("bind artifacts broker: %w", err)}
	}

	if _, err := i.Eval(wrapCode(code)); err != nil {
		return evalResult{err: fmt.Errorf("code evaluation failed: %w", err)}
	}

	v, err := i.Eval("main.RunAnalysis")
	if err != nil {
		return evalResult{err: fmt.Errorf("RunAnalysis not found: %w", err)}
	}
	run, ok := v.Interface().(func(string) (string, error))
	if !ok {
		return evalResult{err: fmt.Errorf("RunAnalysis has wrong signature (want func(string) (string, error))")}
	}

	out, err := run(input)
	if err != nil {
		return evalResult{err: err}
	}
	return evalResult{out: out}
}

// boundSymbols filters the interpreter's stdlib bindings down to the policy
// allow-list. A forbidden package is unknown to the interpreter even if an
// import slipped past the scan.
func (e *Executor) boundSymbols() interp.Exports {
	bound := make(interp.Exports)
	for key, symbols := range stdlib.Symbols {
		idx := strings.LastIndex(key, "/")
		if idx < 0 {
			continue
		}
		if e.policy.Allowed(key[:idx]) {
			bound[key] = symbols
		}
	}
	return bound
}

// wrapCode wraps a generated fragment in package main when the backend
// omitted the clause.
func wrapCode(code string) string {
	if strings.Contains(code, "package main") {
		return code
	}
	return "package main\n\n" + code
}

func truncateResult(s string) string {
	if len(s) <= resultLimit {
		return s
	}
	return s[:resultLimit] + "\n...(truncated)"
}

func joinNonEmpty(parts ...string) string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n")
}

// cappedBuffer is a concurrency-safe writer keeping at most limit bytes.
// Interpreted code abandoned by a timeout may keep writing; the mutex and
// the cap make those late writes harmless.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remain := b.limit - b.buf.Len()
	if remain <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remain {
		b.buf.Write(p[:remain])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n...(truncated)"
	}
	return b.buf.String()
}
