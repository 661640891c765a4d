// Package codegen turns plan steps into runnable analysis programs and
// repairs them after failed executions. Generated code is cached by
// fingerprint so re-running an unchanged step skips the backend entirely.
package codegen

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"datasage/internal/backend"
	"datasage/internal/logging"
	"datasage/internal/project"
	"datasage/internal/sandbox"
)

// ErrMalformed marks a backend response that never yielded code with the
// required entry point, even after the reshape retry.
var ErrMalformed = errors.New("generated code is malformed")

// entryPointMarker is the signature every generated program must define.
const entryPointMarker = "func RunAnalysis("

// errTruncateLimit bounds how much of a captured execution error is quoted
// back into a repair prompt.
const errTruncateLimit = 2000

// Generator produces and repairs analysis code through the reasoning
// backend.
type Generator struct {
	client       backend.Client
	cache        Cache
	cacheEnabled bool
	policy       *sandbox.Policy
}

// NewGenerator builds a generator. cache may be nil, which disables reuse
// regardless of cacheEnabled.
func NewGenerator(client backend.Client, cache Cache, cacheEnabled bool, policy *sandbox.Policy) *Generator {
	if policy == nil {
		policy = sandbox.NewPolicy()
	}
	return &Generator{
		client:       client,
		cache:        cache,
		cacheEnabled: cacheEnabled && cache != nil,
		policy:       policy,
	}
}

// GenerateOrRepair returns code for the step. With prior == nil this is a
// fresh generation and the cache is consulted first; with a prior artifact
// it produces a repaired version informed by the captured failure. Repairs
// are never served from cache.
func (g *Generator) GenerateOrRepair(ctx context.Context, step project.PlanStep, boundedContext, profileHash string, prior *project.ExecutionArtifact) (string, error) {
	if prior == nil {
		return g.generate(ctx, step, boundedContext, profileHash)
	}
	return g.repair(ctx, step, boundedContext, prior)
}

// CacheVerified stores code that executed successfully. Only verified code
// enters the cache, so a resumed run never replays a known failure.
func (g *Generator) CacheVerified(step project.PlanStep, profileHash, code string) {
	if !g.cacheEnabled {
		return
	}
	fp := Fingerprint(step, profileHash)
	if err := g.cache.Put(fp, code); err != nil {
		logging.Codegen("cache put failed for %s: %v", step.ID, err)
		return
	}
	logging.CodegenDebug("cached verified code for %s (fingerprint %s)", step.ID, fp[:8])
}

func (g *Generator) generate(ctx context.Context, step project.PlanStep, boundedContext, profileHash string) (string, error) {
	fp := Fingerprint(step, profileHash)
	if g.cacheEnabled {
		if code, ok := g.cache.Get(fp); ok {
			logging.Codegen("generate %s: cache hit (fingerprint %s)", step.ID, fp[:8])
			return code, nil
		}
	}

	timer := logging.StartTimer(logging.CategoryCodegen, "Generate")
	defer timer.Stop()

	prompt := fmt.Sprintf(generatePrompt, boundedContext, step.Description, step.Expected)
	code, err := g.completeCode(ctx, backend.PurposeCodegen, prompt)
	if err != nil {
		return "", fmt.Errorf("generate %s: %w", step.ID, err)
	}
	logging.Codegen("generate %s: %d bytes of code", step.ID, len(code))
	return code, nil
}

func (g *Generator) repair(ctx context.Context, step project.PlanStep, boundedContext string, prior *project.ExecutionArtifact) (string, error) {
	timer := logging.StartTimer(logging.CategoryCodegen, "Repair")
	defer timer.Stop()

	prompt := fmt.Sprintf(repairPrompt, boundedContext, step.Description,
		truncateError(executionError(prior)), prior.Code)
	code, err := g.completeCode(ctx, backend.PurposeRepair, prompt)
	if err != nil {
		return "", fmt.Errorf("repair %s (version %d): %w", step.ID, prior.CodeVersion, err)
	}
	logging.Codegen("repair %s: version %d replaced, %d bytes of code",
		step.ID, prior.CodeVersion, len(code))
	return code, nil
}

// completeCode runs one codegen completion, extracts the code block, and
// checks the entry point. A response without the entry point gets a single
// reshape retry with the rejection quoted back.
func (g *Generator) completeCode(ctx context.Context, purpose backend.Purpose, prompt string) (string, error) {
	system := fmt.Sprintf(codegenSystemPrompt, strings.Join(g.policy.AllowedImports(), ", "))

	resp, err := backend.CompleteForPurpose(ctx, g.client, purpose, system, prompt)
	if err != nil {
		return "", err
	}
	code := extractCodeBlock(resp, "go")
	shapeErr := checkShape(code)
	if shapeErr == nil {
		return code, nil
	}

	logging.CodegenDebug("[%s] reshape retry: %v", purpose, shapeErr)
	retry := prompt + fmt.Sprintf(reshapeFeedback, shapeErr)
	resp, err = backend.CompleteForPurpose(ctx, g.client, purpose, system, retry)
	if err != nil {
		return "", err
	}
	code = extractCodeBlock(resp, "go")
	if err := checkShape(code); err != nil {
		return "", fmt.Errorf("%v: %w", err, ErrMalformed)
	}
	return code, nil
}

// checkShape verifies the structural minimum before code is accepted:
// non-empty and defining the entry point. Import policy is enforced by the
// sandbox at execution time.
func checkShape(code string) error {
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("response contained no code")
	}
	if !strings.Contains(code, entryPointMarker) {
		return fmt.Errorf("code does not define %sinput string) (string, error)", entryPointMarker)
	}
	return nil
}

// executionError condenses a failed artifact into the text quoted back to
// the backend for repair.
func executionError(prior *project.ExecutionArtifact) string {
	var parts []string
	if prior.Stderr != "" {
		parts = append(parts, prior.Stderr)
	}
	if prior.Outcome == project.OutcomeTimeout {
		parts = append(parts, fmt.Sprintf("execution exceeded the %dms wall-clock limit; reduce the work per row or simplify the pass", prior.DurationMS))
	}
	if len(parts) == 0 {
		parts = append(parts, string(prior.Outcome))
	}
	return strings.Join(parts, "\n")
}

func truncateError(s string) string {
	if len(s) <= errTruncateLimit {
		return s
	}
	return s[:errTruncateLimit] + "..."
}

// extractCodeBlock pulls the fenced code block out of an LLM response,
// falling back to the whole text when the response is raw code.
func extractCodeBlock(text, lang string) string {
	patterns := []string{
		"```" + lang + "\n",
		"```" + lang + "\r\n",
		"```\n",
		"```\r\n",
	}

	for _, pattern := range patterns {
		if idx := strings.Index(text, pattern); idx != -1 {
			start := idx + len(pattern)
			end := strings.Index(text[start:], "```")
			if end != -1 {
				return strings.TrimSpace(text[start : start+end])
			}
		}
	}

	return strings.TrimSpace(text)
}
