package codegen

// codegenSystemPrompt states the sandbox contract. The allow-list is
// rendered in at call time so the prompt and the enforcing policy can never
// drift apart.
const codegenSystemPrompt = `You are a Go code generator for sandboxed data analysis.
Your code runs inside a restricted interpreter with the dataset supplied as CSV text.

CRITICAL SANDBOX REQUIREMENTS:
- Define exactly one entry point: func RunAnalysis(input string) (string, error)
- input is the complete dataset as CSV text, header row first
- Return the analysis result as readable text (aligned tables, "key: value" lines)
- Allowed imports ONLY: %s
- Files may be written ONLY via the artifacts API:
    import "analysis/artifacts"
    artifacts.WriteFile(name string, data []byte) error
  with a plain relative file name (no directories, no "..", no absolute paths)
- Do NOT use panic(); return errors
- Do NOT start goroutines
- Parse CSV defensively: rows may be short, values may be empty or malformed

Generate clean, idiomatic Go code with proper error handling.`

// generatePrompt is the user prompt template for a fresh generation. Slots:
// bounded context, step description, expected insight.
const generatePrompt = `%s

--- ANALYSIS STEP ---
%s

--- EXPECTED INSIGHT ---
%s

Write a Go program fragment (no package clause needed) implementing this
analysis step against the dataset described above. Column positions must be
resolved from the header row, never hardcoded.

Generate complete, compilable Go code:`

// repairPrompt is the user prompt template for repairing failed code. Slots:
// bounded context, step description, execution error, previous code.
const repairPrompt = `%s

--- ANALYSIS STEP ---
%s

--- EXECUTION ERROR ---
%s

--- PREVIOUS CODE (DO NOT REPEAT THESE MISTAKES) ---
%s

The previous code failed when executed against the real dataset. Write a
corrected version that fixes the error above while still implementing the
analysis step. Keep the same entry point signature.

Generate complete, compilable Go code:`

// reshapeFeedback is appended when a response lacked the required entry
// point, for the single reshape retry.
const reshapeFeedback = `

Your previous response was rejected: %v
Respond again with complete Go code defining func RunAnalysis(input string) (string, error).`
