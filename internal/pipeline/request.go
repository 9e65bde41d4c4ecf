// ABOUTME: Generation request validation and defaults
// ABOUTME: Mirrors the public generate API contract

package pipeline

import (
	"fmt"
	"strings"
)

// supportedLanguages is the allow-list for the language field.
var supportedLanguages = map[string]bool{
	"python":     true,
	"javascript": true,
	"typescript": true,
	"java":       true,
	"go":         true,
	"rust":       true,
	"cpp":        true,
	"c":          true,
	"php":        true,
	"ruby":       true,
}

const (
	minRequirementsLen = 10
	defaultIterations  = 3
	maxIterationsCap   = 10
)

// Request describes one code generation task.
type Request struct {
	Requirements  string `json:"requirements"`
	Language      string `json:"language"`
	Context       string `json:"context,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`

	// Review requests a human approval gate before the final code output.
	Review bool `json:"review,omitempty"`

	// Interactive requests human guidance between refinement rounds.
	Interactive bool `json:"interactive,omitempty"`
}

// Validate normalizes defaults and rejects malformed requests.
func (r *Request) Validate() error {
	if len(strings.TrimSpace(r.Requirements)) < minRequirementsLen {
		return fmt.Errorf("requirements must be at least %d characters", minRequirementsLen)
	}
	if r.Language == "" {
		r.Language = "python"
	}
	if !supportedLanguages[r.Language] {
		return fmt.Errorf("unsupported language %q", r.Language)
	}
	if r.MaxIterations == 0 {
		r.MaxIterations = defaultIterations
	}
	if r.MaxIterations < 1 || r.MaxIterations > maxIterationsCap {
		return fmt.Errorf("max_iterations must be between 1 and %d", maxIterationsCap)
	}
	return nil
}
