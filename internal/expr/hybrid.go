package expr

import (
	"fmt"
	"strings"

	"github.com/fasalmitra/fasalmitra/internal/templates"
)

// HybridEvaluator can evaluate both CEL expressions and Go templates.
// It automatically detects the type based on the presence of {{ in the expression.
type HybridEvaluator struct {
	celEnv   *Environment
	renderer *templates.Renderer
}

// NewHybridEvaluator creates an evaluator that supports both CEL and templates
// against the advisory activation (message, weather, market, vars, now).
func NewHybridEvaluator(renderer *templates.Renderer) (*HybridEvaluator, error) {
	celEnv, err := NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("hybrid: create CEL environment: %w", err)
	}
	return &HybridEvaluator{
		celEnv:   celEnv,
		renderer: renderer,
	}, nil
}

// Evaluate executes the expression and returns the result.
// If the expression contains {{, it's treated as a template.
// Otherwise, it's treated as a CEL expression.
func (h *HybridEvaluator) Evaluate(expression string, data any) (any, error) {
	trimmed := strings.TrimSpace(expression)
	if trimmed == "" {
		return "", nil
	}

	if strings.Contains(trimmed, "{{") {
		return h.evaluateTemplate(trimmed, data)
	}

	return h.evaluateCEL(trimmed, data)
}

// evaluateTemplate renders a Go template.
func (h *HybridEvaluator) evaluateTemplate(source string, data any) (string, error) {
	tmpl, err := h.renderer.CompileInline("var", source)
	if err != nil {
		return "", fmt.Errorf("hybrid: compile template: %w", err)
	}
	result, err := tmpl.Render(data)
	if err != nil {
		return "", fmt.Errorf("hybrid: render template: %w", err)
	}
	return result, nil
}

// evaluateCEL evaluates a CEL expression.
func (h *HybridEvaluator) evaluateCEL(expression string, data any) (any, error) {
	prog, err := h.celEnv.CompileValue(expression)
	if err != nil {
		return nil, fmt.Errorf("hybrid: compile CEL: %w", err)
	}

	vars, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("hybrid: CEL requires map[string]any activation, got %T", data)
	}

	result, err := prog.Eval(vars)
	if err != nil {
		return nil, fmt.Errorf("hybrid: evaluate CEL: %w", err)
	}
	return result, nil
}
