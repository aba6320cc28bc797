package step

import (
	"context"
	"errors"
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/pitabwire/flowrun/model"
)

type calculationConfig struct {
	Formula   string         `mapstructure:"formula"`
	Variables map[string]any `mapstructure:"variables"`
}

// CalculationResult is the result of a calculation step.
type CalculationResult struct {
	Formula   string         `json:"formula"`
	Result    any            `json:"result"`
	Variables map[string]any `json:"variables"`
}

// CalculationHandler evaluates a formula against named variables.
type CalculationHandler struct{}

// NewCalculationHandler creates a calculation step handler.
func NewCalculationHandler() *CalculationHandler { return &CalculationHandler{} }

// Type implements Handler.
func (h *CalculationHandler) Type() model.StepType { return model.StepTypeCalculation }

// Execute implements Handler. Referencing a variable that is not supplied is
// a compile error.
func (h *CalculationHandler) Execute(_ context.Context, _ string, s model.WorkflowStep) (any, error) {
	var cfg calculationConfig
	if err := decodeConfig(s, &cfg); err != nil {
		return nil, err
	}
	if cfg.Formula == "" {
		return nil, errors.New("calculation step requires a formula")
	}
	if cfg.Variables == nil {
		cfg.Variables = map[string]any{}
	}

	program, err := expr.Compile(cfg.Formula, expr.Env(cfg.Variables))
	if err != nil {
		return nil, fmt.Errorf("compile formula: %w", err)
	}
	out, err := expr.Run(program, cfg.Variables)
	if err != nil {
		return nil, fmt.Errorf("evaluate formula: %w", err)
	}

	return CalculationResult{
		Formula:   cfg.Formula,
		Result:    out,
		Variables: cfg.Variables,
	}, nil
}
