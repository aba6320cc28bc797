package step

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/go-viper/mapstructure/v2"

	"github.com/pitabwire/flowrun/model"
)

type validationConfig struct {
	Rules         []any          `mapstructure:"rules"`
	Data          map[string]any `mapstructure:"data"`
	FailOnInvalid bool           `mapstructure:"failOnInvalid"`
}

type validationRule struct {
	Name       string `mapstructure:"name"`
	Expression string `mapstructure:"expression"`
}

// ValidationResult is the result of a validation step.
type ValidationResult struct {
	Valid          bool     `json:"valid"`
	RulesEvaluated int      `json:"rulesEvaluated"`
	Passed         int      `json:"passed"`
	Failed         int      `json:"failed"`
	FailedRules    []string `json:"failedRules"`
}

// InvalidDataError is returned when rules fail and failOnInvalid is set.
type InvalidDataError struct {
	FailedRules []string
}

func (e *InvalidDataError) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.FailedRules, ", "))
}

// ValidationHandler checks boolean rules against a data map.
type ValidationHandler struct{}

// NewValidationHandler creates a validation step handler.
func NewValidationHandler() *ValidationHandler { return &ValidationHandler{} }

// Type implements Handler.
func (h *ValidationHandler) Type() model.StepType { return model.StepTypeValidation }

// Execute implements Handler. Every rule is compiled before any is run, so a
// broken rule fails the step without a partial result.
func (h *ValidationHandler) Execute(_ context.Context, _ string, s model.WorkflowStep) (any, error) {
	var cfg validationConfig
	if err := decodeConfig(s, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Rules) == 0 {
		return nil, errors.New("validation step requires at least one rule")
	}
	rules, err := parseRules(cfg.Rules)
	if err != nil {
		return nil, err
	}
	if cfg.Data == nil {
		cfg.Data = map[string]any{}
	}

	type compiled struct {
		name string
		run  func() (any, error)
	}
	programs := make([]compiled, 0, len(rules))
	for _, r := range rules {
		program, err := expr.Compile(r.Expression, expr.Env(cfg.Data), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile rule %q: %w", r.Name, err)
		}
		programs = append(programs, compiled{
			name: r.Name,
			run:  func() (any, error) { return expr.Run(program, cfg.Data) },
		})
	}

	res := ValidationResult{FailedRules: []string{}}
	for _, p := range programs {
		out, err := p.run()
		if err != nil {
			return nil, fmt.Errorf("evaluate rule %q: %w", p.name, err)
		}
		res.RulesEvaluated++
		if ok, _ := out.(bool); ok {
			res.Passed++
			continue
		}
		res.Failed++
		res.FailedRules = append(res.FailedRules, p.name)
	}
	res.Valid = res.Failed == 0

	if !res.Valid && cfg.FailOnInvalid {
		return nil, &InvalidDataError{FailedRules: res.FailedRules}
	}
	return res, nil
}

// parseRules accepts bare expression strings and {name, expression} maps.
// A bare expression is named by its own text.
func parseRules(raw []any) ([]validationRule, error) {
	rules := make([]validationRule, 0, len(raw))
	for i, item := range raw {
		var r validationRule
		switch v := item.(type) {
		case string:
			r = validationRule{Name: v, Expression: v}
		case map[string]any:
			if err := mapstructure.Decode(v, &r); err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
		default:
			return nil, fmt.Errorf("rule %d: expected a string or {name, expression}, got %T", i, item)
		}
		if strings.TrimSpace(r.Expression) == "" {
			return nil, fmt.Errorf("rule %d: empty expression", i)
		}
		if r.Name == "" {
			r.Name = r.Expression
		}
		rules = append(rules, r)
	}
	return rules, nil
}
