package policy

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gorm.io/datatypes"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// BuiltinFunc scores one raw value with the policy params.
type BuiltinFunc func(raw float64, params Params) (float64, error)

// Params is a typed view over the policy's JSON params.
type Params datatypes.JSONMap

// Float returns the numeric param or fallback when absent.
func (p Params) Float(key string, fallback float64) (float64, error) {
	value, ok := p[key]
	if !ok || value == nil {
		return fallback, nil
	}
	switch typed := value.(type) {
	case float64:
		return typed, nil
	case float32:
		return float64(typed), nil
	case int:
		return float64(typed), nil
	case int64:
		return float64(typed), nil
	default:
		return 0, fmt.Errorf("param %q must be a number", key)
	}
}

// BuiltinRunner evaluates policies implemented as registered Go functions.
type BuiltinRunner struct {
	funcs map[string]BuiltinFunc
}

// NewBuiltinRunner returns a runner with the default registry.
func NewBuiltinRunner() *BuiltinRunner {
	return &BuiltinRunner{funcs: map[string]BuiltinFunc{
		"identity": identity,
		"scale":    scale,
		"clamp":    clamp,
		"percent":  percent,
		"floor":    floor,
	}}
}

// Register adds or replaces a builtin function.
func (r *BuiltinRunner) Register(name string, fn BuiltinFunc) {
	r.funcs[name] = fn
}

// Names lists registered builtins in order.
func (r *BuiltinRunner) Names() []string {
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *BuiltinRunner) Validate(policy models.Policy) error {
	fn, ok := r.funcs[policy.Builtin]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownBuiltin, policy.Builtin)
	}
	// A dry run surfaces malformed params before the policy is used.
	_, err := fn(0, Params(policy.Params))
	return err
}

func (r *BuiltinRunner) Score(ctx context.Context, policy models.Policy, raws []float64) ([]Outcome, error) {
	fn, ok := r.funcs[policy.Builtin]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBuiltin, policy.Builtin)
	}

	params := Params(policy.Params)
	outcomes := make([]Outcome, len(raws))
	for idx, raw := range raws {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		value, err := fn(raw, params)
		outcomes[idx] = Outcome{Value: value, Err: err}
	}
	return outcomes, nil
}

func identity(raw float64, _ Params) (float64, error) {
	return raw, nil
}

// scale computes raw*factor + offset.
func scale(raw float64, params Params) (float64, error) {
	factor, err := params.Float("factor", 1)
	if err != nil {
		return 0, err
	}
	offset, err := params.Float("offset", 0)
	if err != nil {
		return 0, err
	}
	return raw*factor + offset, nil
}

func clamp(raw float64, params Params) (float64, error) {
	lower, err := params.Float("min", 0)
	if err != nil {
		return 0, err
	}
	upper, err := params.Float("max", 100)
	if err != nil {
		return 0, err
	}
	if lower > upper {
		return 0, fmt.Errorf("min %v exceeds max %v", lower, upper)
	}
	return math.Min(math.Max(raw, lower), upper), nil
}

// percent maps raw onto 0..100 against max_score.
func percent(raw float64, params Params) (float64, error) {
	maxScore, err := params.Float("max_score", 100)
	if err != nil {
		return 0, err
	}
	if maxScore <= 0 {
		return 0, fmt.Errorf("max_score must be positive")
	}
	return raw / maxScore * 100, nil
}

// floor rounds down to the given number of decimals.
func floor(raw float64, params Params) (float64, error) {
	decimals, err := params.Float("decimals", 0)
	if err != nil {
		return 0, err
	}
	if decimals < 0 || decimals > 6 {
		return 0, fmt.Errorf("decimals must be between 0 and 6")
	}
	factor := math.Pow(10, decimals)
	return math.Floor(raw*factor) / factor, nil
}
