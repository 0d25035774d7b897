// Package policy executes grading policies against raw scores.
package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

var (
	// ErrUnknownRuntime indicates the policy names a runtime that is not configured.
	ErrUnknownRuntime = errors.New("unknown policy runtime")
	// ErrUnknownBuiltin indicates the builtin function name is not registered.
	ErrUnknownBuiltin = errors.New("unknown builtin policy")
)

// Outcome is the policy result for one raw score. Err is per row and never aborts the batch.
type Outcome struct {
	Value float64
	Err   error
}

// Runner scores a batch of raw values with one policy. A returned error means the runtime
// itself failed and no outcome is usable.
type Runner interface {
	Score(ctx context.Context, policy models.Policy, raws []float64) ([]Outcome, error)
	Validate(policy models.Policy) error
}

// Dispatcher selects a runner by the policy runtime.
type Dispatcher struct {
	runners map[string]Runner
}

// NewDispatcher builds a runtime dispatcher; nil runners are skipped.
func NewDispatcher(runners map[string]Runner) *Dispatcher {
	registered := make(map[string]Runner, len(runners))
	for name, runner := range runners {
		if runner != nil {
			registered[name] = runner
		}
	}
	return &Dispatcher{runners: registered}
}

func (d *Dispatcher) runner(runtime string) (Runner, error) {
	runner, ok := d.runners[runtime]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRuntime, runtime)
	}
	return runner, nil
}

// Score delegates to the runner for the policy runtime.
func (d *Dispatcher) Score(ctx context.Context, policy models.Policy, raws []float64) ([]Outcome, error) {
	runner, err := d.runner(policy.Runtime)
	if err != nil {
		return nil, err
	}
	if len(raws) == 0 {
		return []Outcome{}, nil
	}
	outcomes, err := runner.Score(ctx, policy, raws)
	if err != nil {
		return nil, err
	}
	if len(outcomes) != len(raws) {
		return nil, fmt.Errorf("policy %d returned %d results for %d inputs", policy.ID, len(outcomes), len(raws))
	}
	return outcomes, nil
}

// Validate checks that the policy can be executed by its runtime.
func (d *Dispatcher) Validate(policy models.Policy) error {
	runner, err := d.runner(policy.Runtime)
	if err != nil {
		return err
	}
	return runner.Validate(policy)
}

// Runtimes lists the configured runtime names.
func (d *Dispatcher) Runtimes() []string {
	names := make([]string, 0, len(d.runners))
	for name := range d.runners {
		names = append(names, name)
	}
	return names
}
