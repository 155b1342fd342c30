// Package filtering narrows a cohort down to the phones a cadence job may
// actually invite.
package filtering

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Filter represents a single filtering step applied to cadence targets.
type Filter interface {
	Name() string
	Disable(reason string)
	IsEnabled() bool

	Validate(cfg *Config) error
	Apply(ctx context.Context, deps Deps, t *Targets) (*Targets, Step, error)
}

// OptOutChecker reports whether a phone asked not to be contacted by a tenant.
type OptOutChecker interface {
	IsOptedOut(ctx context.Context, tenantID, phone string) (bool, error)
}

// Deps aggregates dependencies shared across all filtering steps.
type Deps struct {
	TenantID string
	Logger   *zap.Logger
	OptOuts  OptOutChecker
}

// Step describes the result of executing a filtering step.
type Step struct {
	Initial int
	Dropped int
	Left    int
}

// Config contains configuration settings consumed by the filters.
type Config struct {
	CountryCode string
	// Blocklist holds phones that are never invited, in any spelling.
	Blocklist []string
}

// Status represents runtime information about a filter.
type Status struct {
	Name    string
	Enabled bool
	Reason  string
	Details map[string]string
}

// statusProvider is implemented by filters that can supply detailed status information.
type statusProvider interface {
	Status() Status
}

// Targets is an ordered set of phones.
type Targets struct {
	Phones []string
}

func NewTargets(phones []string) *Targets {
	return &Targets{Phones: append([]string(nil), phones...)}
}

func (t *Targets) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Phones)
}

// Exclude removes the phones for which drop returns true and returns them.
func (t *Targets) Exclude(drop func(phone string) bool) []string {
	kept := t.Phones[:0]
	var removed []string
	for _, p := range t.Phones {
		if drop(p) {
			removed = append(removed, p)
			continue
		}
		kept = append(kept, p)
	}
	t.Phones = kept
	return removed
}

// DefaultSteps returns the pipeline used by the cadence distributor.
func DefaultSteps() []Filter {
	return []Filter{
		NewValidPhone(),
		NewDedup(),
		NewBlocklist(),
		NewOptOut(),
	}
}

// DisableByName marks a filter with the provided name as disabled while keeping it in the list.
func DisableByName(steps []Filter, name, reason string) {
	for _, step := range steps {
		if step.Name() == name {
			step.Disable(reason)
		}
	}
}

// Run executes the supplied filters sequentially, returning the remaining targets.
func Run(ctx context.Context, cfg *Config, deps Deps, steps []Filter, t *Targets) (*Targets, error) {
	for _, step := range steps {
		if !step.IsEnabled() {
			continue
		}
		if err := step.Validate(cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", step.Name(), err)
		}
	}

	for _, step := range steps {
		if !step.IsEnabled() {
			if deps.Logger != nil {
				deps.Logger.Debug("filter disabled", zap.String("name", step.Name()))
			}
			continue
		}

		next, info, err := step.Apply(ctx, deps, t)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", step.Name(), err)
		}

		if deps.Logger != nil {
			deps.Logger.Debug("filter step",
				zap.String("name", step.Name()),
				zap.Int("initial", info.Initial),
				zap.Int("dropped", info.Dropped),
				zap.Int("left", info.Left),
			)
		}

		t = next
	}

	return t, nil
}

// Describe returns status entries for the provided filters.
func Describe(steps []Filter) []Status {
	statuses := make([]Status, 0, len(steps))
	for _, step := range steps {
		if reporter, ok := step.(statusProvider); ok {
			statuses = append(statuses, reporter.Status())
			continue
		}

		statuses = append(statuses, Status{
			Name:    step.Name(),
			Enabled: step.IsEnabled(),
		})
	}
	return statuses
}
