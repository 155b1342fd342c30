package filtering

import (
	"context"

	"go.uber.org/zap"

	"github.com/spigell/wa-interviewer/internal/phone"
)

type validPhoneFilter struct{}

// NewValidPhone creates a filter that drops phones not in canonical form.
// Targets are normalized at the boundary with their tenant's country code, so
// this step never normalizes again.
func NewValidPhone() Filter {
	return &validPhoneFilter{}
}

func (f *validPhoneFilter) Name() string { return "valid_phone" }

func (f *validPhoneFilter) Disable(string) {}

func (f *validPhoneFilter) IsEnabled() bool { return true }

func (f *validPhoneFilter) Validate(*Config) error { return nil }

func (f *validPhoneFilter) Apply(_ context.Context, deps Deps, t *Targets) (*Targets, Step, error) {
	initial := t.Len()

	invalid := t.Exclude(func(p string) bool { return !phone.Canonical(p) })

	if deps.Logger != nil && len(invalid) > 0 {
		deps.Logger.Warn("excluding invalid phones",
			zap.Strings("excluded_phones", invalid),
			zap.Int("phones_left", t.Len()),
		)
	}

	return t, Step{Initial: initial, Dropped: len(invalid), Left: t.Len()}, nil
}
