package filtering

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type optOutFilter struct {
	disabled bool
	reason   string
}

// NewOptOut creates a filter that removes phones that declined invitations
// from the tenant.
func NewOptOut() Filter {
	return &optOutFilter{}
}

func (f *optOutFilter) Name() string { return "opt_out" }

func (f *optOutFilter) Disable(reason string) {
	f.disabled = true
	f.reason = reason
}

func (f *optOutFilter) IsEnabled() bool { return !f.disabled }

func (f *optOutFilter) Validate(*Config) error { return nil }

func (f *optOutFilter) Apply(ctx context.Context, deps Deps, t *Targets) (*Targets, Step, error) {
	initial := t.Len()
	if deps.OptOuts == nil {
		if deps.Logger != nil {
			deps.Logger.Debug("opt-out store is not configured; skipping opt_out filter")
		}
		return t, Step{Initial: initial, Dropped: 0, Left: initial}, nil
	}

	var lookupErr error
	removed := t.Exclude(func(p string) bool {
		if lookupErr != nil {
			return false
		}
		out, err := deps.OptOuts.IsOptedOut(ctx, deps.TenantID, p)
		if err != nil {
			lookupErr = err
			return false
		}
		return out
	})
	if lookupErr != nil {
		return t, Step{}, fmt.Errorf("check opt-outs: %w", lookupErr)
	}

	if deps.Logger != nil && len(removed) > 0 {
		deps.Logger.Info("excluding phones that opted out",
			zap.Strings("excluded_phones", removed),
			zap.Int("phones_left", t.Len()),
		)
	}

	return t, Step{Initial: initial, Dropped: len(removed), Left: t.Len()}, nil
}

func (f *optOutFilter) Status() Status {
	return Status{Name: f.Name(), Enabled: f.IsEnabled(), Reason: f.reason}
}
