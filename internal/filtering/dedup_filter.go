package filtering

import "context"

type dedupFilter struct{}

// NewDedup creates a filter that keeps the first occurrence of every phone.
func NewDedup() Filter {
	return &dedupFilter{}
}

func (f *dedupFilter) Name() string { return "dedup" }

func (f *dedupFilter) Disable(string) {}

func (f *dedupFilter) IsEnabled() bool { return true }

func (f *dedupFilter) Validate(*Config) error { return nil }

func (f *dedupFilter) Apply(_ context.Context, _ Deps, t *Targets) (*Targets, Step, error) {
	initial := t.Len()

	seen := make(map[string]struct{}, initial)
	removed := t.Exclude(func(p string) bool {
		if _, ok := seen[p]; ok {
			return true
		}
		seen[p] = struct{}{}
		return false
	})

	return t, Step{Initial: initial, Dropped: len(removed), Left: t.Len()}, nil
}
