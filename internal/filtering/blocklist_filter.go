package filtering

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/spigell/wa-interviewer/internal/phone"
)

type blocklistFilter struct {
	blocked map[string]struct{}
}

// NewBlocklist creates a filter that removes phones blocked in the config.
func NewBlocklist() Filter {
	return &blocklistFilter{}
}

func (f *blocklistFilter) Name() string { return "blocklist" }

func (f *blocklistFilter) Disable(string) {}

func (f *blocklistFilter) IsEnabled() bool { return true }

func (f *blocklistFilter) Validate(cfg *Config) error {
	f.blocked = map[string]struct{}{}
	if cfg == nil {
		return nil
	}

	normalized, _ := phone.NormalizeAll(cfg.Blocklist, cfg.CountryCode)
	for _, p := range normalized {
		f.blocked[p] = struct{}{}
	}
	return nil
}

func (f *blocklistFilter) Apply(_ context.Context, deps Deps, t *Targets) (*Targets, Step, error) {
	initial := t.Len()
	if len(f.blocked) == 0 {
		return t, Step{Initial: initial, Dropped: 0, Left: initial}, nil
	}

	removed := t.Exclude(func(p string) bool {
		_, ok := f.blocked[p]
		return ok
	})
	if deps.Logger != nil && len(removed) > 0 {
		deps.Logger.Info("excluding blocklisted phones",
			zap.Strings("excluded_phones", removed),
			zap.Int("phones_left", t.Len()),
		)
	}

	return t, Step{Initial: initial, Dropped: len(removed), Left: t.Len()}, nil
}

func (f *blocklistFilter) Status() Status {
	return Status{Name: f.Name(), Enabled: true, Details: map[string]string{"blocked": strconv.Itoa(len(f.blocked))}}
}
