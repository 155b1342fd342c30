// Package cohort finds the candidates that were invited together with an
// opted-in candidate, so the cadence can fan the invitation out to all of them.
package cohort

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/spigell/wa-interviewer/internal/logger"
	"github.com/spigell/wa-interviewer/internal/metrics"
	"github.com/spigell/wa-interviewer/internal/phone"
	"github.com/spigell/wa-interviewer/internal/store"
)

// Directory is the read-only view of the store the resolver needs.
type Directory interface {
	CandidateByPhone(ctx context.Context, tenantID, phone string) (*store.Candidate, error)
	LatestOpenSelection(ctx context.Context, tenantID, candidateID string) (*store.Selection, error)
	ListMembers(ctx context.Context, tenantID, listID string) ([]store.Candidate, error)
	CandidatesMatching(ctx context.Context, tenantID string, criteria store.Criteria) ([]store.Candidate, error)
	LatestListFor(ctx context.Context, tenantID, candidateID string) (*store.List, error)
}

// Source tells how a cohort was determined.
type Source string

const (
	SourceSelectionList     Source = "selection_list"
	SourceSelectionCriteria Source = "selection_criteria"
	SourceDirectList        Source = "direct_list"
	SourceFallback          Source = "fallback"
)

// Cohort is the result of a resolution.
type Cohort struct {
	Phones      []string
	Source      Source
	SelectionID string
	ListID      string
}

type Resolver struct {
	dir     Directory
	logger  *zap.Logger
	metrics metrics.Recorder
}

func NewResolver(dir Directory, log *zap.Logger, rec metrics.Recorder) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}

	return &Resolver{
		dir:     dir,
		logger:  log,
		metrics: rec,
	}
}

// FindPeersInSameList returns the normalized phones of the cohort the candidate
// belongs to, trigger included.
func (r *Resolver) FindPeersInSameList(ctx context.Context, candidatePhone, tenantID string) ([]string, error) {
	c, err := r.Resolve(ctx, candidatePhone, tenantID)
	if err != nil {
		return nil, err
	}
	return c.Phones, nil
}

// Resolve determines the cohort. Lookup failures other than missing data are
// returned; missing data degrades to the trigger alone.
func (r *Resolver) Resolve(ctx context.Context, candidatePhone, tenantID string) (*Cohort, error) {
	log := logger.WithConversation(r.logger, tenantID, candidatePhone)

	candidate, err := r.dir.CandidateByPhone(ctx, tenantID, candidatePhone)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return r.fallback(log, candidatePhone, tenantID, "candidate unknown"), nil
	case err != nil:
		return nil, fmt.Errorf("resolve cohort: %w", err)
	}

	sel, err := r.dir.LatestOpenSelection(ctx, tenantID, candidate.ID)
	switch {
	case err == nil:
		return r.fromSelection(ctx, log, candidatePhone, sel)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("resolve cohort: %w", err)
	}

	list, err := r.dir.LatestListFor(ctx, tenantID, candidate.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return r.fallback(log, candidatePhone, tenantID, "no selection or list"), nil
	case err != nil:
		return nil, fmt.Errorf("resolve cohort: %w", err)
	}

	members, err := r.dir.ListMembers(ctx, tenantID, list.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve cohort: %w", err)
	}

	c := &Cohort{Phones: r.phones(log, candidatePhone, members), Source: SourceDirectList, ListID: list.ID}
	log.Debug("cohort resolved", zap.String("source", string(c.Source)), zap.String("list", list.ID), zap.Int("size", len(c.Phones)))
	return c, nil
}

// LatestSelection returns the candidate's newest open selection.
func (r *Resolver) LatestSelection(ctx context.Context, tenantID, candidateID string) (*store.Selection, error) {
	return r.dir.LatestOpenSelection(ctx, tenantID, candidateID)
}

func (r *Resolver) fromSelection(ctx context.Context, log *zap.Logger, trigger string, sel *store.Selection) (*Cohort, error) {
	var (
		members []store.Candidate
		err     error
		c       = &Cohort{SelectionID: sel.ID}
	)

	if sel.ListID != "" {
		c.Source = SourceSelectionList
		c.ListID = sel.ListID
		members, err = r.dir.ListMembers(ctx, sel.TenantID, sel.ListID)
	} else {
		c.Source = SourceSelectionCriteria
		members, err = r.dir.CandidatesMatching(ctx, sel.TenantID, sel.Criteria)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve cohort of selection %s: %w", sel.ID, err)
	}

	c.Phones = r.phones(log, trigger, members)
	log.Debug("cohort resolved",
		zap.String("source", string(c.Source)),
		zap.String("selection", sel.ID),
		zap.Int("size", len(c.Phones)),
	)
	return c, nil
}

// phones dedups members in order and makes sure the trigger is in. Stored
// phones were normalized with the tenant's country code when they were
// written, so anything not canonical is skipped rather than rewritten.
func (r *Resolver) phones(log *zap.Logger, trigger string, members []store.Candidate) []string {
	raws := make([]string, 0, len(members)+1)
	for _, m := range members {
		raws = append(raws, m.Phone)
	}
	raws = append(raws, trigger)

	out := make([]string, 0, len(raws))
	seen := make(map[string]struct{}, len(raws))
	var invalid []string
	for _, p := range raws {
		if !phone.Canonical(p) {
			invalid = append(invalid, p)
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	if len(invalid) > 0 {
		log.Warn("cohort members with invalid phones skipped", zap.Strings("phones", invalid))
	}
	return out
}

func (r *Resolver) fallback(log *zap.Logger, trigger, tenantID, reason string) *Cohort {
	log.Warn("cohort could not be resolved, inviting trigger only",
		zap.Bool("cohort_fallback", true),
		zap.String("reason", reason),
	)
	r.metrics.CohortFallback(tenantID)

	return &Cohort{Phones: []string{trigger}, Source: SourceFallback}
}
