// Package cadence schedules interview invitations for a tenant's cohort over
// that tenant's own WhatsApp slots. Every tenant has its own lock, queue,
// worker and per-slot rate limit table; nothing is shared between tenants.
package cadence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/spigell/wa-interviewer/internal/filtering"
	"github.com/spigell/wa-interviewer/internal/logger"
	"github.com/spigell/wa-interviewer/internal/metrics"
	"github.com/spigell/wa-interviewer/internal/transport"
	"github.com/spigell/wa-interviewer/internal/utils"
)

// PeerResolver finds the cohort of an opted-in candidate.
type PeerResolver interface {
	FindPeersInSameList(ctx context.Context, candidatePhone, tenantID string) ([]string, error)
}

// SlotSource exposes a tenant's slots.
type SlotSource interface {
	ActiveSlots(tenantID string) []transport.Slot
	Slots(tenantID string) []transport.Slot
}

// Options configures a Distributor.
type Options struct {
	Slots    SlotSource
	Resolver PeerResolver
	OptOuts  filtering.OptOutChecker
	Filters  filtering.Config
	Logger   *zap.Logger
	Metrics  metrics.Recorder

	// Invitation is the text sent to every target.
	Invitation string
	// SlotPoll is how often a job without active slots checks again.
	SlotPoll time.Duration
	// Defaults apply to tenants without an explicit ConfigureCadence.
	Defaults  *Config
	Immediate *Config
	// ReinviteAfter is how long an invited phone is skipped by later jobs of
	// the same tenant.
	ReinviteAfter time.Duration
}

// DefaultReinviteAfter is used when Options.ReinviteAfter is zero.
const DefaultReinviteAfter = 24 * time.Hour

const invitedPruneThreshold = 1024

// Stats is the tenant-side view of the cadence.
type Stats struct {
	CadenceActive    bool    `json:"cadence_active"`
	ActiveSlots      int     `json:"active_slots"`
	TotalConnections int     `json:"total_connections"`
	TotalSent        int     `json:"total_sent"`
	TotalErrors      int     `json:"total_errors"`
	SuccessRate      float64 `json:"success_rate"`
	Queued           int     `json:"queued"`
	Dropped          int     `json:"dropped"`
	Abandoned        int     `json:"abandoned"`
}

type tenantState struct {
	mu       sync.Mutex
	config   *Config
	job      *Job
	limiters map[int]*rate.Limiter
	nextSlot int
	// invited outlives jobs: phones queued by any job, by time queued.
	invited  map[string]time.Time
}

// limiter returns the slot's limiter set to one send per BaseDelay.
func (st *tenantState) limiter(slotIndex int, every time.Duration) *rate.Limiter {
	limit := rate.Inf
	if every > 0 {
		limit = rate.Every(every)
	}

	lim, ok := st.limiters[slotIndex]
	if !ok {
		lim = rate.NewLimiter(limit, 1)
		st.limiters[slotIndex] = lim
		return lim
	}
	if lim.Limit() != limit {
		lim.SetLimit(limit)
	}
	return lim
}

// notInvited drops phones invited within window and records the rest.
func (st *tenantState) notInvited(phones []string, now time.Time, window time.Duration) (fresh, skipped []string) {
	if len(st.invited) >= invitedPruneThreshold {
		for p, at := range st.invited {
			if now.Sub(at) >= window {
				delete(st.invited, p)
			}
		}
	}

	for _, p := range phones {
		if at, ok := st.invited[p]; ok && now.Sub(at) < window {
			skipped = append(skipped, p)
			continue
		}
		st.invited[p] = now
		fresh = append(fresh, p)
	}
	return fresh, skipped
}

// forget lets later jobs invite phones that were never reached.
func (st *tenantState) forget(phones ...string) {
	for _, p := range phones {
		delete(st.invited, p)
	}
}

// Distributor runs one cadence worker per tenant with a non-empty queue.
type Distributor struct {
	slots      SlotSource
	resolver   PeerResolver
	optOuts    filtering.OptOutChecker
	filters    filtering.Config
	logger     *zap.Logger
	metrics    metrics.Recorder
	invitation string
	slotPoll   time.Duration
	reinvite   time.Duration
	defaults   Config
	immediate  Config
	now        func() time.Time

	mu      sync.Mutex
	tenants map[string]*tenantState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Distributor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Invitation == "" {
		opts.Invitation = DefaultInvitation
	}
	if opts.SlotPoll <= 0 {
		opts.SlotPoll = 5 * time.Second
	}
	if opts.ReinviteAfter <= 0 {
		opts.ReinviteAfter = DefaultReinviteAfter
	}

	defaults := DefaultConfig()
	if opts.Defaults != nil {
		defaults = opts.Defaults.withDefaults()
	}
	immediate := ImmediateConfig()
	if opts.Immediate != nil {
		immediate = opts.Immediate.withDefaults()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Distributor{
		slots:      opts.Slots,
		resolver:   opts.Resolver,
		optOuts:    opts.OptOuts,
		filters:    opts.Filters,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		invitation: opts.Invitation,
		slotPoll:   opts.SlotPoll,
		reinvite:   opts.ReinviteAfter,
		defaults:   defaults,
		immediate:  immediate,
		now:        time.Now,
		tenants:    make(map[string]*tenantState),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// ActivateImmediateCadence fans the invitation out to the cohort of the
// candidate who just opted in.
func (d *Distributor) ActivateImmediateCadence(ctx context.Context, triggeringPhone, tenantID string) error {
	log := logger.WithConversation(d.logger, tenantID, triggeringPhone)

	phones := []string{triggeringPhone}
	if d.resolver != nil {
		peers, err := d.resolver.FindPeersInSameList(ctx, triggeringPhone, tenantID)
		if err != nil {
			return fmt.Errorf("resolve peers: %w", err)
		}
		phones = peers
	}

	added, err := d.enqueue(ctx, tenantID, phones, true)
	if err != nil {
		return err
	}

	log.Info("immediate cadence activated", zap.Int("cohort", len(phones)), zap.Int("queued", added))
	return nil
}

// DistributeCandidates queues phones for the tenant's cadence.
func (d *Distributor) DistributeCandidates(ctx context.Context, tenantID string, phones []string) error {
	added, err := d.enqueue(ctx, tenantID, phones, false)
	if err != nil {
		return err
	}

	logger.WithTenant(d.logger, tenantID).Info("candidates distributed",
		zap.Int("requested", len(phones)),
		zap.Int("queued", added),
	)
	return nil
}

// ConfigureCadence sets the tenant's pace. It applies to the running job from
// its next batch on.
func (d *Distributor) ConfigureCadence(tenantID string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	st := d.tenant(tenantID)
	st.mu.Lock()
	st.config = &cfg
	st.mu.Unlock()

	logger.WithTenant(d.logger, tenantID).Info("cadence configured",
		zap.Duration("base_delay", cfg.BaseDelay),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("job_ttl", cfg.JobTTL),
	)
	return nil
}

// Config returns the configuration the tenant's next batch will use.
func (d *Distributor) Config(tenantID string, immediate bool) Config {
	st := d.tenant(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return d.configLocked(st, immediate)
}

// StopCadence cancels the tenant's active job and discards its queue.
// It reports whether a job was running.
func (d *Distributor) StopCadence(tenantID string) bool {
	st := d.tenant(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()

	job := st.job
	if job == nil || !job.Active {
		return false
	}

	job.cancel()
	job.Active = false
	st.forget(job.phones()...)
	job.Queue = nil
	d.metrics.CadenceQueued(tenantID, 0)

	logger.WithTenant(d.logger, tenantID).Info("cadence stopped",
		zap.Int("sent", job.SentCount),
		zap.Int("errors", job.ErrorCount),
	)
	return true
}

// GetStats reports the current or most recent job of the tenant.
func (d *Distributor) GetStats(tenantID string) Stats {
	stats := Stats{}
	if d.slots != nil {
		stats.ActiveSlots = len(ownSlots(tenantID, d.slots.ActiveSlots(tenantID)))
		stats.TotalConnections = len(ownSlots(tenantID, d.slots.Slots(tenantID)))
	}

	st := d.tenant(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if job := st.job; job != nil {
		stats.CadenceActive = job.Active
		stats.TotalSent = job.SentCount
		stats.TotalErrors = job.ErrorCount
		stats.Queued = len(job.Queue)
		stats.Dropped = job.Dropped
		stats.Abandoned = job.Abandoned
		if attempts := job.SentCount + job.ErrorCount; attempts > 0 {
			stats.SuccessRate = float64(job.SentCount) / float64(attempts)
		}
	}
	return stats
}

// Done returns a channel closed when the tenant's current job has finished.
func (d *Distributor) Done(tenantID string) <-chan struct{} {
	st := d.tenant(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.job == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return st.job.done
}

// Close stops every worker and waits for them to exit.
func (d *Distributor) Close() {
	d.cancel()
	d.wg.Wait()
}

func (d *Distributor) tenant(tenantID string) *tenantState {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.tenants[tenantID]
	if !ok {
		st = &tenantState{
			limiters: make(map[int]*rate.Limiter),
			invited:  make(map[string]time.Time),
		}
		d.tenants[tenantID] = st
	}
	return st
}

func (d *Distributor) configLocked(st *tenantState, immediate bool) Config {
	switch {
	case st.config != nil:
		return *st.config
	case immediate:
		return d.immediate
	default:
		return d.defaults
	}
}

func (d *Distributor) filterSteps() []filtering.Filter {
	steps := filtering.DefaultSteps()
	if d.optOuts == nil {
		filtering.DisableByName(steps, "opt_out", "no opt-out store")
	}
	return steps
}

// Filters reports the target filters every job runs through.
func (d *Distributor) Filters() []filtering.Status {
	steps := d.filterSteps()
	for _, step := range steps {
		if !step.IsEnabled() {
			continue
		}
		if err := step.Validate(&d.filters); err != nil {
			d.logger.Debug("filter config rejected", zap.String("name", step.Name()), zap.Error(err))
		}
	}
	return filtering.Describe(steps)
}

// enqueue filters phones and adds them to the tenant's job, starting a worker
// when no job is active.
func (d *Distributor) enqueue(ctx context.Context, tenantID string, phones []string, immediate bool) (int, error) {
	if tenantID == "" {
		return 0, errors.New("tenant is required")
	}
	if d.ctx.Err() != nil {
		return 0, ErrClosed
	}

	log := logger.WithTenant(d.logger, tenantID)
	targets, err := filtering.Run(ctx, &d.filters, filtering.Deps{
		TenantID: tenantID,
		Logger:   log,
		OptOuts:  d.optOuts,
	}, d.filterSteps(), filtering.NewTargets(phones))
	if err != nil {
		return 0, fmt.Errorf("filter targets: %w", err)
	}
	if targets.Len() == 0 {
		return 0, nil
	}

	st := d.tenant(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()

	fresh, skipped := st.notInvited(targets.Phones, d.now(), d.reinvite)
	if len(skipped) > 0 {
		log.Debug("already invited phones skipped", zap.Strings("phones", skipped))
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	job := st.job
	if job == nil || !job.Active {
		jobCtx, cancel := context.WithCancel(d.ctx)
		job = newJob(tenantID, d.now(), cancel)
		st.job = job

		d.wg.Add(1)
		go d.run(jobCtx, st, job, immediate)

		log.Info("cadence job created")
	}

	added := job.add(fresh)
	d.metrics.CadenceQueued(tenantID, len(job.Queue))
	return added, nil
}

// run is the tenant's worker. It owns the job until the queue is empty, the
// job is stopped or its TTL expires.
func (d *Distributor) run(ctx context.Context, st *tenantState, job *Job, immediate bool) {
	defer d.wg.Done()
	defer close(job.done)

	log := logger.WithTenant(d.logger, job.TenantID)

	for {
		if ctx.Err() != nil {
			return
		}

		slots := ownSlots(job.TenantID, d.slots.ActiveSlots(job.TenantID))

		st.mu.Lock()
		cfg := d.configLocked(st, immediate)
		if !job.Active {
			st.mu.Unlock()
			return
		}
		if len(job.Queue) == 0 {
			job.Active = false
			job.cancel()
			st.mu.Unlock()
			log.Info("cadence job finished",
				zap.Int("sent", job.SentCount),
				zap.Int("errors", job.ErrorCount),
				zap.Int("dropped", job.Dropped),
			)
			return
		}
		if d.now().Sub(job.CreatedAt) > cfg.JobTTL {
			d.abandonLocked(log, st, job)
			st.mu.Unlock()
			return
		}
		if len(slots) == 0 {
			queued := len(job.Queue)
			st.mu.Unlock()

			log.Debug("no active slots, cadence waiting", zap.Int("queued", queued))
			if err := utils.WaitFor(ctx, d.slotPoll); err != nil {
				return
			}
			continue
		}
		batch := job.take(cfg.BatchSize)
		d.metrics.CadenceQueued(job.TenantID, len(job.Queue))
		st.mu.Unlock()

		if err := d.sendBatch(ctx, log, st, job, cfg, slots, batch); err != nil {
			return
		}
	}
}

// sendBatch assigns the batch round-robin over the slots and lets every slot
// send its share concurrently, each respecting its own BaseDelay.
func (d *Distributor) sendBatch(ctx context.Context, log *zap.Logger, st *tenantState, job *Job, cfg Config, slots []transport.Slot, batch []target) error {
	st.mu.Lock()
	start := st.nextSlot
	st.nextSlot = (st.nextSlot + len(batch)) % len(slots)
	st.mu.Unlock()

	shares := make([][]target, len(slots))
	for i, t := range batch {
		n := (start + i) % len(slots)
		shares[n] = append(shares[n], t)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, slot := range slots {
		share := shares[i]
		if len(share) == 0 {
			continue
		}
		g.Go(func() error {
			for _, t := range share {
				if err := d.sendOne(gctx, log, st, job, cfg, slot, t); err != nil {
					return err
				}
			}
			return nil
		})
	}

	return g.Wait()
}

func (d *Distributor) sendOne(ctx context.Context, log *zap.Logger, st *tenantState, job *Job, cfg Config, slot transport.Slot, t target) error {
	st.mu.Lock()
	lim := st.limiter(slot.Index(), cfg.BaseDelay)
	st.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		st.mu.Lock()
		st.forget(t.Phone)
		st.mu.Unlock()
		return err
	}

	err := slot.SendText(ctx, t.Phone, d.invitation)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if err == nil {
		job.SentCount++
		d.metrics.CadenceSent(job.TenantID)
		log.Debug("invitation sent", zap.String(logger.FieldPhone, t.Phone), zap.Int(logger.FieldSlot, slot.Index()))
		return nil
	}

	job.ErrorCount++
	d.metrics.CadenceFailed(job.TenantID)
	t.Attempts++

	if t.Attempts > cfg.MaxRetries {
		st.forget(t.Phone)
		job.Dropped++
		d.metrics.CadenceDropped(job.TenantID)
		log.Warn("invitation dropped after retries",
			zap.String(logger.FieldPhone, t.Phone),
			zap.Int(logger.FieldSlot, slot.Index()),
			zap.Int("attempts", t.Attempts),
			zap.Error(err),
		)
		return nil
	}

	if job.Active {
		job.Queue = append(job.Queue, t)
	} else {
		st.forget(t.Phone)
	}
	log.Debug("invitation failed, will retry",
		zap.String(logger.FieldPhone, t.Phone),
		zap.Int(logger.FieldSlot, slot.Index()),
		zap.Int("attempts", t.Attempts),
		zap.Error(err),
	)
	return nil
}

func (d *Distributor) abandonLocked(log *zap.Logger, st *tenantState, job *Job) {
	remaining := job.phones()
	st.forget(remaining...)
	job.Abandoned += len(remaining)
	job.Queue = nil
	job.Active = false
	job.cancel()

	d.metrics.CadenceAbandoned(job.TenantID, len(remaining))
	d.metrics.CadenceQueued(job.TenantID, 0)

	log.Warn("cadence job abandoned after ttl",
		zap.Strings("abandoned_phones", remaining),
		zap.Int("sent", job.SentCount),
		zap.Time("created_at", job.CreatedAt),
	)
}

// ownSlots keeps only slots owned by the tenant.
func ownSlots(tenantID string, slots []transport.Slot) []transport.Slot {
	out := slots[:0:0]
	for _, s := range slots {
		if s.TenantID() == tenantID {
			out = append(out, s)
		}
	}
	return out
}
