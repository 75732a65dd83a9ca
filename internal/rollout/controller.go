// Package rollout owns the per-rollout state machine: scheduled widening of
// a variant's exposure, emergency-stop detection, and the audit trail of
// every transition.
package rollout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flagramp/flagramp/internal/analytics"
	"github.com/flagramp/flagramp/internal/logging"
	"github.com/flagramp/flagramp/internal/store"
	"github.com/flagramp/flagramp/internal/telemetry"
)

// Store is the persistence surface the controller needs. Satisfied by
// store.SQLiteStore.
type Store interface {
	CreateRollout(ctx context.Context, r *store.Rollout) error
	SaveRolloutStatus(ctx context.Context, id string, status *store.RolloutStatus) error
	AppendRolloutHistory(ctx context.Context, id string, rec store.IncrementRecord) error
	GetRollout(ctx context.Context, id string) (*store.Rollout, error)
	ListRollouts(ctx context.Context) ([]*store.Rollout, error)
	ListOpenRollouts(ctx context.Context) ([]*store.Rollout, error)
}

// Distributor configures the external flag-serving system. This core never
// assigns users to variants itself.
type Distributor interface {
	SetVariantPercentage(ctx context.Context, flagKey, variant string, percentage float64) error
}

// Notifier delivers operator-facing messages. Fire-and-forget; delivery
// failure must not block the controller.
type Notifier interface {
	Alert(ctx context.Context, msg string)
	Completion(ctx context.Context, msg string)
}

// StatsSource computes per-variant conversion metrics over a window.
type StatsSource interface {
	ComputeMetrics(ctx context.Context, flagKey string, from, to time.Time) ([]analytics.ConversionMetrics, error)
}

// FeedbackFunc supplies the external user-feedback signal for a variant:
// a score out of 5 and a complaint count.
type FeedbackFunc func(ctx context.Context, flagKey, variant string) (score float64, complaints int, err error)

const (
	DefaultTickInterval = time.Hour
	DefaultStatsWindow  = 24 * time.Hour
	DefaultWorkers      = 4

	// Emergency feedback floor, out of 5.
	minFeedbackScore = 2.0

	// Consecutive status-write failures before a rollout is marked failed.
	maxPersistFailures = 3
)

// Options tunes the controller. Zero values fall back to the defaults.
type Options struct {
	TickInterval time.Duration
	StatsWindow  time.Duration
	Workers      int
}

// Controller drives every rollout through its lifecycle on a periodic
// tick. Two different rollouts never share mutable state; a per-rollout
// lock serializes concurrent ticks against operator calls.
type Controller struct {
	store    Store
	dist     Distributor
	notify   Notifier
	stats    StatsSource
	feedback FeedbackFunc

	interval time.Duration
	window   time.Duration
	workers  int

	mu    sync.Mutex
	locks map[string]*rolloutLock

	stop chan struct{}
	done chan struct{}
}

type rolloutLock struct {
	sync.Mutex
	persistFailures int
}

func NewController(st Store, dist Distributor, notify Notifier, stats StatsSource, feedback FeedbackFunc, opts Options) *Controller {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.StatsWindow <= 0 {
		opts.StatsWindow = DefaultStatsWindow
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if feedback == nil {
		feedback = NeutralFeedback
	}
	return &Controller{
		store:    st,
		dist:     dist,
		notify:   notify,
		stats:    stats,
		feedback: feedback,
		interval: opts.TickInterval,
		window:   opts.StatsWindow,
		workers:  opts.Workers,
		locks:    make(map[string]*rolloutLock),
	}
}

// NeutralFeedback is the default feedback source when no external signal
// is wired: full score, zero complaints.
func NeutralFeedback(ctx context.Context, flagKey, variant string) (float64, int, error) {
	return 5.0, 0, nil
}

// EventFeedback derives a feedback signal from engagement events carrying
// a custom "score" value and events flagged with a custom "complaint"
// marker within the last 24 hours. Returns neutral when no signal exists.
func EventFeedback(src analytics.EventSource) FeedbackFunc {
	return func(ctx context.Context, flagKey, variant string) (float64, int, error) {
		now := time.Now()
		events, err := src.QueryEvents(ctx, flagKey, now.Add(-24*time.Hour), now)
		if err != nil {
			return 0, 0, err
		}

		var scoreSum float64
		var scoreN, complaints int
		for _, ev := range events {
			if ev.Variant != variant {
				continue
			}
			if v, ok := ev.Context.Custom["score"].(float64); ok && ev.Type == store.EventEngagement {
				scoreSum += v
				scoreN++
			}
			if v, ok := ev.Context.Custom["complaint"].(bool); ok && v {
				complaints++
			}
		}

		if scoreN == 0 {
			return 5.0, complaints, nil
		}
		return scoreSum / float64(scoreN), complaints, nil
	}
}

// Run starts the evaluation loop. Call Close to stop it.
func (c *Controller) Run() {
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.loop()
}

// Close stops the evaluation loop and waits for the in-flight tick.
func (c *Controller) Close() {
	if c.stop == nil {
		return
	}
	close(c.stop)
	<-c.done
}

func (c *Controller) loop() {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// First pass right away so restarts re-derive pending decisions from
	// persisted state instead of waiting a full interval.
	c.Tick(context.Background())

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Tick(context.Background())
		}
	}
}

// Tick evaluates every non-terminal rollout once: refresh stats, check
// emergency-stop first, then increment eligibility, then completion.
// Rollouts are processed by a bounded worker pool.
func (c *Controller) Tick(ctx context.Context) {
	rollouts, err := c.store.ListOpenRollouts(ctx)
	if err != nil {
		logging.Errorf("rollout tick: list open rollouts: %v", err)
		return
	}

	sem := make(chan struct{}, c.workers)
	var wg sync.WaitGroup
	for _, r := range rollouts {
		r := r
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			c.evaluate(ctx, r)
		}()
	}
	wg.Wait()
}

// Start validates the config, configures the distributor with the initial
// percentage, and persists the new rollout in the active state.
func (c *Controller) Start(ctx context.Context, cfg store.RolloutConfig) (string, error) {
	if err := ValidateConfig(cfg); err != nil {
		return "", err
	}

	id := uuid.NewString()
	now := time.Now()

	r := &store.Rollout{
		ID:     id,
		Config: cfg,
		Status: store.RolloutStatus{
			State:             store.StateActive,
			CurrentPercentage: cfg.InitialPercentage,
			NextIncrement: &store.NextIncrement{
				At:         now.Add(cfg.IncrementInterval()),
				Percentage: nextPercentage(cfg.InitialPercentage, cfg),
			},
			History: []store.IncrementRecord{{
				At:             now,
				FromPercentage: 0,
				ToPercentage:   cfg.InitialPercentage,
				FromState:      store.StateActive,
				ToState:        store.StateActive,
				Reason:         "rollout started",
			}},
		},
	}

	if err := c.dist.SetVariantPercentage(ctx, cfg.FlagKey, cfg.Variant, cfg.InitialPercentage); err != nil {
		return "", fmt.Errorf("failed to configure distribution: %w", err)
	}

	if err := c.store.CreateRollout(ctx, r); err != nil {
		// Undo the exposure we just granted; the rollout does not exist.
		if derr := c.dist.SetVariantPercentage(ctx, cfg.FlagKey, cfg.Variant, 0); derr != nil {
			logging.Errorf("rollout start: revert distribution for %s/%s: %v", cfg.FlagKey, cfg.Variant, derr)
		}
		return "", fmt.Errorf("failed to persist rollout: %w", err)
	}

	telemetry.RolloutTransitions.WithLabelValues(string(store.StateActive)).Inc()
	logging.Infof("rollout %s started: %s/%s at %.1f%%", id, cfg.FlagKey, cfg.Variant, cfg.InitialPercentage)
	return id, nil
}

// Pause freezes scheduling for an active rollout. The current percentage
// is not changed.
func (c *Controller) Pause(ctx context.Context, id, reason string) error {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	r, err := c.store.GetRollout(ctx, id)
	if err != nil {
		return err
	}
	if r.Status.State != store.StateActive {
		return fmt.Errorf("rollout is not active (current state: %s)", r.Status.State)
	}

	rec := store.IncrementRecord{
		At:             time.Now(),
		FromPercentage: r.Status.CurrentPercentage,
		ToPercentage:   r.Status.CurrentPercentage,
		FromState:      store.StateActive,
		ToState:        store.StatePaused,
		Reason:         reason,
		Stats:          r.Status.CurrentStats,
	}
	r.Status.State = store.StatePaused
	r.Status.NextIncrement = nil

	if err := c.persist(ctx, id, &r.Status, rec); err != nil {
		return err
	}
	telemetry.RolloutTransitions.WithLabelValues(string(store.StatePaused)).Inc()
	return nil
}

// Resume reactivates a paused rollout and recomputes the next scheduled
// increment from the current percentage.
func (c *Controller) Resume(ctx context.Context, id, reason string) error {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	r, err := c.store.GetRollout(ctx, id)
	if err != nil {
		return err
	}
	if r.Status.State != store.StatePaused {
		return fmt.Errorf("rollout is not paused (current state: %s)", r.Status.State)
	}

	now := time.Now()
	rec := store.IncrementRecord{
		At:             now,
		FromPercentage: r.Status.CurrentPercentage,
		ToPercentage:   r.Status.CurrentPercentage,
		FromState:      store.StatePaused,
		ToState:        store.StateActive,
		Reason:         reason,
		Stats:          r.Status.CurrentStats,
	}
	r.Status.State = store.StateActive
	r.Status.NextIncrement = &store.NextIncrement{
		At:         now.Add(r.Config.IncrementInterval()),
		Percentage: nextPercentage(r.Status.CurrentPercentage, r.Config),
	}

	if err := c.persist(ctx, id, &r.Status, rec); err != nil {
		return err
	}
	telemetry.RolloutTransitions.WithLabelValues(string(store.StateActive)).Inc()
	return nil
}

// Rollback withdraws the variant entirely. It is the designated safety
// escape hatch: the distribution write comes first, and degraded
// persistence never blocks it.
func (c *Controller) Rollback(ctx context.Context, id, reason string) error {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	r, err := c.store.GetRollout(ctx, id)
	if err != nil {
		return err
	}
	if r.Status.State.Terminal() {
		return fmt.Errorf("rollout already finished (state: %s)", r.Status.State)
	}

	c.rollbackLocked(ctx, r, reason)
	return nil
}

// rollbackLocked performs the rolled_back transition. Caller holds the
// per-rollout lock and has verified the state is not terminal.
func (c *Controller) rollbackLocked(ctx context.Context, r *store.Rollout, reason string) {
	if err := c.dist.SetVariantPercentage(ctx, r.Config.FlagKey, r.Config.Variant, 0); err != nil {
		// Keep going: the state transition and alert must still happen.
		logging.Errorf("rollout %s: zero distribution: %v", r.ID, err)
	}

	rec := store.IncrementRecord{
		At:             time.Now(),
		FromPercentage: r.Status.CurrentPercentage,
		ToPercentage:   0,
		FromState:      r.Status.State,
		ToState:        store.StateRolledBack,
		Reason:         reason,
		Stats:          r.Status.CurrentStats,
	}
	r.Status.State = store.StateRolledBack
	r.Status.CurrentPercentage = 0
	r.Status.NextIncrement = nil

	if err := c.persist(ctx, r.ID, &r.Status, rec); err != nil {
		// Rollback still succeeded from the traffic point of view.
		logging.Errorf("rollout %s: persist rollback: %v", r.ID, err)
	}

	telemetry.RolloutTransitions.WithLabelValues(string(store.StateRolledBack)).Inc()
	c.notify.Alert(ctx, fmt.Sprintf("rollout %s (%s/%s) rolled back: %s",
		r.ID, r.Config.FlagKey, r.Config.Variant, reason))
	logging.Infof("rollout %s rolled back: %s", r.ID, reason)
}

// Get returns the rollout with its full audit history.
func (c *Controller) Get(ctx context.Context, id string) (*store.Rollout, error) {
	return c.store.GetRollout(ctx, id)
}

// List returns all rollouts, newest first.
func (c *Controller) List(ctx context.Context) ([]*store.Rollout, error) {
	return c.store.ListRollouts(ctx)
}

// evaluate runs one scheduled check for a single rollout.
func (c *Controller) evaluate(ctx context.Context, r *store.Rollout) {
	lock := c.lockFor(r.ID)
	lock.Lock()
	defer lock.Unlock()

	// The listing may be stale by the time the worker runs.
	fresh, err := c.store.GetRollout(ctx, r.ID)
	if err != nil {
		logging.Errorf("rollout %s: reload: %v", r.ID, err)
		return
	}
	r = fresh
	if r.Status.State.Terminal() {
		return
	}

	stats, err := c.refreshStats(ctx, r)
	if err != nil {
		// Transient: leave state unpersisted until the next tick.
		logging.Errorf("rollout %s: refresh stats: %v", r.ID, err)
		return
	}
	r.Status.CurrentStats = stats

	if r.Status.State == store.StatePaused {
		// Scheduling is frozen; just keep the snapshot current.
		c.persistStatus(ctx, lock, r)
		return
	}

	// Emergency stop takes priority over increments within the same tick.
	if reason, stopped := emergencyReason(r.Config, stats); stopped {
		c.rollbackLocked(ctx, r, reason)
		return
	}

	// A crash between deciding an increment and persisting it leaves no
	// schedule behind; re-derive it from the persisted percentage.
	if r.Status.NextIncrement == nil && r.Status.CurrentPercentage < r.Config.TargetPercentage {
		r.Status.NextIncrement = &store.NextIncrement{
			At:         time.Now().Add(r.Config.IncrementInterval()),
			Percentage: nextPercentage(r.Status.CurrentPercentage, r.Config),
		}
	}

	var records []store.IncrementRecord

	if c.incrementDue(r, stats) {
		newPct := nextPercentage(r.Status.CurrentPercentage, r.Config)
		if err := c.dist.SetVariantPercentage(ctx, r.Config.FlagKey, r.Config.Variant, newPct); err != nil {
			// Percentage unchanged; retried next tick.
			logging.Errorf("rollout %s: update distribution: %v", r.ID, err)
			c.persistStatus(ctx, lock, r)
			return
		}

		now := time.Now()
		records = append(records, store.IncrementRecord{
			At:             now,
			FromPercentage: r.Status.CurrentPercentage,
			ToPercentage:   newPct,
			FromState:      store.StateActive,
			ToState:        store.StateActive,
			Reason:         "scheduled increment",
			Stats:          stats,
		})
		r.Status.CurrentPercentage = newPct
		r.Status.NextIncrement = &store.NextIncrement{
			At:         now.Add(r.Config.IncrementInterval()),
			Percentage: nextPercentage(newPct, r.Config),
		}
		telemetry.RolloutIncrements.Inc()
		logging.Infof("rollout %s incremented to %.1f%%", r.ID, newPct)
	}

	if r.Status.CurrentPercentage >= r.Config.TargetPercentage {
		records = append(records, store.IncrementRecord{
			At:             time.Now(),
			FromPercentage: r.Status.CurrentPercentage,
			ToPercentage:   r.Status.CurrentPercentage,
			FromState:      store.StateActive,
			ToState:        store.StateCompleted,
			Reason:         "target percentage reached",
			Stats:          stats,
		})
		r.Status.State = store.StateCompleted
		r.Status.NextIncrement = nil
		telemetry.RolloutTransitions.WithLabelValues(string(store.StateCompleted)).Inc()
		c.notify.Completion(ctx, fmt.Sprintf("rollout %s (%s/%s) completed at %.1f%%",
			r.ID, r.Config.FlagKey, r.Config.Variant, r.Status.CurrentPercentage))
		logging.Infof("rollout %s completed", r.ID)
	}

	if err := c.persist(ctx, r.ID, &r.Status, records...); err != nil {
		c.countPersistFailure(ctx, lock, r, err)
		return
	}
	lock.persistFailures = 0
}

// refreshStats computes the trailing-window snapshot for the rollout's
// target variant.
func (c *Controller) refreshStats(ctx context.Context, r *store.Rollout) (*store.RolloutStats, error) {
	now := time.Now()
	from := now.Add(-c.window)

	metrics, err := c.stats.ComputeMetrics(ctx, r.Config.FlagKey, from, now)
	if err != nil {
		return nil, err
	}

	stats := &store.RolloutStats{WindowStart: from, WindowEnd: now}
	for _, m := range metrics {
		if m.Variant == r.Config.Variant {
			stats.TotalUsers = m.TotalUsers
			stats.Conversions = m.Conversions
			stats.ConversionRate = m.ConversionRate
			stats.ErrorRate = m.ErrorRate
			break
		}
	}

	score, complaints, err := c.feedback(ctx, r.Config.FlagKey, r.Config.Variant)
	if err != nil {
		return nil, fmt.Errorf("feedback signal: %w", err)
	}
	stats.FeedbackScore = score
	stats.Complaints = complaints

	return stats, nil
}

// incrementDue reports whether all increment gates hold.
func (c *Controller) incrementDue(r *store.Rollout, stats *store.RolloutStats) bool {
	next := r.Status.NextIncrement
	if next == nil || time.Now().Before(next.At) {
		return false
	}
	if stats.TotalUsers < r.Config.MinSampleSize {
		return false
	}
	if stats.ErrorRate > r.Config.MaxErrorRate {
		return false
	}
	if stats.ConversionRate < r.Config.MinConversionRate {
		return false
	}
	return true
}

// emergencyReason reports whether a quality regression demands immediate
// rollback, and why.
func emergencyReason(cfg store.RolloutConfig, stats *store.RolloutStats) (string, bool) {
	if stats.ErrorRate > cfg.MaxErrorRateSpike {
		return fmt.Sprintf("error rate %.3f exceeds spike threshold %.3f", stats.ErrorRate, cfg.MaxErrorRateSpike), true
	}
	if stats.TotalUsers > 0 && stats.ConversionRate < cfg.MinConversionRateDrop {
		return fmt.Sprintf("conversion rate %.3f below floor %.3f", stats.ConversionRate, cfg.MinConversionRateDrop), true
	}
	if stats.FeedbackScore < minFeedbackScore {
		return fmt.Sprintf("user feedback score %.1f below %.1f", stats.FeedbackScore, minFeedbackScore), true
	}
	if cfg.MaxUserComplaints > 0 && stats.Complaints > cfg.MaxUserComplaints {
		return fmt.Sprintf("%d user complaints exceed limit %d", stats.Complaints, cfg.MaxUserComplaints), true
	}
	return "", false
}

// persist writes the status and appends the given audit records.
func (c *Controller) persist(ctx context.Context, id string, status *store.RolloutStatus, records ...store.IncrementRecord) error {
	if err := c.store.SaveRolloutStatus(ctx, id, status); err != nil {
		return fmt.Errorf("failed to save rollout status: %w", err)
	}
	for _, rec := range records {
		status.History = append(status.History, rec)
		if err := c.store.AppendRolloutHistory(ctx, id, rec); err != nil {
			return fmt.Errorf("failed to append rollout history: %w", err)
		}
	}
	return nil
}

// persistStatus saves the status without new audit records, counting
// consecutive failures.
func (c *Controller) persistStatus(ctx context.Context, lock *rolloutLock, r *store.Rollout) {
	if err := c.store.SaveRolloutStatus(ctx, r.ID, &r.Status); err != nil {
		c.countPersistFailure(ctx, lock, r, err)
		return
	}
	lock.persistFailures = 0
}

// countPersistFailure tracks repeated status-write failures and, past the
// limit, surfaces the rollout to operators as failed rather than retrying
// forever.
func (c *Controller) countPersistFailure(ctx context.Context, lock *rolloutLock, r *store.Rollout, err error) {
	lock.persistFailures++
	logging.Errorf("rollout %s: persist status (%d/%d): %v", r.ID, lock.persistFailures, maxPersistFailures, err)
	if lock.persistFailures < maxPersistFailures {
		return
	}

	prev := r.Status.State
	r.Status.State = store.StateFailed
	r.Status.NextIncrement = nil
	rec := store.IncrementRecord{
		At:             time.Now(),
		FromPercentage: r.Status.CurrentPercentage,
		ToPercentage:   r.Status.CurrentPercentage,
		FromState:      prev,
		ToState:        store.StateFailed,
		Reason:         fmt.Sprintf("persistence failed %d times: %v", lock.persistFailures, err),
	}
	if perr := c.persist(ctx, r.ID, &r.Status, rec); perr != nil {
		logging.Errorf("rollout %s: persist failed state: %v", r.ID, perr)
	}
	telemetry.RolloutTransitions.WithLabelValues(string(store.StateFailed)).Inc()
	c.notify.Alert(ctx, fmt.Sprintf("rollout %s (%s/%s) marked failed: status writes keep failing",
		r.ID, r.Config.FlagKey, r.Config.Variant))
}

func (c *Controller) lockFor(id string) *rolloutLock {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &rolloutLock{}
		c.locks[id] = l
	}
	return l
}

func nextPercentage(current float64, cfg store.RolloutConfig) float64 {
	next := current + cfg.IncrementPercentage
	if next > cfg.TargetPercentage {
		next = cfg.TargetPercentage
	}
	return next
}
