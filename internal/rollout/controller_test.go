package rollout_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flagramp/flagramp/internal/analytics"
	"github.com/flagramp/flagramp/internal/distribution"
	"github.com/flagramp/flagramp/internal/rollout"
	"github.com/flagramp/flagramp/internal/store"
)

// memStore is an in-memory rollout.Store for driving the controller
// without SQLite. failSaves makes the next n status writes fail.
type memStore struct {
	mu        sync.Mutex
	rollouts  map[string]*store.Rollout
	failSaves int
}

func newMemStore() *memStore {
	return &memStore{rollouts: make(map[string]*store.Rollout)}
}

func (m *memStore) CreateRollout(ctx context.Context, r *store.Rollout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	cp.Status.History = append([]store.IncrementRecord(nil), r.Status.History...)
	m.rollouts[r.ID] = &cp
	return nil
}

func (m *memStore) SaveRolloutStatus(ctx context.Context, id string, status *store.RolloutStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaves > 0 {
		m.failSaves--
		return errors.New("disk full")
	}
	r, ok := m.rollouts[id]
	if !ok {
		return store.ErrNotFound
	}
	history := r.Status.History
	r.Status = *status
	r.Status.History = history
	return nil
}

func (m *memStore) AppendRolloutHistory(ctx context.Context, id string, rec store.IncrementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rollouts[id]
	if !ok {
		return store.ErrNotFound
	}
	r.Status.History = append(r.Status.History, rec)
	return nil
}

func (m *memStore) GetRollout(ctx context.Context, id string) (*store.Rollout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rollouts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	cp.Status.History = append([]store.IncrementRecord(nil), r.Status.History...)
	return &cp, nil
}

func (m *memStore) ListRollouts(ctx context.Context) ([]*store.Rollout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Rollout
	for _, r := range m.rollouts {
		cp := *r
		cp.Status.History = append([]store.IncrementRecord(nil), r.Status.History...)
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) ListOpenRollouts(ctx context.Context) ([]*store.Rollout, error) {
	all, err := m.ListRollouts(ctx)
	if err != nil {
		return nil, err
	}
	var open []*store.Rollout
	for _, r := range all {
		if !r.Status.State.Terminal() {
			open = append(open, r)
		}
	}
	return open, nil
}

// forceNextDue moves the scheduled increment into the past so a tick
// considers it due.
func (m *memStore) forceNextDue(t *testing.T, id string) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rollouts[id]
	if !ok {
		t.Fatalf("rollout %s not found", id)
	}
	if r.Status.NextIncrement == nil {
		t.Fatalf("rollout %s has no scheduled increment", id)
	}
	r.Status.NextIncrement.At = time.Now().Add(-time.Minute)
}

func (m *memStore) clearNextIncrement(t *testing.T, id string) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rollouts[id]
	if !ok {
		t.Fatalf("rollout %s not found", id)
	}
	r.Status.NextIncrement = nil
}

// stubStats serves fixed per-variant metrics.
type stubStats struct {
	mu      sync.Mutex
	metrics []analytics.ConversionMetrics
	err     error
}

func (s *stubStats) set(m analytics.ConversionMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = []analytics.ConversionMetrics{m}
}

func (s *stubStats) ComputeMetrics(ctx context.Context, flagKey string, from, to time.Time) ([]analytics.ConversionMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]analytics.ConversionMetrics(nil), s.metrics...), nil
}

// recordingNotifier captures alerts and completions.
type recordingNotifier struct {
	mu          sync.Mutex
	alerts      []string
	completions []string
}

func (n *recordingNotifier) Alert(ctx context.Context, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, msg)
}

func (n *recordingNotifier) Completion(ctx context.Context, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completions = append(n.completions, msg)
}

func (n *recordingNotifier) alertCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

func (n *recordingNotifier) completionCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.completions)
}

type fixture struct {
	store    *memStore
	dist     *distribution.Memory
	notify   *recordingNotifier
	stats    *stubStats
	ctrl     *rollout.Controller
	feedback rollout.FeedbackFunc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  newMemStore(),
		dist:   distribution.NewMemory(),
		notify: &recordingNotifier{},
		stats:  &stubStats{},
	}
	f.ctrl = rollout.NewController(f.store, f.dist, f.notify, f.stats, nil, rollout.Options{})
	return f
}

func testConfig() store.RolloutConfig {
	return store.RolloutConfig{
		FlagKey:               "onboarding_v2",
		Variant:               "new_flow",
		InitialPercentage:     5,
		TargetPercentage:      100,
		IncrementPercentage:   10,
		IncrementIntervalH:    24,
		MinSampleSize:         50,
		MaxErrorRate:          0.05,
		MinConversionRate:     0.2,
		MaxErrorRateSpike:     0.2,
		MinConversionRateDrop: 0.1,
		MaxUserComplaints:     10,
	}
}

func healthyMetrics(users int) analytics.ConversionMetrics {
	return analytics.ConversionMetrics{
		FlagKey:        "onboarding_v2",
		Variant:        "new_flow",
		TotalUsers:     users,
		Conversions:    users * 3 / 10,
		ConversionRate: 0.3,
		ErrorRate:      0.01,
	}
}

func TestStart_ConfiguresDistributionAndPersists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.ctrl.Start(ctx, testConfig())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if pct := f.dist.Percentage("onboarding_v2", "new_flow"); pct != 5 {
		t.Errorf("expected distribution at 5%%, got %.1f", pct)
	}

	r, err := f.store.GetRollout(ctx, id)
	if err != nil {
		t.Fatalf("get rollout: %v", err)
	}
	if r.Status.State != store.StateActive {
		t.Errorf("expected active state, got %s", r.Status.State)
	}
	if r.Status.CurrentPercentage != 5 {
		t.Errorf("expected 5%%, got %.1f", r.Status.CurrentPercentage)
	}
	if r.Status.NextIncrement == nil {
		t.Fatal("expected a scheduled next increment")
	}
	if r.Status.NextIncrement.Percentage != 15 {
		t.Errorf("expected next step 15%%, got %.1f", r.Status.NextIncrement.Percentage)
	}
	if len(r.Status.History) != 1 || r.Status.History[0].Reason != "rollout started" {
		t.Errorf("expected a single start history record, got %+v", r.Status.History)
	}
}

func TestStart_RejectsInvalidConfig(t *testing.T) {
	f := newFixture(t)

	cfg := testConfig()
	cfg.InitialPercentage = 50
	cfg.TargetPercentage = 30

	if _, err := f.ctrl.Start(context.Background(), cfg); err == nil {
		t.Fatal("expected validation error when initial exceeds target")
	}
	if pct := f.dist.Percentage("onboarding_v2", "new_flow"); pct != 0 {
		t.Errorf("invalid start must not touch distribution, got %.1f", pct)
	}
}

func TestTick_InsufficientSampleHoldsPercentage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.ctrl.Start(ctx, testConfig())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.store.forceNextDue(t, id)
	f.stats.set(healthyMetrics(40)) // below min sample of 50

	f.ctrl.Tick(ctx)

	r, _ := f.store.GetRollout(ctx, id)
	if r.Status.CurrentPercentage != 5 {
		t.Errorf("expected percentage to hold at 5, got %.1f", r.Status.CurrentPercentage)
	}
	if r.Status.State != store.StateActive {
		t.Errorf("expected rollout to stay active, got %s", r.Status.State)
	}
	if r.Status.CurrentStats == nil || r.Status.CurrentStats.TotalUsers != 40 {
		t.Errorf("expected stats snapshot to be refreshed, got %+v", r.Status.CurrentStats)
	}
}

func TestTick_HealthyMetricsIncrement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.ctrl.Start(ctx, testConfig())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.store.forceNextDue(t, id)
	f.stats.set(healthyMetrics(60))

	f.ctrl.Tick(ctx)

	r, _ := f.store.GetRollout(ctx, id)
	if r.Status.CurrentPercentage != 15 {
		t.Errorf("expected increment 5 -> 15, got %.1f", r.Status.CurrentPercentage)
	}
	if pct := f.dist.Percentage("onboarding_v2", "new_flow"); pct != 15 {
		t.Errorf("expected distribution at 15%%, got %.1f", pct)
	}
	if r.Status.NextIncrement == nil || r.Status.NextIncrement.Percentage != 25 {
		t.Errorf("expected next step 25%%, got %+v", r.Status.NextIncrement)
	}

	last := r.Status.History[len(r.Status.History)-1]
	if last.Reason != "scheduled increment" || last.FromPercentage != 5 || last.ToPercentage != 15 {
		t.Errorf("unexpected increment record: %+v", last)
	}
	if last.Stats == nil || last.Stats.TotalUsers != 60 {
		t.Errorf("expected increment record to carry the stats snapshot, got %+v", last.Stats)
	}
}

func TestTick_NotDueDoesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.ctrl.Start(ctx, testConfig())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.stats.set(healthyMetrics(500))

	f.ctrl.Tick(ctx)

	r, _ := f.store.GetRollout(ctx, id)
	if r.Status.CurrentPercentage != 5 {
		t.Errorf("expected percentage unchanged before schedule, got %.1f", r.Status.CurrentPercentage)
	}
}

func TestTick_ErrorSpikeTriggersRollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.ctrl.Start(ctx, testConfig())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	m := healthyMetrics(200)
	m.ErrorRate = 0.5 // above the 0.2 spike threshold
	f.stats.set(m)

	f.ctrl.Tick(ctx)

	r, _ := f.store.GetRollout(ctx, id)
	if r.Status.State != store.StateRolledBack {
		t.Fatalf("expected rolled_back, got %s", r.Status.State)
	}
	if r.Status.CurrentPercentage != 0 {
		t.Errorf("expected percentage forced to 0, got %.1f", r.Status.CurrentPercentage)
	}
	if pct := f.dist.Percentage("onboarding_v2", "new_flow"); pct != 0 {
		t.Errorf("expected distribution zeroed, got %.1f", pct)
	}
	if f.notify.alertCount() != 1 {
		t.Errorf("expected 1 alert, got %d", f.notify.alertCount())
	}

	last := r.Status.History[len(r.Status.History)-1]
	if last.ToState != store.StateRolledBack || !strings.Contains(last.Reason, "error rate") {
		t.Errorf("unexpected rollback record: %+v", last)
	}
}

func TestTick_ConversionDropTriggersRollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.ctrl.Start(ctx, testConfig())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	m := healthyMetrics(200)
	m.ConversionRate = 0.05 // below the 0.1 floor
	f.stats.set(m)

	f.ctrl.Tick(ctx)

	r, _ := f.store.GetRollout(ctx, id)
	if r.Status.State != store.StateRolledBack {
		t.Fatalf("expected rolled_back, got %s", r.Status.State)
	}
}

func TestTick_NoTrafficDoesNotTripConversionFloor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.ctrl.Start(ctx, testConfig())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// Zero users means zero conversion rate, which must not read as a drop.
	f.stats.set(analytics.ConversionMetrics{FlagKey: "onboarding_v2", Variant: "new_flow"})

	f.ctrl.Tick(ctx)

	r, _ := f.store.GetRollout(ctx, id)
	if r.Status.State != store.StateActive {
		t.Fatalf("expected rollout to stay active with no traffic, got %s", r.Status.State)
	}
}

func TestTick_EmergencyBeatsDueIncrement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.ctrl.Start(ctx, testConfig())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.store.forceNextDue(t, id)
	m := healthyMetrics(500)
	m.ErrorRate = 0.9
	f.stats.set(m)

	f.ctrl.Tick(ctx)

	r, _ := f.store.GetRollout(ctx, id)
	if r.Status.State != store.StateRolledBack {
		t.Fatalf("expected rollback to win over the due increment, got %s", r.Status.State)
	}
	if r.Status.CurrentPercentage != 0 {
		t.Errorf("expected 0%%, got %.1f", r.Status.CurrentPercentage)
	}
}

func TestTick_ComplaintFeedbackTriggersRollback(t *testing.T) {
	f := newFixture(t)
	f.ctrl = rollout.NewController(f.store, f.dist, f.notify, f.stats,
		func(ctx context.Context, flagKey, variant string) (float64, int, error) {
			return 4.5, 25, nil // complaints above the limit of 10
		}, rollout.Options{})
	ctx := context.Background()

	id, err := f.ctrl.Start(ctx, testConfig())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.stats.set(healthyMetrics(200))

	f.ctrl.Tick(ctx)

	r, _ := f.store.GetRollout(ctx, id)
	if r.Status.State != store.StateRolledBack {
		t.Fatalf("expected rolled_back on complaint volume, got %s", r.Status.State)
	}
}

func TestTick_StatsErrorLeavesRolloutUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.ctrl.Start(ctx, testConfig())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.store.forceNextDue(t, id)
	f.stats.err = errors.New("query timeout")

	f.ctrl.Tick(ctx)

	r, _ := f.store.GetRollout(ctx, id)
	if r.Status.State != store.StateActive || r.Status.CurrentPercentage != 5 {
		t.Errorf("expected rollout untouched on stats failure, got %s at %.1f",
			r.Status.State, r.Status.CurrentPercentage)
	}
}

func TestTick_CompletionAtTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg := testConfig()
	cfg.InitialPercentage = 85
	id, err := f.ctrl.Start(ctx, cfg)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.store.forceNextDue(t, id)
	f.stats.set(healthyMetrics(500))

	// 85 -> 95.
	f.ctrl.Tick(ctx)
	f.store.forceNextDue(t, id)
	// 95 -> 100, capped at target, then completed.
	f.ctrl.Tick(ctx)

	r, _ := f.store.GetRollout(ctx, id)
	if r.Status.State != store.StateCompleted {
		t.Fatalf("expected completed, got %s", r.Status.State)
	}
	if r.Status.CurrentPercentage != 100 {
		t.Errorf("expected 100%%, got %.1f", r.Status.CurrentPercentage)
	}
	if r.Status.NextIncrement != nil {
		t.Error("completed rollout must have no scheduled increment")
	}
	if f.notify.completionCount() != 1 {
		t.Errorf("expected 1 completion notification, got %d", f.notify.completionCount())
	}
}

func TestTick_PercentageNeverExceedsTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg := testConfig()
	cfg.TargetPercentage = 30
	cfg.InitialPercentage = 25
	id, err := f.ctrl.Start(ctx, cfg)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.store.forceNextDue(t, id)
	f.stats.set(healthyMetrics(500))

	f.ctrl.Tick(ctx)

	r, _ := f.store.GetRollout(ctx, id)
	if r.Status.CurrentPercentage != 30 {
		t.Errorf("expected increment capped at target 30, got %.1f", r.Status.CurrentPercentage)
	}
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.ctrl.Start(ctx, testConfig())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := f.ctrl.Pause(ctx, id, "investigating latency"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	r, _ := f.store.GetRollout(ctx, id)
	if r.Status.State != store.StatePaused {
		t.Fatalf("expected paused, got %s", r.Status.State)
	}
	if r.Status.NextIncrement != nil {
		t.Error("paused rollout must have no scheduled increment")
	}

	// Paused rollouts never increment, even with healthy metrics.
	f.stats.set(healthyMetrics(500))
	f.ctrl.Tick(ctx)
	r, _ = f.store.GetRollout(ctx, id)
	if r.Status.CurrentPercentage != 5 {
		t.Errorf("paused rollout must hold its percentage, got %.1f", r.Status.CurrentPercentage)
	}
	if r.Status.CurrentStats == nil || r.Status.CurrentStats.TotalUsers != 500 {
		t.Errorf("paused tick should still refresh the stats snapshot, got %+v", r.Status.CurrentStats)
	}

	if err := f.ctrl.Resume(ctx, id, "latency resolved"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	r, _ = f.store.GetRollout(ctx, id)
	if r.Status.State != store.StateActive {
		t.Fatalf("expected active after resume, got %s", r.Status.State)
	}
	if r.Status.NextIncrement == nil {
		t.Fatal("resume must reschedule the next increment")
	}
}

func TestPause_RequiresActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.ctrl.Start(ctx, testConfig())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.ctrl.Pause(ctx, id, "first"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := f.ctrl.Pause(ctx, id, "second"); err == nil {
		t.Fatal("expected error pausing a paused rollout")
	}
	if err := f.ctrl.Resume(ctx, id, "ok"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := f.ctrl.Resume(ctx, id, "again"); err == nil {
		t.Fatal("expected error resuming an active rollout")
	}
}

func TestRollback_Manual(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.ctrl.Start(ctx, testConfig())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := f.ctrl.Rollback(ctx, id, "support escalation"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	r, _ := f.store.GetRollout(ctx, id)
	if r.Status.State != store.StateRolledBack || r.Status.CurrentPercentage != 0 {
		t.Fatalf("expected rolled_back at 0%%, got %s at %.1f", r.Status.State, r.Status.CurrentPercentage)
	}
	if pct := f.dist.Percentage("onboarding_v2", "new_flow"); pct != 0 {
		t.Errorf("expected distribution zeroed, got %.1f", pct)
	}
}

func TestTerminalStatesHaveNoOutgoingTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.ctrl.Start(ctx, testConfig())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.ctrl.Rollback(ctx, id, "done"); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if err := f.ctrl.Pause(ctx, id, "x"); err == nil {
		t.Error("expected error pausing a terminal rollout")
	}
	if err := f.ctrl.Resume(ctx, id, "x"); err == nil {
		t.Error("expected error resuming a terminal rollout")
	}
	if err := f.ctrl.Rollback(ctx, id, "x"); err == nil {
		t.Error("expected error rolling back a terminal rollout")
	}

	// Ticks skip terminal rollouts entirely.
	f.stats.set(healthyMetrics(500))
	f.ctrl.Tick(ctx)
	r, _ := f.store.GetRollout(ctx, id)
	if r.Status.State != store.StateRolledBack {
		t.Errorf("terminal state must not change, got %s", r.Status.State)
	}
}

func TestTick_RederivesLostSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.ctrl.Start(ctx, testConfig())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// Simulate a crash that lost the scheduled increment.
	f.store.clearNextIncrement(t, id)
	f.stats.set(healthyMetrics(500))

	f.ctrl.Tick(ctx)

	r, _ := f.store.GetRollout(ctx, id)
	if r.Status.NextIncrement == nil {
		t.Fatal("expected the schedule to be re-derived")
	}
	if r.Status.NextIncrement.Percentage != 15 {
		t.Errorf("expected re-derived step 15%%, got %.1f", r.Status.NextIncrement.Percentage)
	}
	// The rollout did not skip ahead; the fresh schedule is in the future.
	if r.Status.CurrentPercentage != 5 {
		t.Errorf("expected percentage unchanged, got %.1f", r.Status.CurrentPercentage)
	}
}

func TestTick_RepeatedPersistFailuresMarkFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.ctrl.Start(ctx, testConfig())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.stats.set(healthyMetrics(60))

	// Three consecutive failed status writes, then the store recovers so
	// the failed transition itself can persist.
	f.store.mu.Lock()
	f.store.failSaves = 3
	f.store.mu.Unlock()

	f.ctrl.Tick(ctx)
	f.ctrl.Tick(ctx)
	f.ctrl.Tick(ctx)

	r, _ := f.store.GetRollout(ctx, id)
	if r.Status.State != store.StateFailed {
		t.Fatalf("expected failed after repeated persist failures, got %s", r.Status.State)
	}
	if f.notify.alertCount() != 1 {
		t.Errorf("expected 1 alert, got %d", f.notify.alertCount())
	}
	last := r.Status.History[len(r.Status.History)-1]
	if last.ToState != store.StateFailed {
		t.Errorf("expected a failed transition record, got %+v", last)
	}
}

func TestTick_SuccessResetsPersistFailureCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.ctrl.Start(ctx, testConfig())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.stats.set(healthyMetrics(60))

	// Two failures, a success, then two more failures: never three in a
	// row, so the rollout must stay active.
	f.store.mu.Lock()
	f.store.failSaves = 2
	f.store.mu.Unlock()
	f.ctrl.Tick(ctx)
	f.ctrl.Tick(ctx)
	f.ctrl.Tick(ctx) // succeeds, resets the counter

	f.store.mu.Lock()
	f.store.failSaves = 2
	f.store.mu.Unlock()
	f.ctrl.Tick(ctx)
	f.ctrl.Tick(ctx)

	r, _ := f.store.GetRollout(ctx, id)
	if r.Status.State == store.StateFailed {
		t.Fatal("non-consecutive persist failures must not mark the rollout failed")
	}
}

func TestHistoryIsAppendOnlyAndOrdered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.ctrl.Start(ctx, testConfig())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.stats.set(healthyMetrics(60))

	f.store.forceNextDue(t, id)
	f.ctrl.Tick(ctx)
	if err := f.ctrl.Pause(ctx, id, "pause"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := f.ctrl.Resume(ctx, id, "resume"); err != nil {
		t.Fatalf("resume: %v", err)
	}

	r, _ := f.store.GetRollout(ctx, id)
	if len(r.Status.History) != 4 {
		t.Fatalf("expected 4 history records, got %d", len(r.Status.History))
	}
	for i := 1; i < len(r.Status.History); i++ {
		if r.Status.History[i].At.Before(r.Status.History[i-1].At) {
			t.Errorf("history out of order at %d", i)
		}
	}
}

func TestEventFeedback_DerivesScoreAndComplaints(t *testing.T) {
	src := &staticEvents{events: []store.Event{
		{Type: store.EventEngagement, UserID: "u1", Variant: "new_flow",
			Context: store.EventContext{Custom: map[string]any{"score": 4.0}}},
		{Type: store.EventEngagement, UserID: "u2", Variant: "new_flow",
			Context: store.EventContext{Custom: map[string]any{"score": 2.0}}},
		{Type: store.EventError, UserID: "u3", Variant: "new_flow",
			Context: store.EventContext{Custom: map[string]any{"complaint": true}}},
		// Different variant, must be ignored.
		{Type: store.EventEngagement, UserID: "u4", Variant: "control",
			Context: store.EventContext{Custom: map[string]any{"score": 1.0}}},
	}}

	score, complaints, err := rollout.EventFeedback(src)(context.Background(), "onboarding_v2", "new_flow")
	if err != nil {
		t.Fatalf("feedback: %v", err)
	}
	if score != 3.0 {
		t.Errorf("expected score 3.0, got %.1f", score)
	}
	if complaints != 1 {
		t.Errorf("expected 1 complaint, got %d", complaints)
	}
}

func TestEventFeedback_NeutralWithoutSignal(t *testing.T) {
	score, complaints, err := rollout.EventFeedback(&staticEvents{})(context.Background(), "onboarding_v2", "new_flow")
	if err != nil {
		t.Fatalf("feedback: %v", err)
	}
	if score != 5.0 || complaints != 0 {
		t.Errorf("expected neutral 5.0/0, got %.1f/%d", score, complaints)
	}
}

type staticEvents struct {
	events []store.Event
}

func (s *staticEvents) QueryEvents(ctx context.Context, flagKey string, from, to time.Time) ([]store.Event, error) {
	return s.events, nil
}
