package quota

// ============================================================================
// Quota Monitor
// ============================================================================
//
// Lifecycle:
//   1. New()            - build monitor, register built-in strategies
//   2. Register()       - data store adds its own strategies (snapshots, archive)
//   3. Init(ctx)        - first measurement + start the ticker loop
//   4. Stop(ctx)        - stop the loop and wait for it
//
// Triggers:
//   - ticker (Config.Interval)                  → Check: measure, alert, clean
//   - Observe() after every committed write     → measure, alert
//   - EmergencyCleanup() on a quota write error → aggressive cleanup
//
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/ledger-runtime/internal/diagnostics"
	"github.com/ChuLiYu/ledger-runtime/internal/eventbus"
	"github.com/ChuLiYu/ledger-runtime/internal/metrics"
	"github.com/ChuLiYu/ledger-runtime/internal/storage/kv"
)

var log = slog.Default()

const source = "quota-monitor"

// Config tunes the monitor. Zero values take the package defaults.
type Config struct {
	Interval        time.Duration
	DefaultCapacity int64
	CapacityTTL     time.Duration
	AlertEvery      time.Duration
	AlertBurst      int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.DefaultCapacity <= 0 {
		c.DefaultCapacity = DefaultCapacity
	}
	if c.CapacityTTL <= 0 {
		c.CapacityTTL = DefaultCapacityTTL
	}
	if c.AlertEvery <= 0 {
		c.AlertEvery = DefaultAlertEvery
	}
	if c.AlertBurst <= 0 {
		c.AlertBurst = DefaultAlertBurst
	}
	return c
}

// Options carries the monitor's collaborators; all are optional.
type Options struct {
	Bus         *eventbus.Bus
	Diagnostics diagnostics.Sink
	Metrics     *metrics.Collector
	Now         func() time.Time
}

// Monitor measures backend usage and runs cleanup.
type Monitor struct {
	backend kv.Backend
	cfg     Config
	bus     *eventbus.Bus
	diag    diagnostics.Sink
	metrics *metrics.Collector
	now     func() time.Time

	limiter *rate.Limiter

	// inflight is closed when the running cleanup returns; nil when idle.
	cleanupMu sync.Mutex
	inflight  chan struct{}

	mu           sync.Mutex
	strategies   map[Level][]Strategy
	total        int64
	totalAt      time.Time
	last         Info
	lastSeverity Severity
	cleanups     []CleanupRecord
	alerts       []Alert

	loopMu  sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New creates a Monitor over backend.
func New(backend kv.Backend, cfg Config, opts Options) *Monitor {
	cfg = cfg.withDefaults()
	if opts.Diagnostics == nil {
		opts.Diagnostics = diagnostics.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Monitor{
		backend:    backend,
		cfg:        cfg,
		bus:        opts.Bus,
		diag:       opts.Diagnostics,
		metrics:    opts.Metrics,
		now:        opts.Now,
		limiter:    rate.NewLimiter(rate.Every(cfg.AlertEvery), cfg.AlertBurst),
		strategies: make(map[Level][]Strategy),
	}

	clearCache := Strategy{Name: "clear_cache", Order: 20, Run: m.prefixCleaner(CachePrefix)}
	m.Register(LevelGentle, clearCache)
	m.Register(LevelAggressive, clearCache)
	m.Register(LevelAggressive, Strategy{Name: "clear_performance_metrics", Order: 40, Run: m.prefixCleaner(PerfPrefix)})

	return m
}

func (m *Monitor) prefixCleaner(prefix string) func(context.Context) (int64, error) {
	return func(context.Context) (int64, error) {
		return kv.RemovePrefix(m.backend, prefix)
	}
}

// Register adds a strategy to a level.
func (m *Monitor) Register(level Level, s Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.strategies[level], s)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Order < list[j].Order })
	m.strategies[level] = list
}

// Strategies lists the strategy names of a level in run order.
func (m *Monitor) Strategies(level Level) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.strategies[level]))
	for _, s := range m.strategies[level] {
		names = append(names, s.Name)
	}
	return names
}

// ============================================================================
// Measurement
// ============================================================================

// capacity returns the cached total, refreshing it when older than CapacityTTL.
func (m *Monitor) capacity() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.total > 0 && now.Sub(m.totalAt) < m.cfg.CapacityTTL {
		return m.total
	}

	total := m.cfg.DefaultCapacity
	if est, ok := m.backend.(kv.CapacityEstimator); ok {
		n, err := est.EstimateCapacity()
		switch {
		case err != nil:
			log.Warn("capacity estimate failed, using default", "error", err, "default", total)
		case n > 0:
			total = n
		}
	}
	m.total = total
	m.totalAt = now
	return total
}

// Measure computes current usage without side effects beyond metrics.
func (m *Monitor) Measure() (Info, error) {
	used, err := kv.Usage(m.backend)
	if err != nil {
		return Info{}, fmt.Errorf("measure usage: %w", err)
	}
	info := newInfo(used, m.capacity(), m.now())

	m.mu.Lock()
	m.last = info
	m.mu.Unlock()

	m.metrics.UpdateQuota(info.Used, info.Total)
	return info, nil
}

// Last returns the most recent measurement.
func (m *Monitor) Last() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Utilization measures and returns utilization in percent (last known value
// when measuring fails).
func (m *Monitor) Utilization() float64 {
	info, err := m.Measure()
	if err != nil {
		return m.Last().Utilization
	}
	return info.Utilization
}

// Observe measures and raises an alert when a threshold was crossed. It never
// cleans; the data store calls it after every committed write.
func (m *Monitor) Observe() (Info, error) {
	info, err := m.Measure()
	if err != nil {
		return info, err
	}
	m.evaluateAlert(info)
	return info, nil
}

// Check measures, alerts and runs the cleanup level the utilization calls
// for. The returned record is nil when no cleanup was needed or one was
// already running.
func (m *Monitor) Check(ctx context.Context) (Info, *CleanupRecord, error) {
	info, err := m.Observe()
	if err != nil {
		m.diag.LogError("quota", "check", err, diagnostics.SeverityMedium, nil)
		return info, nil, err
	}

	level := LevelFor(info.Utilization)
	if level == LevelNone {
		return info, nil, nil
	}

	rec, err := m.RunCleanup(ctx, level)
	if errors.Is(err, ErrCleanupInProgress) {
		log.Debug("cleanup skipped, another one is running", "level", level)
		return info, nil, nil
	}
	if err != nil {
		return info, nil, err
	}
	return rec.After, &rec, nil
}

// ============================================================================
// Alerts
// ============================================================================

func (m *Monitor) evaluateAlert(info Info) {
	sev := severityFor(info.Utilization)

	m.mu.Lock()
	prev := m.lastSeverity
	m.lastSeverity = sev
	m.mu.Unlock()

	// only upward crossings alert
	if sev.rank() <= prev.rank() {
		return
	}
	if !m.limiter.Allow() {
		log.Debug("quota alert rate limited", "severity", sev, "utilization", info.Utilization)
		return
	}

	alert := Alert{
		ID:               uuid.NewString(),
		Severity:         sev,
		Message:          fmt.Sprintf("storage is %s full: %s", severityWord(sev), info),
		SuggestedActions: suggestedActions(sev),
		Info:             info,
		At:               m.now(),
	}

	m.mu.Lock()
	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > AlertHistorySize {
		m.alerts = m.alerts[len(m.alerts)-AlertHistorySize:]
	}
	m.mu.Unlock()

	log.Warn("Quota alert", "severity", sev, "utilization", info.Utilization)
	m.metrics.RecordAlert(string(sev))
	if m.bus != nil {
		m.bus.Emit(eventbus.QuotaAlert, eventbus.QuotaAlertPayload{
			Severity: string(sev),
			Message:  alert.Message,
		}, source)
	}
}

func severityWord(s Severity) string {
	switch s {
	case SeverityEmergency:
		return "almost completely"
	case SeverityCritical:
		return "critically"
	}
	return "nearly"
}

// Alerts returns the alert history, oldest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}

// ============================================================================
// Cleanup
// ============================================================================

// RunCleanup runs every strategy of level in order. Returns
// ErrCleanupInProgress without doing anything when another cleanup is running.
func (m *Monitor) RunCleanup(ctx context.Context, level Level) (CleanupRecord, error) {
	done, ok := m.acquire()
	if !ok {
		return CleanupRecord{}, ErrCleanupInProgress
	}
	defer m.release(done)

	m.mu.Lock()
	strategies := append([]Strategy(nil), m.strategies[level]...)
	m.mu.Unlock()

	rec := CleanupRecord{
		ID:        uuid.NewString(),
		Level:     level,
		StartedAt: m.now(),
	}
	rec.Before, _ = m.Measure()

	log.Info("Cleanup started", "level", level, "utilization", rec.Before.Utilization, "strategies", len(strategies))

	freed := make(map[string]int64, len(strategies))
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			rec.Strategies = append(rec.Strategies, StrategyResult{Name: s.Name, Error: err.Error()})
			break
		}

		n, err := s.Run(ctx)
		if n < 0 {
			n = 0
		}
		res := StrategyResult{Name: s.Name, Freed: n}
		if err != nil {
			res.Error = err.Error()
			m.diag.LogError("quota", "cleanup:"+s.Name, err, diagnostics.SeverityMedium,
				map[string]any{"level": string(level)})
		}
		rec.Strategies = append(rec.Strategies, res)
		rec.TotalFreed += n
		freed[s.Name] += n

		if m.bus != nil {
			m.bus.Emit(eventbus.StorageCleaned, eventbus.StorageCleanedPayload{
				Strategy:   s.Name,
				SpaceFreed: n,
			}, source)
		}
	}

	rec.After, _ = m.Measure()
	rec.Duration = m.now().Sub(rec.StartedAt)

	m.mu.Lock()
	m.cleanups = append(m.cleanups, rec)
	if len(m.cleanups) > CleanupHistorySize {
		m.cleanups = m.cleanups[len(m.cleanups)-CleanupHistorySize:]
	}
	m.mu.Unlock()

	m.metrics.RecordCleanup(string(level), freed)
	log.Info("Cleanup completed",
		"level", level,
		"freed", rec.TotalFreed,
		"utilization", rec.After.Utilization)

	return rec, nil
}

func (m *Monitor) acquire() (chan struct{}, bool) {
	m.cleanupMu.Lock()
	defer m.cleanupMu.Unlock()
	if m.inflight != nil {
		return nil, false
	}
	m.inflight = make(chan struct{})
	return m.inflight, true
}

func (m *Monitor) release(done chan struct{}) {
	m.cleanupMu.Lock()
	m.inflight = nil
	m.cleanupMu.Unlock()
	close(done)
}

// EmergencyCleanup runs the aggressive level. Used by the data store when a
// write fails on quota. A cleanup already in progress is waited for first,
// so the aggressive level has always completed when this returns nil.
func (m *Monitor) EmergencyCleanup(ctx context.Context) error {
	for {
		m.cleanupMu.Lock()
		busy := m.inflight
		m.cleanupMu.Unlock()

		if busy != nil {
			log.Info("Emergency cleanup waiting for running cleanup")
			select {
			case <-busy:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		_, err := m.RunCleanup(ctx, LevelAggressive)
		if errors.Is(err, ErrCleanupInProgress) {
			// 另一個清理搶先開始,再等一次
			continue
		}
		return err
	}
}

// Cleanups returns the cleanup history, oldest first.
func (m *Monitor) Cleanups() []CleanupRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CleanupRecord(nil), m.cleanups...)
}

// ============================================================================
// Service lifecycle
// ============================================================================

// Init takes the first measurement and starts the monitoring loop.
func (m *Monitor) Init(ctx context.Context) error {
	if _, _, err := m.Check(ctx); err != nil {
		return fmt.Errorf("initial quota check: %w", err)
	}
	m.Start()
	return nil
}

// Start launches the ticker loop. Calling it twice is a no-op.
func (m *Monitor) Start() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go m.loop(m.stopCh)
}

func (m *Monitor) loop(stopCh chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	for {
		select {
		case <-stopCh:
			log.Info("Quota loop stopped")
			return
		case <-ticker.C:
			if _, _, err := m.Check(ctx); err != nil {
				log.Error("Quota check failed", "error", err)
			}
		}
	}
}

// Stop ends the monitoring loop.
func (m *Monitor) Stop(ctx context.Context) error {
	m.loopMu.Lock()
	if !m.started {
		m.loopMu.Unlock()
		return nil
	}
	m.started = false
	close(m.stopCh)
	m.loopMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HealthRating reports storage pressure as a qualitative rating.
func (m *Monitor) HealthRating(context.Context) (string, error) {
	info, err := m.Measure()
	if err != nil {
		return "", err
	}
	switch {
	case info.Utilization < 50:
		return "excellent", nil
	case info.Utilization < WarningThreshold:
		return "good", nil
	case info.Utilization < CriticalThreshold:
		return "warning", nil
	}
	return "critical", nil
}
