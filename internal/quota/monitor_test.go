package quota

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/ledger-runtime/internal/diagnostics"
	"github.com/ChuLiYu/ledger-runtime/internal/eventbus"
	"github.com/ChuLiYu/ledger-runtime/internal/storage/kv"
)

// fill writes a single "data" entry so usage is exactly pct percent of capacity.
func fill(t *testing.T, b *kv.MemoryBackend, capacity int64, pct int) {
	t.Helper()
	want := capacity * int64(pct) / 100
	require.NoError(t, b.Set("data", strings.Repeat("x", int(want)-len("data"))))
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLevelFor(t *testing.T) {
	tests := []struct {
		util float64
		want Level
	}{
		{0, LevelNone},
		{79.9, LevelNone},
		{80, LevelGentle},
		{94.9, LevelGentle},
		{95, LevelModerate},
		{97.9, LevelModerate},
		{98, LevelAggressive},
		{120, LevelAggressive},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelFor(tt.util), "utilization %.1f", tt.util)
	}
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("moderate")
	require.NoError(t, err)
	assert.Equal(t, LevelModerate, l)

	_, err = ParseLevel("nuclear")
	assert.ErrorIs(t, err, ErrUnknownLevel)
}

func TestEscalation(t *testing.T) {
	tests := []struct {
		name string
		pct  int
		want Level
	}{
		{"warning", 85, LevelGentle},
		{"critical", 96, LevelModerate},
		{"emergency", 99, LevelAggressive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const capacity = 1000
			backend := kv.NewMemoryBackend(capacity)
			fill(t, backend, capacity, tt.pct)

			m := New(backend, Config{}, Options{})
			var ran []Level
			for _, level := range []Level{LevelGentle, LevelModerate, LevelAggressive} {
				level := level
				m.Register(level, Strategy{Name: "probe", Run: func(context.Context) (int64, error) {
					ran = append(ran, level)
					return 0, nil
				}})
			}

			info, rec, err := m.Check(context.Background())
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, tt.want, rec.Level)
			assert.Equal(t, []Level{tt.want}, ran)
			assert.InDelta(t, float64(tt.pct), rec.Before.Utilization, 0.01)
			assert.Equal(t, rec.After, info)
			for _, s := range rec.Strategies {
				assert.GreaterOrEqual(t, s.Freed, int64(0))
			}
		})
	}
}

func TestBelowThresholdDoesNothing(t *testing.T) {
	backend := kv.NewMemoryBackend(1000)
	fill(t, backend, 1000, 50)

	m := New(backend, Config{}, Options{})
	info, rec, err := m.Check(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.False(t, info.NearLimit)
	assert.Equal(t, int64(500), info.Available)
	assert.Empty(t, m.Cleanups())
}

func TestGentleClearsCacheEntries(t *testing.T) {
	backend := kv.NewMemoryBackend(1000)
	fill(t, backend, 1000, 80)
	require.NoError(t, backend.Set(CachePrefix+"index", strings.Repeat("c", 90)))
	require.NoError(t, backend.Set(PerfPrefix+"boot", "1"))

	bus := eventbus.New(nil)
	var cleaned []eventbus.StorageCleanedPayload
	bus.On(eventbus.StorageCleaned, func(ev eventbus.Event) {
		cleaned = append(cleaned, ev.Payload.(eventbus.StorageCleanedPayload))
	})

	m := New(backend, Config{}, Options{Bus: bus})
	_, rec, err := m.Check(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, LevelGentle, rec.Level)
	assert.Equal(t, int64(len(CachePrefix+"index")+90), rec.TotalFreed)

	_, ok, _ := backend.Get(CachePrefix + "index")
	assert.False(t, ok)
	_, ok, _ = backend.Get(PerfPrefix + "boot")
	assert.True(t, ok, "gentle cleanup keeps perf entries")

	require.Len(t, cleaned, 1)
	assert.Equal(t, "clear_cache", cleaned[0].Strategy)
	assert.Equal(t, rec.TotalFreed, cleaned[0].SpaceFreed)
}

func TestAggressiveStrategyOrder(t *testing.T) {
	m := New(kv.NewMemoryBackend(0), Config{}, Options{})
	noop := func(context.Context) (int64, error) { return 0, nil }
	m.Register(LevelAggressive, Strategy{Name: "archive_old_transactions", Order: 30, Run: noop})
	m.Register(LevelAggressive, Strategy{Name: "drop_snapshots", Order: 10, Run: noop})

	assert.Equal(t, []string{
		"drop_snapshots",
		"clear_cache",
		"archive_old_transactions",
		"clear_performance_metrics",
	}, m.Strategies(LevelAggressive))
	assert.Equal(t, []string{"clear_cache"}, m.Strategies(LevelGentle))
}

func TestCleanupNeverRunsConcurrently(t *testing.T) {
	backend := kv.NewMemoryBackend(1000)
	fill(t, backend, 1000, 99)

	m := New(backend, Config{}, Options{})
	started := make(chan struct{})
	release := make(chan struct{})
	m.Register(LevelAggressive, Strategy{Name: "slow", Run: func(context.Context) (int64, error) {
		close(started)
		<-release
		return 10, nil
	}})

	done := make(chan CleanupRecord)
	go func() {
		rec, err := m.RunCleanup(context.Background(), LevelAggressive)
		assert.NoError(t, err)
		done <- rec
	}()
	<-started

	_, err := m.RunCleanup(context.Background(), LevelGentle)
	assert.ErrorIs(t, err, ErrCleanupInProgress)

	_, rec, err := m.Check(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, rec, "check skips while a cleanup is in flight")

	close(release)
	first := <-done
	assert.Equal(t, int64(10), first.TotalFreed)
	assert.Len(t, m.Cleanups(), 1)

	// the guard is released afterwards
	_, err = m.RunCleanup(context.Background(), LevelGentle)
	assert.NoError(t, err)
}

func TestStrategyFailuresAreReportedAndClamped(t *testing.T) {
	diag := diagnostics.NewLogger(nil)
	m := New(kv.NewMemoryBackend(0), Config{}, Options{Diagnostics: diag})
	m.Register(LevelModerate, Strategy{Name: "negative", Order: 1, Run: func(context.Context) (int64, error) {
		return -5, nil
	}})
	m.Register(LevelModerate, Strategy{Name: "broken", Order: 2, Run: func(context.Context) (int64, error) {
		return 0, errors.New("disk unavailable")
	}})
	m.Register(LevelModerate, Strategy{Name: "fine", Order: 3, Run: func(context.Context) (int64, error) {
		return 7, nil
	}})

	rec, err := m.RunCleanup(context.Background(), LevelModerate)
	require.NoError(t, err)
	require.Len(t, rec.Strategies, 3)
	assert.Equal(t, int64(0), rec.Strategies[0].Freed)
	assert.Equal(t, "disk unavailable", rec.Strategies[1].Error)
	assert.Equal(t, int64(7), rec.TotalFreed)
	assert.Equal(t, 1, diag.Count(diagnostics.SeverityMedium))
}

func TestCleanupHistoryIsBounded(t *testing.T) {
	m := New(kv.NewMemoryBackend(0), Config{}, Options{})
	for i := 0; i < CleanupHistorySize+5; i++ {
		_, err := m.RunCleanup(context.Background(), LevelGentle)
		require.NoError(t, err)
	}
	assert.Len(t, m.Cleanups(), CleanupHistorySize)
}

func TestCapacityIsCached(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	backend := kv.NewMemoryBackend(1000)
	m := New(backend, Config{}, Options{Now: c.Now})

	info, err := m.Measure()
	require.NoError(t, err)
	assert.Equal(t, int64(1000), info.Total)

	backend.SetCapacity(2000)
	c.Advance(23 * time.Hour)
	info, err = m.Measure()
	require.NoError(t, err)
	assert.Equal(t, int64(1000), info.Total, "estimate reused within a day")

	c.Advance(2 * time.Hour)
	info, err = m.Measure()
	require.NoError(t, err)
	assert.Equal(t, int64(2000), info.Total)
}

func TestDefaultCapacityWhenUnknown(t *testing.T) {
	m := New(kv.NewMemoryBackend(0), Config{}, Options{})
	info, err := m.Measure()
	require.NoError(t, err)
	assert.Equal(t, DefaultCapacity, info.Total)

	m = New(kv.NewMemoryBackend(0), Config{DefaultCapacity: 4096}, Options{})
	info, err = m.Measure()
	require.NoError(t, err)
	assert.Equal(t, int64(4096), info.Total)
}

func TestAlertsOnUpwardCrossing(t *testing.T) {
	const capacity = 1000
	backend := kv.NewMemoryBackend(capacity)
	bus := eventbus.New(nil)
	var alerts []eventbus.QuotaAlertPayload
	bus.On(eventbus.QuotaAlert, func(ev eventbus.Event) {
		alerts = append(alerts, ev.Payload.(eventbus.QuotaAlertPayload))
	})

	m := New(backend, Config{}, Options{Bus: bus})

	fill(t, backend, capacity, 50)
	_, err := m.Observe()
	require.NoError(t, err)
	assert.Empty(t, alerts)

	fill(t, backend, capacity, 85)
	_, err = m.Observe()
	require.NoError(t, err)
	_, err = m.Observe()
	require.NoError(t, err)
	require.Len(t, alerts, 1, "staying above a threshold alerts once")
	assert.Equal(t, "warning", alerts[0].Severity)

	fill(t, backend, capacity, 96)
	_, err = m.Observe()
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "critical", alerts[1].Severity)

	history := m.Alerts()
	require.Len(t, history, 2)
	assert.NotEmpty(t, history[1].SuggestedActions)
	assert.Contains(t, history[1].Message, "96.0%")
}

func TestAlertsAreRateLimited(t *testing.T) {
	const capacity = 1000
	backend := kv.NewMemoryBackend(capacity)
	m := New(backend, Config{AlertEvery: time.Hour, AlertBurst: 1}, Options{})

	for i := 0; i < 3; i++ {
		fill(t, backend, capacity, 10)
		_, err := m.Observe()
		require.NoError(t, err)
		fill(t, backend, capacity, 90)
		_, err = m.Observe()
		require.NoError(t, err)
	}
	assert.Len(t, m.Alerts(), 1)
}

func TestAlertHistoryIsBounded(t *testing.T) {
	const capacity = 1000
	backend := kv.NewMemoryBackend(capacity)
	m := New(backend, Config{AlertBurst: 100}, Options{})

	for i := 0; i < AlertHistorySize+3; i++ {
		fill(t, backend, capacity, 10)
		_, err := m.Observe()
		require.NoError(t, err)
		fill(t, backend, capacity, 90)
		_, err = m.Observe()
		require.NoError(t, err)
	}
	assert.Len(t, m.Alerts(), AlertHistorySize)
}

func TestEmergencyCleanup(t *testing.T) {
	backend := kv.NewMemoryBackend(0)
	require.NoError(t, backend.Set(PerfPrefix+"a", "1234"))
	require.NoError(t, backend.Set(CachePrefix+"b", "1234"))

	m := New(backend, Config{}, Options{})
	require.NoError(t, m.EmergencyCleanup(context.Background()))

	keys, err := backend.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)

	cleanups := m.Cleanups()
	require.Len(t, cleanups, 1)
	assert.Equal(t, LevelAggressive, cleanups[0].Level)
}

func TestEmergencyCleanupWaitsForRunningCleanup(t *testing.T) {
	backend := kv.NewMemoryBackend(0)
	m := New(backend, Config{}, Options{})

	started := make(chan struct{})
	release := make(chan struct{})
	m.Register(LevelGentle, Strategy{Name: "slow", Run: func(context.Context) (int64, error) {
		close(started)
		<-release
		return 0, nil
	}})

	go func() {
		_, err := m.RunCleanup(context.Background(), LevelGentle)
		assert.NoError(t, err)
	}()
	<-started

	done := make(chan error, 1)
	go func() { done <- m.EmergencyCleanup(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("emergency cleanup returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)

	cleanups := m.Cleanups()
	require.Len(t, cleanups, 2)
	assert.Equal(t, LevelGentle, cleanups[0].Level)
	assert.Equal(t, LevelAggressive, cleanups[1].Level)
}

func TestEmergencyCleanupHonorsContext(t *testing.T) {
	m := New(kv.NewMemoryBackend(0), Config{}, Options{})
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	m.Register(LevelGentle, Strategy{Name: "slow", Run: func(context.Context) (int64, error) {
		close(started)
		<-release
		return 0, nil
	}})
	go m.RunCleanup(context.Background(), LevelGentle)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.EmergencyCleanup(ctx), context.DeadlineExceeded)
}

func TestLoopRunsChecks(t *testing.T) {
	backend := kv.NewMemoryBackend(1000)
	m := New(backend, Config{Interval: 5 * time.Millisecond}, Options{})
	require.NoError(t, m.Init(context.Background()))
	m.Start() // second start is a no-op

	// pressure appears after boot; the loop notices it
	fill(t, backend, 1000, 90)
	require.Eventually(t, func() bool { return len(m.Cleanups()) > 0 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.Stop(context.Background()))
}

func TestHealthRating(t *testing.T) {
	tests := []struct {
		pct  int
		want string
	}{
		{10, "excellent"},
		{60, "good"},
		{90, "warning"},
		{97, "critical"},
	}
	for _, tt := range tests {
		backend := kv.NewMemoryBackend(1000)
		fill(t, backend, 1000, tt.pct)
		m := New(backend, Config{}, Options{})
		got, err := m.HealthRating(context.Background())
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "at %d%%", tt.pct)
	}
}
