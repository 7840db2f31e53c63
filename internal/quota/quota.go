// Package quota watches how much of the persistence backend's capacity is in
// use and escalates through three cleanup levels as utilization grows.
//
//	≥80%  warning   → gentle     (clear cache: entries)
//	≥95%  critical  → moderate   (keep only the two newest snapshots)
//	≥98%  emergency → aggressive (drop snapshots, clear caches, archive old
//	                             transactions, clear perf: entries)
//
// Only one cleanup runs at a time; a request that arrives while another is in
// flight is skipped.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Thresholds in percent.
const (
	WarningThreshold   = 80.0
	CriticalThreshold  = 95.0
	EmergencyThreshold = 98.0
)

// Defaults.
const (
	DefaultCapacity    int64 = 5 << 20 // conservative estimate when the backend cannot tell
	DefaultInterval          = 60 * time.Second
	DefaultCapacityTTL       = 24 * time.Hour
	DefaultAlertEvery        = time.Minute
	DefaultAlertBurst        = 3

	CleanupHistorySize = 50
	AlertHistorySize   = 10
)

// Key prefixes of entries owned by nobody in particular and safe to drop.
const (
	CachePrefix = "cache:"
	PerfPrefix  = "perf:"
)

var (
	// ErrCleanupInProgress is returned when a cleanup is requested while
	// another one is running.
	ErrCleanupInProgress = errors.New("quota: cleanup already in progress")
	// ErrUnknownLevel is returned by ParseLevel.
	ErrUnknownLevel = errors.New("quota: unknown cleanup level")
)

// Level is a cleanup intensity.
type Level string

const (
	LevelNone       Level = ""
	LevelGentle     Level = "gentle"
	LevelModerate   Level = "moderate"
	LevelAggressive Level = "aggressive"
)

// ParseLevel converts a CLI value to a Level.
func ParseLevel(s string) (Level, error) {
	switch l := Level(s); l {
	case LevelGentle, LevelModerate, LevelAggressive:
		return l, nil
	}
	return LevelNone, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
}

// LevelFor maps utilization (percent) to the cleanup level it requires.
func LevelFor(utilization float64) Level {
	switch {
	case utilization >= EmergencyThreshold:
		return LevelAggressive
	case utilization >= CriticalThreshold:
		return LevelModerate
	case utilization >= WarningThreshold:
		return LevelGentle
	}
	return LevelNone
}

// Severity of a quota alert.
type Severity string

const (
	SeverityNone      Severity = ""
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

func severityFor(utilization float64) Severity {
	switch {
	case utilization >= EmergencyThreshold:
		return SeverityEmergency
	case utilization >= CriticalThreshold:
		return SeverityCritical
	case utilization >= WarningThreshold:
		return SeverityWarning
	}
	return SeverityNone
}

func (s Severity) rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	case SeverityEmergency:
		return 3
	}
	return 0
}

// Info is a point-in-time measurement.
type Info struct {
	Used        int64     `json:"used"`
	Total       int64     `json:"total"`
	Available   int64     `json:"available"`
	Utilization float64   `json:"utilization"` // percent
	NearLimit   bool      `json:"near_limit"`
	Critical    bool      `json:"critical"`
	MeasuredAt  time.Time `json:"measured_at"`
}

func newInfo(used, total int64, at time.Time) Info {
	info := Info{Used: used, Total: total, MeasuredAt: at}
	if total > 0 {
		info.Utilization = float64(used) / float64(total) * 100
		info.Available = total - used
		if info.Available < 0 {
			info.Available = 0
		}
	}
	info.NearLimit = info.Utilization >= WarningThreshold
	info.Critical = info.Utilization >= CriticalThreshold
	return info
}

// String renders the measurement for logs and the CLI.
func (i Info) String() string {
	return fmt.Sprintf("%.1f%% (%s of %s, %s free)", i.Utilization,
		humanize.IBytes(uint64(i.Used)), humanize.IBytes(uint64(i.Total)), humanize.IBytes(uint64(i.Available)))
}

// Strategy is a named way of freeing space. Strategies of one level run in
// ascending Order.
type Strategy struct {
	Name  string
	Order int
	Run   func(ctx context.Context) (int64, error)
}

// StrategyResult is what one strategy achieved.
type StrategyResult struct {
	Name  string `json:"name"`
	Freed int64  `json:"freed"`
	Error string `json:"error,omitempty"`
}

// CleanupRecord is one entry of the cleanup history.
type CleanupRecord struct {
	ID         string           `json:"id"`
	Level      Level            `json:"level"`
	StartedAt  time.Time        `json:"started_at"`
	Duration   time.Duration    `json:"duration"`
	Strategies []StrategyResult `json:"strategies"`
	TotalFreed int64            `json:"total_freed"`
	Before     Info             `json:"before"`
	After      Info             `json:"after"`
}

// Alert is one entry of the alert history.
type Alert struct {
	ID               string    `json:"id"`
	Severity         Severity  `json:"severity"`
	Message          string    `json:"message"`
	SuggestedActions []string  `json:"suggested_actions"`
	Info             Info      `json:"info"`
	At               time.Time `json:"at"`
}

func suggestedActions(s Severity) []string {
	switch s {
	case SeverityWarning:
		return []string{
			"Export your data as a backup",
			"Delete statement files you no longer need",
		}
	case SeverityCritical:
		return []string{
			"Export your data as a backup now",
			"Delete old accounts or transactions",
			"Older snapshots will be removed automatically",
		}
	case SeverityEmergency:
		return []string{
			"Export your data immediately",
			"Transactions older than one year are being archived",
			"New imports may fail until space is freed",
		}
	}
	return nil
}
