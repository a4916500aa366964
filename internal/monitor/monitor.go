// Package monitor derives health metrics and alerts from repository state.
// Everything here is recomputed on demand; nothing is persisted.
package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/placewise/blockpipe/internal/block"
)

// Alert severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Thresholds configure the alert rules. Zero values disable a rule.
type Thresholds struct {
	MinAvgQuality float64
	MaxStaleRatio float64
	MaxErrorCount int
}

// Alert is one fired rule.
type Alert struct {
	Rule      string  `json:"rule"`
	Severity  string  `json:"severity"`
	Message   string  `json:"message"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// Snapshot is the computed monitoring view over the block repository.
type Snapshot struct {
	TotalPlaces     int                     `json:"total_places"`
	TotalContents   int                     `json:"total_contents"`
	AvgQualityScore float64                 `json:"avg_quality_score"`
	AvgCompleteness float64                 `json:"avg_completeness"`
	StaleRatio      float64                 `json:"stale_ratio"`
	GradeDist       map[block.Grade]int     `json:"grade_dist"`
	FreshnessDist   map[block.Freshness]int `json:"freshness_dist"`
	ErrorCount      int                     `json:"error_count"`
	Alerts          []Alert                 `json:"alerts"`
	GeneratedAt     time.Time               `json:"generated_at"`
}

// Monitor evaluates repository health.
type Monitor struct {
	store      block.BlockStore
	thresholds Thresholds
	logger     *zap.Logger
}

// New constructs a Monitor.
func New(store block.BlockStore, thresholds Thresholds, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{store: store, thresholds: thresholds, logger: logger}
}

// Evaluate rebuilds the snapshot and applies the alert rules.
func (m *Monitor) Evaluate(ctx context.Context) (Snapshot, error) {
	stats, err := m.store.Stats(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load block stats: %w", err)
	}

	snap := Snapshot{
		TotalPlaces:     stats.TotalPlaces,
		TotalContents:   stats.TotalContents,
		AvgQualityScore: qualityScore(stats.GradeDist),
		AvgCompleteness: stats.AvgCompleteness,
		StaleRatio:      staleRatio(stats),
		GradeDist:       stats.GradeDist,
		FreshnessDist:   stats.FreshnessDist,
		ErrorCount:      stats.ErrorCount,
		GeneratedAt:     stats.GeneratedAt,
	}
	snap.Alerts = m.applyRules(snap)

	for _, alert := range snap.Alerts {
		m.logger.Warn("monitor alert",
			zap.String("rule", alert.Rule),
			zap.String("severity", alert.Severity),
			zap.Float64("value", alert.Value))
	}
	return snap, nil
}

func (m *Monitor) applyRules(snap Snapshot) []Alert {
	var alerts []Alert
	if m.thresholds.MinAvgQuality > 0 && snap.TotalPlaces > 0 && snap.AvgQualityScore < m.thresholds.MinAvgQuality {
		alerts = append(alerts, Alert{
			Rule:      "avg_quality_below_threshold",
			Severity:  SeverityWarning,
			Message:   fmt.Sprintf("average quality score %.2f is below %.2f", snap.AvgQualityScore, m.thresholds.MinAvgQuality),
			Value:     snap.AvgQualityScore,
			Threshold: m.thresholds.MinAvgQuality,
		})
	}
	if m.thresholds.MaxStaleRatio > 0 && snap.StaleRatio > m.thresholds.MaxStaleRatio {
		alerts = append(alerts, Alert{
			Rule:      "stale_ratio_above_threshold",
			Severity:  SeverityWarning,
			Message:   fmt.Sprintf("stale ratio %.2f exceeds %.2f", snap.StaleRatio, m.thresholds.MaxStaleRatio),
			Value:     snap.StaleRatio,
			Threshold: m.thresholds.MaxStaleRatio,
		})
	}
	if m.thresholds.MaxErrorCount > 0 && snap.ErrorCount > m.thresholds.MaxErrorCount {
		alerts = append(alerts, Alert{
			Rule:      "error_count_above_threshold",
			Severity:  SeverityCritical,
			Message:   fmt.Sprintf("error count %d exceeds %d", snap.ErrorCount, m.thresholds.MaxErrorCount),
			Value:     float64(snap.ErrorCount),
			Threshold: float64(m.thresholds.MaxErrorCount),
		})
	}
	return alerts
}

// qualityScore maps grades to scores (A=5 .. F=1) and averages them over the
// distribution.
func qualityScore(dist map[block.Grade]int) float64 {
	total := 0
	weighted := 0
	for grade, n := range dist {
		total += n
		weighted += grade.Rank() * n
	}
	if total == 0 {
		return 0
	}
	return float64(weighted) / float64(total)
}

func staleRatio(stats block.BlockStats) float64 {
	if stats.TotalPlaces == 0 {
		return 0
	}
	stale := stats.FreshnessDist[block.FreshnessStale] + stats.FreshnessDist[block.FreshnessOutdated]
	return float64(stale) / float64(stats.TotalPlaces)
}
