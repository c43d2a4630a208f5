// Package health computes webhook processing health reports.
// All functions are pure; the caller supplies aggregated statistics.
package health

import (
	"fmt"
	"time"
)

// Level is an alert or overall health level, ordered by severity.
type Level int

const (
	LevelHealthy Level = iota
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelHealthy:
		return "healthy"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText renders the level as its name in JSON documents.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Stats are the raw aggregates for the reporting window (value type).
type Stats struct {
	Total          int64
	Processed      int64
	DeadLettered   int64
	Backlog        int64 // Unprocessed with attempts below the maximum
	LatencySum     time.Duration
	LatencySamples int64
}

// Thresholds is the fixed threshold table (value type).
type Thresholds struct {
	SuccessWarning    float64 // Success rate below this is a warning
	SuccessCritical   float64 // Success rate below this is critical
	DeadLetterWarning int64   // Dead letters at or above this are a warning
	DeadLetterCrit    int64   // Dead letters above this are critical
	BacklogWarning    int64
	BacklogCritical   int64
	LatencyWarning    time.Duration
}

// DefaultThresholds returns the reference table.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SuccessWarning:    0.95,
		SuccessCritical:   0.80,
		DeadLetterWarning: 1,
		DeadLetterCrit:    10,
		BacklogWarning:    100,
		BacklogCritical:   1000,
		LatencyWarning:    30 * time.Second,
	}
}

// Metrics are the computed indicators.
type Metrics struct {
	TotalEvents      int64   `json:"totalEvents"`
	ProcessedEvents  int64   `json:"processedEvents"`
	SuccessRate      float64 `json:"successRate"`
	AvgLatencyMillis int64   `json:"averageLatencyMs"`
	DeadLetterCount  int64   `json:"deadLetterCount"`
	BacklogCount     int64   `json:"backlogCount"`
}

// Alert is one breached threshold.
type Alert struct {
	Level     Level   `json:"level"`
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Message   string  `json:"message"`
}

// Report is the structured health document.
type Report struct {
	OverallHealth   Level     `json:"overallHealth"`
	Metrics         Metrics   `json:"metrics"`
	Alerts          []Alert   `json:"alerts"`
	Recommendations []string  `json:"recommendations"`
	WindowStart     time.Time `json:"windowStart"`
	GeneratedAt     time.Time `json:"generatedAt"`
}

// Window is the trailing period a report covers.
const Window = 24 * time.Hour

// ComputeMetrics derives indicators from stats.
// An empty window counts as fully successful.
// This is a PURE function.
func ComputeMetrics(s Stats) Metrics {
	m := Metrics{
		TotalEvents:     s.Total,
		ProcessedEvents: s.Processed,
		SuccessRate:     1,
		DeadLetterCount: s.DeadLettered,
		BacklogCount:    s.Backlog,
	}
	if s.Total > 0 {
		m.SuccessRate = float64(s.Processed) / float64(s.Total)
	}
	if s.LatencySamples > 0 {
		m.AvgLatencyMillis = (s.LatencySum / time.Duration(s.LatencySamples)).Milliseconds()
	}
	return m
}

// Evaluate compares metrics against thresholds.
// This is a PURE function.
func Evaluate(m Metrics, th Thresholds) []Alert {
	var alerts []Alert

	switch {
	case m.SuccessRate < th.SuccessCritical:
		alerts = append(alerts, Alert{LevelCritical, "successRate", m.SuccessRate, th.SuccessCritical,
			fmt.Sprintf("webhook success rate %.1f%% is below %.0f%%", m.SuccessRate*100, th.SuccessCritical*100)})
	case m.SuccessRate < th.SuccessWarning:
		alerts = append(alerts, Alert{LevelWarning, "successRate", m.SuccessRate, th.SuccessWarning,
			fmt.Sprintf("webhook success rate %.1f%% is below %.0f%%", m.SuccessRate*100, th.SuccessWarning*100)})
	}

	switch {
	case m.DeadLetterCount > th.DeadLetterCrit:
		alerts = append(alerts, Alert{LevelCritical, "deadLetterCount", float64(m.DeadLetterCount), float64(th.DeadLetterCrit),
			fmt.Sprintf("%d events dead-lettered", m.DeadLetterCount)})
	case th.DeadLetterWarning > 0 && m.DeadLetterCount >= th.DeadLetterWarning:
		alerts = append(alerts, Alert{LevelWarning, "deadLetterCount", float64(m.DeadLetterCount), float64(th.DeadLetterWarning),
			fmt.Sprintf("%d events dead-lettered", m.DeadLetterCount)})
	}

	switch {
	case th.BacklogCritical > 0 && m.BacklogCount > th.BacklogCritical:
		alerts = append(alerts, Alert{LevelCritical, "backlogCount", float64(m.BacklogCount), float64(th.BacklogCritical),
			fmt.Sprintf("%d events awaiting retry", m.BacklogCount)})
	case th.BacklogWarning > 0 && m.BacklogCount > th.BacklogWarning:
		alerts = append(alerts, Alert{LevelWarning, "backlogCount", float64(m.BacklogCount), float64(th.BacklogWarning),
			fmt.Sprintf("%d events awaiting retry", m.BacklogCount)})
	}

	if th.LatencyWarning > 0 && m.AvgLatencyMillis > th.LatencyWarning.Milliseconds() {
		alerts = append(alerts, Alert{LevelWarning, "averageLatencyMs", float64(m.AvgLatencyMillis), float64(th.LatencyWarning.Milliseconds()),
			fmt.Sprintf("average processing latency %dms", m.AvgLatencyMillis)})
	}

	return alerts
}

// Overall returns the worst level among alerts.
// This is a PURE function.
func Overall(alerts []Alert) Level {
	level := LevelHealthy
	for _, a := range alerts {
		if a.Level > level {
			level = a.Level
		}
	}
	return level
}

// Recommend maps alerts to operator guidance.
// This is a PURE function.
func Recommend(alerts []Alert) []string {
	recs := []string{}
	seen := map[string]bool{}
	for _, a := range alerts {
		if seen[a.Metric] {
			continue
		}
		seen[a.Metric] = true
		switch a.Metric {
		case "successRate":
			recs = append(recs, "Inspect last_error on failing events and check ledger connectivity")
		case "deadLetterCount":
			recs = append(recs, "Review dead-lettered events and replay them once the cause is fixed")
		case "backlogCount":
			recs = append(recs, "Check that the retry worker is running and the store is responsive")
		case "averageLatencyMs":
			recs = append(recs, "Investigate slow billing handlers or store latency")
		}
	}
	return recs
}

// Build assembles a complete report.
// This is a PURE function.
func Build(s Stats, th Thresholds, now time.Time) Report {
	m := ComputeMetrics(s)
	alerts := Evaluate(m, th)
	if alerts == nil {
		alerts = []Alert{}
	}
	return Report{
		OverallHealth:   Overall(alerts),
		Metrics:         m,
		Alerts:          alerts,
		Recommendations: Recommend(alerts),
		WindowStart:     now.Add(-Window),
		GeneratedAt:     now,
	}
}
