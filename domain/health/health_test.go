package health_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/artpar/usagegate/domain/health"
)

var baseTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func TestBuild_Healthy(t *testing.T) {
	r := health.Build(health.Stats{Total: 100, Processed: 100, LatencySum: 100 * time.Second, LatencySamples: 100}, health.DefaultThresholds(), baseTime)

	if r.OverallHealth != health.LevelHealthy {
		t.Errorf("overall = %s, want healthy", r.OverallHealth)
	}
	if r.Metrics.AvgLatencyMillis != 1000 {
		t.Errorf("avg latency = %d, want 1000", r.Metrics.AvgLatencyMillis)
	}
	if len(r.Alerts) != 0 || len(r.Recommendations) != 0 {
		t.Errorf("expected no alerts, got %+v", r.Alerts)
	}
}

func TestBuild_EmptyWindowIsHealthy(t *testing.T) {
	r := health.Build(health.Stats{}, health.DefaultThresholds(), baseTime)
	if r.Metrics.SuccessRate != 1 {
		t.Errorf("success rate = %f, want 1", r.Metrics.SuccessRate)
	}
	if r.OverallHealth != health.LevelHealthy {
		t.Errorf("overall = %s", r.OverallHealth)
	}
}

func TestBuild_Thresholds(t *testing.T) {
	tests := []struct {
		name  string
		stats health.Stats
		want  health.Level
	}{
		{"success 94%", health.Stats{Total: 100, Processed: 94}, health.LevelWarning},
		{"success 79%", health.Stats{Total: 100, Processed: 79}, health.LevelCritical},
		{"one dead letter", health.Stats{Total: 100, Processed: 100, DeadLettered: 1}, health.LevelWarning},
		{"ten dead letters", health.Stats{Total: 100, Processed: 100, DeadLettered: 10}, health.LevelWarning},
		{"eleven dead letters", health.Stats{Total: 100, Processed: 100, DeadLettered: 11}, health.LevelCritical},
		{"big backlog", health.Stats{Total: 5000, Processed: 5000, Backlog: 1001}, health.LevelCritical},
		{"slow", health.Stats{Total: 10, Processed: 10, LatencySum: 10 * time.Minute, LatencySamples: 10}, health.LevelWarning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := health.Build(tt.stats, health.DefaultThresholds(), baseTime)
			if r.OverallHealth != tt.want {
				t.Errorf("overall = %s, want %s (alerts %+v)", r.OverallHealth, tt.want, r.Alerts)
			}
			if len(r.Recommendations) == 0 {
				t.Error("expected at least one recommendation")
			}
		})
	}
}

func TestReport_JSONShape(t *testing.T) {
	r := health.Build(health.Stats{Total: 10, Processed: 7, DeadLettered: 3}, health.DefaultThresholds(), baseTime)

	b, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	s := string(b)
	for _, field := range []string{`"overallHealth":"critical"`, `"metrics"`, `"alerts"`, `"recommendations"`} {
		if !strings.Contains(s, field) {
			t.Errorf("report JSON missing %s: %s", field, s)
		}
	}
}
