package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/artpar/usagegate/adapters/clock"
	"github.com/artpar/usagegate/adapters/idgen"
	"github.com/artpar/usagegate/config"
	"github.com/artpar/usagegate/core/events"
	"github.com/artpar/usagegate/domain/abuse"
	"github.com/artpar/usagegate/domain/plan"
	"github.com/artpar/usagegate/domain/ratelimit"
	"github.com/artpar/usagegate/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// loadTestConfig loads a memory-backed config with extra YAML appended.
func loadTestConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	content := "storage:\n  driver: memory\n"
	if !strings.Contains(extra, "webhook:") {
		content += "webhook:\n  secret: whsec_test\n"
	}
	content += extra

	path := filepath.Join(t.TempDir(), "usagegate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []ports.Alert
	got    chan struct{}
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{got: make(chan struct{}, 16)}
}

func (n *recordingNotifier) Notify(_ context.Context, a ports.Alert) error {
	n.mu.Lock()
	n.alerts = append(n.alerts, a)
	n.mu.Unlock()
	n.got <- struct{}{}
	return nil
}

func newTestApp(t *testing.T, cfg *config.Config, notifier ports.Notifier) *App {
	t.Helper()
	a, err := NewWithOptions(context.Background(), cfg, zerolog.Nop(), Options{
		Clock:    clock.NewFake(time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)),
		IDs:      idgen.NewSequential("alert-"),
		Notifier: notifier,
		Registry: prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("NewWithOptions() error = %v", err)
	}
	t.Cleanup(func() { a.Shutdown() })
	return a
}

func TestNew_ServesQuotaChecks(t *testing.T) {
	a := newTestApp(t, loadTestConfig(t, ""), newRecordingNotifier())
	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	check := func() int {
		body := `{"user_id":"u1","action_type":"conversion"}`
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/quota/check", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("quota check: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	// Free tier allows 10 conversions per month, and the per-minute
	// conversion limit is also 10.
	for i := 0; i < 10; i++ {
		if got := check(); got != http.StatusOK {
			t.Fatalf("check %d: status = %d, want 200", i+1, got)
		}
	}
	if got := check(); got != http.StatusTooManyRequests {
		t.Errorf("11th check: status = %d, want 429", got)
	}

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
}

func TestNew_MetricsEndpoint(t *testing.T) {
	a := newTestApp(t, loadTestConfig(t, ""), newRecordingNotifier())
	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if !strings.Contains(string(body), "usagegate_event_bus_dropped_total") {
		t.Errorf("metrics output missing bus drop counter:\n%s", body)
	}
}

func TestNew_MetricsDisabled(t *testing.T) {
	a := newTestApp(t, loadTestConfig(t, "metrics:\n  disabled: true\n"), newRecordingNotifier())
	if a.Metrics != nil {
		t.Fatal("metrics collector created while disabled")
	}

	rec := httptest.NewRecorder()
	a.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("/metrics status = %d, want 404", rec.Code)
	}
}

func TestNew_SchedulesJobs(t *testing.T) {
	a := newTestApp(t, loadTestConfig(t, ""), newRecordingNotifier())
	if got := a.Scheduler.Entries(); got != 3 {
		t.Errorf("scheduled jobs = %d, want 3", got)
	}

	ctx := context.Background()
	if err := a.sweep(ctx); err != nil {
		t.Errorf("sweep: %v", err)
	}
	if err := a.rollover(ctx); err != nil {
		t.Errorf("rollover: %v", err)
	}
	if err := a.checkHealth(ctx); err != nil {
		t.Errorf("health check: %v", err)
	}
	if _, ok := a.Health.Last(); !ok {
		t.Error("health check did not record a report")
	}
}

func TestApply_HotReload(t *testing.T) {
	a := newTestApp(t, loadTestConfig(t, ""), newRecordingNotifier())
	ctx := context.Background()

	next := loadTestConfig(t, `
ratelimit:
  conversions_per_minute: 1
plans:
  - tier: free
    conversions_per_month: 3
logging:
  level: warn
`)
	a.Apply(next)
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	if a.Config() != next {
		t.Error("Config() does not return the applied configuration")
	}
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Errorf("global level = %v, want warn", zerolog.GlobalLevel())
	}

	free, err := a.Stores.Plans.Get(ctx, plan.TierFree)
	if err != nil {
		t.Fatalf("get free plan: %v", err)
	}
	if free.ConversionsPerMonth != 3 {
		t.Errorf("free conversions = %d, want 3", free.ConversionsPerMonth)
	}

	req := ratelimit.Request{
		Identifier: ratelimit.UserIdentifier("u2"),
		Class:      ratelimit.ClassConversion,
		UserID:     "u2",
		IP:         "10.0.0.1",
	}
	first, err := a.RateLimit.CheckRateLimit(ctx, req)
	if err != nil || !first.Allowed {
		t.Fatalf("first check = %+v, %v; want allowed", first, err)
	}
	second, err := a.RateLimit.CheckRateLimit(ctx, req)
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if second.Allowed {
		t.Error("second conversion allowed after limit lowered to 1")
	}
}

func TestRun_DispatchesAlertsAndShutsDown(t *testing.T) {
	notifier := newRecordingNotifier()
	a := newTestApp(t, loadTestConfig(t, ""), notifier)
	a.HTTPServer.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	a.Bus.Publish(events.AbuseDetected{
		Identifier: "user:u9",
		Pattern:    string(abuse.PatternRapidRequests),
		Severity:   string(abuse.SeverityHigh),
		Suspended:  true,
		Until:      time.Now().Add(time.Hour),
		At:         time.Now(),
	})

	select {
	case <-notifier.got:
	case <-time.After(2 * time.Second):
		t.Fatal("alert not delivered")
	}
	notifier.mu.Lock()
	if notifier.alerts[0].ID != "alert-1" {
		t.Errorf("alert id = %q, want alert-1", notifier.alerts[0].ID)
	}
	notifier.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if err := a.Run(context.Background()); err == nil {
		t.Error("second Run() should fail")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	a := newTestApp(t, loadTestConfig(t, ""), newRecordingNotifier())
	if err := a.Shutdown(); err != nil {
		t.Fatalf("first Shutdown() error = %v", err)
	}
	if err := a.Shutdown(); err != nil {
		t.Fatalf("second Shutdown() error = %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	logger.Debug().Str("k", "v").Msg("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("json log line: %v (%q)", err, buf.String())
	}
	if line["message"] != "hello" || line["k"] != "v" {
		t.Errorf("log line = %v", line)
	}
	if _, ok := line["time"]; !ok {
		t.Error("log line has no timestamp")
	}

	buf.Reset()
	logger = newLogger(config.LoggingConfig{Level: "nonsense", Format: "console"}, &buf)
	logger.Debug().Msg("hidden")
	logger.Info().Msg("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("debug line written at default info level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("console output = %q", buf.String())
	}
}
