package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/artpar/usagegate/config"
	"github.com/rs/zerolog"
)

func TestHolder_Get(t *testing.T) {
	h, err := config.NewHolder(writeConfig(t, validConfig()), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	got := h.Get()
	if got == nil {
		t.Fatal("Get returned nil")
	}
	if got.RateLimit.ConversionsPerMinute != 10 {
		t.Errorf("ConversionsPerMinute = %d, want 10", got.RateLimit.ConversionsPerMinute)
	}
}

func TestHolder_ReloadNotifiesListeners(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	var mu sync.Mutex
	var received *config.Config
	h.OnChange(func(cfg *config.Config) {
		mu.Lock()
		received = cfg
		mu.Unlock()
	})

	newContent := `
webhook:
  secret: "whsec_test"
ratelimit:
  conversions_per_minute: 30
`
	if err := os.WriteFile(path, []byte(newContent), 0644); err != nil {
		t.Fatalf("write new config: %v", err)
	}
	if err := h.Reload(); err != nil {
		t.Fatalf("Reload error: %v", err)
	}

	if h.Get().RateLimit.ConversionsPerMinute != 30 {
		t.Errorf("reloaded ConversionsPerMinute = %d, want 30", h.Get().RateLimit.ConversionsPerMinute)
	}
	mu.Lock()
	defer mu.Unlock()
	if received == nil || received.RateLimit.ConversionsPerMinute != 30 {
		t.Error("OnChange callback did not receive the new config")
	}
}

func TestHolder_ReloadInvalidConfigKeepsOld(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	// No secret
	if err := os.WriteFile(path, []byte("server:\n  port: 8080\n"), 0644); err != nil {
		t.Fatalf("write invalid config: %v", err)
	}
	if err := h.Reload(); err == nil {
		t.Error("Reload should fail for invalid config")
	}
	if h.Get().Webhook.Secret != "whsec_test" {
		t.Errorf("should keep old config, got secret %q", h.Get().Webhook.Secret)
	}
}

func TestHolder_WatchFile(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	reloaded := make(chan *config.Config, 4)
	h.OnChange(func(cfg *config.Config) { reloaded <- cfg })

	if err := h.WatchFile(); err != nil {
		t.Fatalf("WatchFile error: %v", err)
	}

	newContent := `
webhook:
  secret: "whsec_test"
  max_attempts: 7
`
	if err := os.WriteFile(path, []byte(newContent), 0644); err != nil {
		t.Fatalf("write new config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Webhook.MaxAttempts != 7 {
			t.Errorf("after file watch, MaxAttempts = %d, want 7", cfg.Webhook.MaxAttempts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("file watcher did not trigger reload")
	}
}

func TestHolder_StopTwice(t *testing.T) {
	h, err := config.NewHolder(writeConfig(t, validConfig()), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	h.WatchSignals()
	h.Stop()
	h.Stop()
}

func TestHolder_ConcurrentAccess(t *testing.T) {
	h, err := config.NewHolder(writeConfig(t, validConfig()), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if h.Get() == nil {
					t.Error("concurrent Get returned nil")
				}
			}
		}()
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Reload()
		}()
	}
	wg.Wait()
}

func TestReloadableFieldsDisjoint(t *testing.T) {
	static := map[string]bool{}
	for _, f := range config.NonReloadableFields() {
		static[f] = true
	}
	for _, f := range config.ReloadableFields() {
		if static[f] {
			t.Errorf("%s is listed as both reloadable and non-reloadable", f)
		}
	}
	if !static["storage.dsn"] || !static["server.port"] {
		t.Error("storage.dsn and server.port must require a restart")
	}
}

// Helpers

func validConfig() string {
	return `
webhook:
  secret: "whsec_test"
storage:
  driver: memory
`
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "usagegate.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
