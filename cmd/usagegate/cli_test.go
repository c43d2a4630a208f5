package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/artpar/usagegate/adapters/hasher"
	"github.com/artpar/usagegate/domain/plan"
)

func TestFormatLimit(t *testing.T) {
	if got := formatLimit(plan.Unlimited); got != "unlimited" {
		t.Errorf("formatLimit(-1) = %q", got)
	}
	if got := formatLimit(10); got != "10" {
		t.Errorf("formatLimit(10) = %q", got)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{10 << 20, "10.0 MiB"},
		{100 << 30, "100.0 GiB"},
		{plan.Unlimited, "unlimited"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate short = %q", got)
	}
	if got := truncate("0123456789abc", 10); got != "0123456..." {
		t.Errorf("truncate long = %q", got)
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"serve", "validate", "version", "migrate", "sweep", "rollover", "health", "plans", "webhooks", "suspensions", "admin-token"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd == rootCmd {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestValidate_MemoryConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usagegate.yaml")
	content := "webhook:\n  secret: whsec_cli\nstorage:\n  driver: memory\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"validate", "--config", path, "--check-storage"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidate_MissingFile(t *testing.T) {
	rootCmd.SetArgs([]string{"validate", "--config", filepath.Join(t.TempDir(), "nope.yaml")})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestAdminToken_HashesGivenToken(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"admin-token", "--cost", "4", "given-token"})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("admin-token: %v", err)
	}

	var hash string
	for _, line := range strings.Split(out.String(), "\n") {
		if strings.HasPrefix(line, "Hash:") {
			hash = strings.TrimSpace(strings.TrimPrefix(line, "Hash:"))
		}
	}
	if strings.Contains(out.String(), "Token:") {
		t.Error("given token echoed back")
	}
	v := hasher.ForSecret(hash)
	if v == nil || !v.Verify("given-token") {
		t.Errorf("printed hash %q does not verify the token", hash)
	}
}
