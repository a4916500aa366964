package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  timeout_seconds: 45
auth:
  enabled: true
  api_key: secret
db:
  dsn: postgres://localhost/blockpipe
  max_conns: 16
redis:
  addr: localhost:6379
  cache_ttl_seconds: 120
storage:
  gcs_bucket: block-archive
  prefix: exports
scheduler:
  workers: 8
  max_retries: 5
pipeline:
  page_size: 25
  batch_size: 200
monitor:
  min_avg_quality: 3.0
  max_stale_ratio: 0.4
maintenance:
  enabled: true
  archive_grades: ["F", "D"]
sources:
  visitkorea:
    base_url: https://api.visitkorea.example
    api_key: vk-key
    timeout_seconds: 20
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.DB.MaxConns != 16 || cfg.DB.MinConns != 1 {
		t.Fatalf("expected db override with defaulted min_conns, got %+v", cfg.DB)
	}
	if cfg.Scheduler.Workers != 8 || cfg.Scheduler.MaxRetries != 5 {
		t.Fatalf("expected scheduler overrides to apply, got %+v", cfg.Scheduler)
	}
	if cfg.Pipeline.PageSize != 25 || cfg.Pipeline.Concurrency != 4 {
		t.Fatalf("expected pipeline override with defaulted concurrency, got %+v", cfg.Pipeline)
	}
	src, ok := cfg.Sources["visitkorea"]
	if !ok || src.BaseURL != "https://api.visitkorea.example" || src.APIKey != "vk-key" {
		t.Fatalf("expected source to be loaded: %+v", cfg.Sources)
	}
	if len(cfg.Maintenance.ArchiveGrades) != 2 {
		t.Fatalf("expected archive grades override, got %+v", cfg.Maintenance.ArchiveGrades)
	}
	if got := cfg.ServerTimeout(); got != 45*time.Second {
		t.Fatalf("expected server timeout 45s, got %v", got)
	}
	if got := cfg.CacheTTL(); got != 120*time.Second {
		t.Fatalf("expected cache ttl 120s, got %v", got)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:    ServerConfig{Port: 8080, TimeoutSeconds: 60},
		Scheduler: SchedulerConfig{Workers: 4},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid timeout",
			cfg: func() Config {
				c := base
				c.Server.TimeoutSeconds = 0
				return c
			}(),
			want: "server.timeout_seconds",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
		{
			name: "invalid workers",
			cfg: func() Config {
				c := base
				c.Scheduler.Workers = 0
				return c
			}(),
			want: "scheduler.workers",
		},
		{
			name: "stale ratio out of range",
			cfg: func() Config {
				c := base
				c.Monitor.MaxStaleRatio = 1.5
				return c
			}(),
			want: "monitor.max_stale_ratio",
		},
		{
			name: "source missing base url",
			cfg: func() Config {
				c := base
				c.Sources = map[string]SourceConfig{"broken": {APIKey: "k"}}
				return c
			}(),
			want: "sources.broken.base_url",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
