package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"chorus/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(tempHome)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantData := filepath.Join(tempHome, ".local", "share", "chorus")
	if cfg.Paths.DataDir != wantData {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, wantData)
	}
	if cfg.DatabasePath() != filepath.Join(wantData, "chorus.db") {
		t.Fatalf("unexpected database path: %q", cfg.DatabasePath())
	}
	if cfg.Paths.APIBind != "127.0.0.1:7490" {
		t.Fatalf("unexpected api bind: %q", cfg.Paths.APIBind)
	}
	if cfg.Consensus.ExportThreshold != 0.90 {
		t.Fatalf("expected export threshold 0.90, got %v", cfg.Consensus.ExportThreshold)
	}
	if cfg.Consensus.ExportMinCandidates != 5 {
		t.Fatalf("expected export min candidates 5, got %d", cfg.Consensus.ExportMinCandidates)
	}
	if cfg.Export.MaxUnits != 200 {
		t.Fatalf("expected max units 200, got %d", cfg.Export.MaxUnits)
	}
	if cfg.RemoteEnabled() {
		t.Fatal("expected local storage by default")
	}
	if !cfg.Quota.FailOpen {
		t.Fatal("expected quota guard to fail open by default")
	}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.ExportDir, cfg.Paths.TempDir, cfg.Paths.LogDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected directory %q to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("expected %q to be directory", dir)
		}
	}
	info, err := os.Stat(cfg.Paths.ExportDir)
	if err != nil {
		t.Fatalf("stat export dir: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Fatalf("expected export dir to be owner-only, got %o", perm)
	}
}

func TestLoadCustomPath(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "chorus.toml")

	type payload struct {
		Export struct {
			MaxUnits int    `toml:"max_units"`
			Storage  string `toml:"storage"`
		} `toml:"export"`
		Remote struct {
			Endpoint string `toml:"endpoint"`
			Bucket   string `toml:"bucket"`
			Prefix   string `toml:"prefix"`
		} `toml:"remote"`
		Roles map[string]map[string]int `toml:"roles"`
	}
	custom := payload{}
	custom.Export.MaxUnits = 50
	custom.Export.Storage = " Remote "
	custom.Remote.Endpoint = "objects.example.com"
	custom.Remote.Bucket = "exports"
	custom.Remote.Prefix = "/batches/"
	custom.Roles = map[string]map[string]int{
		"Contributor": {"daily_download_limit": 9},
	}
	data, err := toml.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal custom config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write custom config: %v", err)
	}
	t.Setenv("CHORUS_REMOTE_ACCESS_KEY", "access")
	t.Setenv("CHORUS_REMOTE_SECRET_KEY", "secret")

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected exists to be true")
	}
	if resolved != configPath {
		t.Fatalf("unexpected resolved path: got %q want %q", resolved, configPath)
	}
	if cfg.Export.MaxUnits != 50 {
		t.Fatalf("expected max units 50, got %d", cfg.Export.MaxUnits)
	}
	if !cfg.RemoteEnabled() {
		t.Fatalf("expected remote storage, got %q", cfg.Export.Storage)
	}
	if cfg.Remote.Prefix != "batches" {
		t.Fatalf("expected trimmed prefix, got %q", cfg.Remote.Prefix)
	}
	if cfg.Remote.AccessKey != "access" || cfg.Remote.SecretKey != "secret" {
		t.Fatal("expected remote credentials from environment")
	}
	policy, ok := cfg.Roles["contributor"]
	if !ok || policy.DailyDownloadLimit == nil || *policy.DailyDownloadLimit != 9 {
		t.Fatalf("expected contributor override, got %#v", cfg.Roles)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{
			name:   "export threshold below validation",
			mutate: func(c *config.Config) { c.Consensus.ExportThreshold = 0.5 },
			want:   "consensus.export_threshold",
		},
		{
			name:   "unknown storage",
			mutate: func(c *config.Config) { c.Export.Storage = "tape" },
			want:   "export.storage",
		},
		{
			name:   "remote without bucket",
			mutate: func(c *config.Config) { c.Export.Storage = config.StorageRemote; c.Remote.Endpoint = "x" },
			want:   "remote.bucket",
		},
		{
			name:   "too many upload attempts",
			mutate: func(c *config.Config) { c.Remote.UploadAttempts = 10 },
			want:   "remote.upload_attempts",
		},
		{
			name:   "no upload attempts",
			mutate: func(c *config.Config) { c.Remote.UploadAttempts = -1 },
			want:   "remote.upload_attempts",
		},
		{
			name: "unknown role",
			mutate: func(c *config.Config) {
				c.Roles = map[string]config.RolePolicy{"superuser": {}}
			},
			want: "roles.superuser",
		},
		{
			name: "invalid download limit",
			mutate: func(c *config.Config) {
				limit := -5
				c.Roles = map[string]config.RolePolicy{"viewer": {DailyDownloadLimit: &limit}}
			},
			want: "daily_download_limit",
		},
		{
			name:   "critical below warning",
			mutate: func(c *config.Config) { c.Quota.CriticalRatio = 0.5 },
			want:   "quota.critical_ratio",
		},
		{
			name:   "heartbeat timeout too small",
			mutate: func(c *config.Config) { c.Workflow.HeartbeatTimeout = c.Workflow.HeartbeatInterval },
			want:   "workflow.heartbeat_timeout",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestCreateSampleIsLoadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load sample: %v", err)
	}
	if !exists {
		t.Fatal("expected sample to exist")
	}
	if cfg.Alerts.RetentionEntries != 1000 {
		t.Fatalf("expected sample alert retention 1000, got %d", cfg.Alerts.RetentionEntries)
	}
}

func TestEncodeTOMLMasksSecrets(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.APIToken = "s3cret-token"
	cfg.Remote.AccessKey = "AKIA123"
	cfg.Remote.SecretKey = ""

	data, err := cfg.EncodeTOML()
	if err != nil {
		t.Fatalf("EncodeTOML: %v", err)
	}
	if strings.Contains(string(data), "s3cret-token") || strings.Contains(string(data), "AKIA123") {
		t.Fatalf("secrets leaked:\n%s", data)
	}

	var decoded config.Config
	if err := toml.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Paths.APIToken != "<redacted>" {
		t.Fatalf("api_token = %q", decoded.Paths.APIToken)
	}
	if decoded.Remote.SecretKey != "" {
		t.Fatalf("empty secret should stay empty, got %q", decoded.Remote.SecretKey)
	}
	if cfg.Paths.APIToken != "s3cret-token" {
		t.Fatal("EncodeTOML must not mutate the receiver")
	}
}
