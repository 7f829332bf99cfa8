package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir   string `toml:"data_dir"`
	ExportDir string `toml:"export_dir"`
	TempDir   string `toml:"temp_dir"`
	LogDir    string `toml:"log_dir"`
	APIBind   string `toml:"api_bind"`
	APIToken  string `toml:"api_token"`
}

// Consensus contains thresholds used when scoring candidate transcriptions.
type Consensus struct {
	// MinCandidates is the candidate count required for basic validation.
	MinCandidates int `toml:"min_candidates"`
	// ExportMinCandidates is the candidate count required before a unit may be exported.
	ExportMinCandidates int `toml:"export_min_candidates"`
	// ValidationThreshold is the quality score required for basic validation.
	ValidationThreshold float64 `toml:"validation_threshold"`
	// ExportThreshold is the quality score required before a unit may be exported.
	ExportThreshold     float64 `toml:"export_threshold"`
	SimilarityThreshold float64 `toml:"similarity_threshold"`
	// MaxLengthDifference is the largest allowed (longest-shortest)/longest ratio.
	MaxLengthDifference    float64 `toml:"max_length_difference"`
	MinTextLength          int     `toml:"min_text_length"`
	MaxTextLength          int     `toml:"max_text_length"`
	ReviewFailureThreshold int     `toml:"review_failure_threshold"`
	LockTTLSeconds         int     `toml:"lock_ttl_seconds"`
	MaxUnitsPerRequest     int     `toml:"max_units_per_request"`
	SubBatchSize           int     `toml:"sub_batch_size"`
	TaskMaxAttempts        int     `toml:"task_max_attempts"`
}

// Export contains batch selection and archive settings.
type Export struct {
	MaxUnits                int    `toml:"max_units"`
	MaxArtifactBytes        int64  `toml:"max_artifact_bytes"`
	Storage                 string `toml:"storage"`
	DefaultLanguage         string `toml:"default_language"`
	FormatVersion           string `toml:"format_version"`
	ScheduleIntervalMinutes int    `toml:"schedule_interval_minutes"`
	ScheduledMinUnits       int    `toml:"scheduled_min_units"`
	CleanupMaxAttempts      int    `toml:"cleanup_max_attempts"`
}

// Quota contains metered object-storage free-tier limits.
type Quota struct {
	Enabled           bool    `toml:"enabled"`
	ClassALimit       int64   `toml:"class_a_limit"`
	ClassBLimit       int64   `toml:"class_b_limit"`
	StorageLimitBytes int64   `toml:"storage_limit_bytes"`
	WarningRatio      float64 `toml:"warning_ratio"`
	CriticalRatio     float64 `toml:"critical_ratio"`
	// FailOpen allows exports when the usage counters cannot be read.
	FailOpen bool `toml:"fail_open"`
}

// Remote contains S3-compatible object storage settings.
type Remote struct {
	Endpoint          string `toml:"endpoint"`
	Bucket            string `toml:"bucket"`
	Region            string `toml:"region"`
	Prefix            string `toml:"prefix"`
	AccessKey         string `toml:"access_key"`
	SecretKey         string `toml:"secret_key"`
	UseSSL            bool   `toml:"use_ssl"`
	ServerSideEncrypt bool   `toml:"server_side_encryption"`
	PresignTTLSeconds int    `toml:"presign_ttl_seconds"`
	UploadAttempts    int    `toml:"upload_attempts"`
	BackoffMillis     int    `toml:"backoff_millis"`
}

// RolePolicy overrides the numeric limits of a built-in role.
type RolePolicy struct {
	MinBatchSize       *int `toml:"min_batch_size"`
	DailyDownloadLimit *int `toml:"daily_download_limit"`
}

// Workflow contains configuration for background task execution.
type Workflow struct {
	Workers            int `toml:"workers"`
	PollIntervalMillis int `toml:"poll_interval_millis"`
	RetryBackoffSecs   int `toml:"retry_backoff_seconds"`
	HeartbeatInterval  int `toml:"heartbeat_interval"`
	HeartbeatTimeout   int `toml:"heartbeat_timeout"`
	TaskTTLHours       int `toml:"task_ttl_hours"`
}

// Alerts contains thresholds for the operational alert monitor.
type Alerts struct {
	IntervalSeconds      int     `toml:"interval_seconds"`
	ConsecutiveFailures  int     `toml:"consecutive_failures"`
	BacklogThreshold     int     `toml:"backlog_threshold"`
	ConsensusFailureRate float64 `toml:"consensus_failure_rate"`
	MinConsensusSamples  int     `toml:"min_consensus_samples"`
	RetentionEntries     int     `toml:"retention_entries"`
	RetentionDays        int     `toml:"retention_days"`
	CooldownMinutes      int     `toml:"cooldown_minutes"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
	// RetentionDays prunes per-run daemon logs older than this; 0 keeps all.
	RetentionDays int `toml:"retention_days"`
}

// Config encapsulates all configuration values for chorus.
//
// Configuration sections by subsystem:
//   - Paths: database, export, temp and log directories plus API bind address
//   - Consensus: agreement thresholds and per-unit lock TTL
//   - Export: batch size, artifact cap, storage backend and scheduling
//   - Quota: free-tier limits for the remote object store
//   - Remote: S3-compatible endpoint and credentials
//   - Roles: per-role overrides of minimum batch size and daily downloads
//   - Workflow: background worker pool and task retention
//   - Alerts: operational alert thresholds and retention
//   - Logging: log format, level and run-log retention
type Config struct {
	Paths     Paths                 `toml:"paths"`
	Consensus Consensus             `toml:"consensus"`
	Export    Export                `toml:"export"`
	Quota     Quota                 `toml:"quota"`
	Remote    Remote                `toml:"remote"`
	Roles     map[string]RolePolicy `toml:"roles"`
	Workflow  Workflow              `toml:"workflow"`
	Alerts    Alerts                `toml:"alerts"`
	Logging   Logging               `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/chorus/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("chorus.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.ExportDir, c.Paths.TempDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	// Finished archives are owner-only; keep the directory private as well.
	if strings.TrimSpace(c.Paths.ExportDir) != "" {
		if err := os.Chmod(c.Paths.ExportDir, 0o700); err != nil {
			return fmt.Errorf("restrict export directory %q: %w", c.Paths.ExportDir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "chorus.db")
}

// RemoteEnabled reports whether batches are persisted to the remote object store.
func (c *Config) RemoteEnabled() bool {
	return c.Export.Storage == StorageRemote
}

const redactedValue = "<redacted>"

// Redacted returns a copy with the API token and remote credentials masked.
func (c *Config) Redacted() Config {
	out := *c
	for _, secret := range []*string{&out.Paths.APIToken, &out.Remote.AccessKey, &out.Remote.SecretKey} {
		if *secret != "" {
			*secret = redactedValue
		}
	}
	out.Roles = make(map[string]RolePolicy, len(c.Roles))
	for name, policy := range c.Roles {
		out.Roles[name] = policy
	}
	return out
}

// EncodeTOML renders the redacted effective configuration.
func (c *Config) EncodeTOML() ([]byte, error) {
	redacted := c.Redacted()
	data, err := toml.Marshal(&redacted)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
