package testsupport

import (
	"path/filepath"
	"testing"

	"chorus/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.ExportDir = filepath.Join(base, "exports")
	cfgVal.Paths.TempDir = filepath.Join(base, "tmp")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Workflow.PollIntervalMillis = 10
	cfgVal.Workflow.RetryBackoffSecs = 1

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithRemoteStorage switches the config to the remote backend with dummy credentials.
func WithRemoteStorage() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Export.Storage = config.StorageRemote
		b.cfg.Remote.Endpoint = "objects.test"
		b.cfg.Remote.Bucket = "chorus-test"
		b.cfg.Remote.AccessKey = "access"
		b.cfg.Remote.SecretKey = "secret"
		b.cfg.Remote.BackoffMillis = 1
	}
}

// WithMaxUnits caps the number of units per batch.
func WithMaxUnits(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Export.MaxUnits = n
	}
}

// WithRoleMinimum overrides the minimum batch size for a role.
func WithRoleMinimum(role string, min int) ConfigOption {
	return func(b *configBuilder) {
		if b.cfg.Roles == nil {
			b.cfg.Roles = map[string]config.RolePolicy{}
		}
		policy := b.cfg.Roles[role]
		policy.MinBatchSize = &min
		b.cfg.Roles[role] = policy
	}
}

// WithDownloadLimit overrides the daily download limit for a role.
func WithDownloadLimit(role string, limit int) ConfigOption {
	return func(b *configBuilder) {
		if b.cfg.Roles == nil {
			b.cfg.Roles = map[string]config.RolePolicy{}
		}
		policy := b.cfg.Roles[role]
		policy.DailyDownloadLimit = &limit
		b.cfg.Roles[role] = policy
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}

// WithAPIToken requires a bearer token on the daemon API.
func WithAPIToken(token string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Paths.APIToken = token
	}
}
