package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeExport()
	c.normalizeRemote()
	c.normalizeRoles()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.ExportDir, err = expandPath(c.Paths.ExportDir); err != nil {
		return fmt.Errorf("paths.export_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.TempDir) == "" {
		c.Paths.TempDir = defaultTempDir
	}
	if c.Paths.TempDir, err = expandPath(c.Paths.TempDir); err != nil {
		return fmt.Errorf("paths.temp_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("CHORUS_API_TOKEN"); ok {
			c.Paths.APIToken = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeExport() {
	c.Export.Storage = strings.ToLower(strings.TrimSpace(c.Export.Storage))
	if c.Export.Storage == "" {
		c.Export.Storage = StorageLocal
	}
	c.Export.DefaultLanguage = strings.ToLower(strings.TrimSpace(c.Export.DefaultLanguage))
	if c.Export.DefaultLanguage == "" {
		c.Export.DefaultLanguage = defaultLanguage
	}
	c.Export.FormatVersion = strings.TrimSpace(c.Export.FormatVersion)
	if c.Export.FormatVersion == "" {
		c.Export.FormatVersion = defaultFormatVersion
	}
}

func (c *Config) normalizeRemote() {
	c.Remote.Endpoint = strings.TrimSpace(c.Remote.Endpoint)
	c.Remote.Bucket = strings.TrimSpace(c.Remote.Bucket)
	c.Remote.Region = strings.TrimSpace(c.Remote.Region)
	c.Remote.Prefix = strings.Trim(strings.TrimSpace(c.Remote.Prefix), "/")
	c.Remote.AccessKey = strings.TrimSpace(c.Remote.AccessKey)
	if value, ok := os.LookupEnv("CHORUS_REMOTE_ACCESS_KEY"); ok && strings.TrimSpace(value) != "" {
		c.Remote.AccessKey = strings.TrimSpace(value)
	}
	c.Remote.SecretKey = strings.TrimSpace(c.Remote.SecretKey)
	if value, ok := os.LookupEnv("CHORUS_REMOTE_SECRET_KEY"); ok && strings.TrimSpace(value) != "" {
		c.Remote.SecretKey = strings.TrimSpace(value)
	}
	if c.Remote.PresignTTLSeconds <= 0 {
		c.Remote.PresignTTLSeconds = defaultPresignTTLSeconds
	}
	if c.Remote.UploadAttempts <= 0 {
		c.Remote.UploadAttempts = defaultUploadAttempts
	}
	if c.Remote.BackoffMillis <= 0 {
		c.Remote.BackoffMillis = defaultUploadBackoffMillis
	}
}

func (c *Config) normalizeRoles() {
	if len(c.Roles) == 0 {
		return
	}
	normalized := make(map[string]RolePolicy, len(c.Roles))
	for name, policy := range c.Roles {
		normalized[strings.ToLower(strings.TrimSpace(name))] = policy
	}
	c.Roles = normalized
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	c.Logging.RetentionDays = max(c.Logging.RetentionDays, 0)
}
