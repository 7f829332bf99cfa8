package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// RoleNames lists the closed set of caller roles recognised by [roles] overrides.
var RoleNames = []string{"viewer", "contributor", "reviewer", "admin", "system"}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateConsensus(); err != nil {
		return err
	}
	if err := c.validateExport(); err != nil {
		return err
	}
	if err := c.validateQuota(); err != nil {
		return err
	}
	if err := c.validateRemote(); err != nil {
		return err
	}
	if err := c.validateRoles(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateAlerts(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateConsensus() error {
	cfg := c.Consensus
	if err := ensurePositiveMap(map[string]int{
		"consensus.min_candidates":           cfg.MinCandidates,
		"consensus.export_min_candidates":    cfg.ExportMinCandidates,
		"consensus.max_text_length":          cfg.MaxTextLength,
		"consensus.review_failure_threshold": cfg.ReviewFailureThreshold,
		"consensus.lock_ttl_seconds":         cfg.LockTTLSeconds,
		"consensus.max_units_per_request":    cfg.MaxUnitsPerRequest,
		"consensus.sub_batch_size":           cfg.SubBatchSize,
		"consensus.task_max_attempts":        cfg.TaskMaxAttempts,
	}); err != nil {
		return err
	}
	if err := ensureRatioMap(map[string]float64{
		"consensus.validation_threshold":  cfg.ValidationThreshold,
		"consensus.export_threshold":      cfg.ExportThreshold,
		"consensus.similarity_threshold":  cfg.SimilarityThreshold,
		"consensus.max_length_difference": cfg.MaxLengthDifference,
	}); err != nil {
		return err
	}
	if cfg.ExportMinCandidates < cfg.MinCandidates {
		return errors.New("consensus.export_min_candidates must be >= consensus.min_candidates")
	}
	if cfg.ExportThreshold < cfg.ValidationThreshold {
		return errors.New("consensus.export_threshold must be >= consensus.validation_threshold")
	}
	if cfg.MinTextLength < 0 {
		return errors.New("consensus.min_text_length must be >= 0")
	}
	if cfg.MinTextLength >= cfg.MaxTextLength {
		return errors.New("consensus.min_text_length must be less than consensus.max_text_length")
	}
	return nil
}

func (c *Config) validateExport() error {
	if c.Export.MaxUnits <= 0 {
		return errors.New("export.max_units must be positive")
	}
	if c.Export.MaxArtifactBytes <= 0 {
		return errors.New("export.max_artifact_bytes must be positive")
	}
	switch c.Export.Storage {
	case StorageLocal, StorageRemote:
	default:
		return fmt.Errorf("export.storage must be %q or %q, got %q", StorageLocal, StorageRemote, c.Export.Storage)
	}
	if c.Export.ScheduleIntervalMinutes < 0 {
		return errors.New("export.schedule_interval_minutes must be >= 0")
	}
	if c.Export.ScheduledMinUnits <= 0 {
		return errors.New("export.scheduled_min_units must be positive")
	}
	if c.Export.CleanupMaxAttempts <= 0 {
		return errors.New("export.cleanup_max_attempts must be positive")
	}
	return nil
}

func (c *Config) validateQuota() error {
	if !c.Quota.Enabled {
		return nil
	}
	if c.Quota.ClassALimit <= 0 || c.Quota.ClassBLimit <= 0 || c.Quota.StorageLimitBytes <= 0 {
		return errors.New("quota.class_a_limit, quota.class_b_limit and quota.storage_limit_bytes must be positive when quota.enabled is true")
	}
	if c.Quota.WarningRatio <= 0 || c.Quota.WarningRatio > 1 {
		return errors.New("quota.warning_ratio must be between 0 and 1")
	}
	if c.Quota.CriticalRatio < c.Quota.WarningRatio || c.Quota.CriticalRatio > 1 {
		return errors.New("quota.critical_ratio must be between quota.warning_ratio and 1")
	}
	return nil
}

func (c *Config) validateRemote() error {
	if c.Remote.UploadAttempts < 1 || c.Remote.UploadAttempts > maxUploadAttempts {
		return fmt.Errorf("remote.upload_attempts must be between 1 and %d, got %d", maxUploadAttempts, c.Remote.UploadAttempts)
	}
	if !c.RemoteEnabled() {
		return nil
	}
	if c.Remote.Endpoint == "" {
		return errors.New("remote.endpoint must be set when export.storage is remote")
	}
	if c.Remote.Bucket == "" {
		return errors.New("remote.bucket must be set when export.storage is remote")
	}
	if c.Remote.AccessKey == "" || c.Remote.SecretKey == "" {
		return errors.New("remote.access_key and remote.secret_key must be set when export.storage is remote (or set CHORUS_REMOTE_ACCESS_KEY / CHORUS_REMOTE_SECRET_KEY)")
	}
	return nil
}

func (c *Config) validateRoles() error {
	known := make(map[string]struct{}, len(RoleNames))
	for _, name := range RoleNames {
		known[name] = struct{}{}
	}
	names := make([]string, 0, len(c.Roles))
	for name := range c.Roles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := known[name]; !ok {
			return fmt.Errorf("roles.%s: unknown role (expected one of %s)", name, strings.Join(RoleNames, ", "))
		}
		policy := c.Roles[name]
		if policy.MinBatchSize != nil && *policy.MinBatchSize < 1 {
			return fmt.Errorf("roles.%s.min_batch_size must be >= 1", name)
		}
		if policy.DailyDownloadLimit != nil && *policy.DailyDownloadLimit < -1 {
			return fmt.Errorf("roles.%s.daily_download_limit must be -1 (unlimited), 0 (none) or positive", name)
		}
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.workers":               c.Workflow.Workers,
		"workflow.poll_interval_millis":  c.Workflow.PollIntervalMillis,
		"workflow.retry_backoff_seconds": c.Workflow.RetryBackoffSecs,
		"workflow.task_ttl_hours":        c.Workflow.TaskTTLHours,
	}); err != nil {
		return err
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		return errors.New("workflow.heartbeat_interval must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.heartbeat_timeout must be greater than workflow.heartbeat_interval")
	}
	return nil
}

func (c *Config) validateAlerts() error {
	if err := ensurePositiveMap(map[string]int{
		"alerts.interval_seconds":     c.Alerts.IntervalSeconds,
		"alerts.consecutive_failures": c.Alerts.ConsecutiveFailures,
		"alerts.backlog_threshold":    c.Alerts.BacklogThreshold,
		"alerts.retention_entries":    c.Alerts.RetentionEntries,
		"alerts.retention_days":       c.Alerts.RetentionDays,
	}); err != nil {
		return err
	}
	if c.Alerts.ConsensusFailureRate <= 0 || c.Alerts.ConsensusFailureRate > 1 {
		return errors.New("alerts.consensus_failure_rate must be between 0 and 1")
	}
	if c.Alerts.CooldownMinutes < 0 {
		return errors.New("alerts.cooldown_minutes must be >= 0")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}

func ensureRatioMap(values map[string]float64) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] < 0 || values[key] > 1 {
			return fmt.Errorf("%s must be between 0 and 1", key)
		}
	}
	return nil
}
