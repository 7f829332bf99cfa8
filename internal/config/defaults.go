package config

const (
	// StorageLocal keeps finished archives in paths.export_dir.
	StorageLocal = "local"
	// StorageRemote uploads finished archives to the S3-compatible object store.
	StorageRemote = "remote"
)

const (
	defaultDataDir                 = "~/.local/share/chorus"
	defaultExportDir               = "~/.local/share/chorus/exports"
	defaultTempDir                 = "~/.local/share/chorus/tmp"
	defaultLogDir                  = "~/.local/share/chorus/logs"
	defaultAPIBind                 = "127.0.0.1:7490"
	defaultLogFormat               = "console"
	defaultLogLevel                = "info"
	defaultLogRetentionDays        = 14
	defaultMinCandidates           = 2
	defaultExportMinCandidates     = 5
	defaultValidationThreshold     = 0.75
	defaultExportThreshold         = 0.90
	defaultSimilarityThreshold     = 0.70
	defaultMaxLengthDifference     = 0.30
	defaultMinTextLength           = 5
	defaultMaxTextLength           = 500
	defaultReviewFailureThreshold  = 3
	defaultLockTTLSeconds          = 60
	defaultMaxUnitsPerRequest      = 1000
	defaultSubBatchSize            = 100
	defaultConsensusMaxAttempts    = 5
	defaultExportMaxUnits          = 200
	defaultMaxArtifactBytes        = 50 << 20
	defaultLanguage                = "en"
	defaultFormatVersion           = "1.0"
	defaultScheduledMinUnits       = 200
	defaultCleanupMaxAttempts      = 5
	defaultClassALimit             = 1_000_000
	defaultClassBLimit             = 10_000_000
	defaultStorageLimitBytes       = 10 << 30
	defaultQuotaWarningRatio       = 0.80
	defaultQuotaCriticalRatio      = 0.95
	defaultPresignTTLSeconds       = 3600
	defaultUploadAttempts          = 3
	maxUploadAttempts              = 3
	defaultUploadBackoffMillis     = 500
	defaultWorkers                 = 4
	defaultPollIntervalMillis      = 1000
	defaultRetryBackoffSeconds     = 5
	defaultHeartbeatInterval       = 15
	defaultHeartbeatTimeout        = 120
	defaultTaskTTLHours            = 72
	defaultAlertIntervalSeconds    = 300
	defaultAlertConsecutiveFailure = 3
	defaultAlertBacklogThreshold   = 500
	defaultAlertConsensusFailure   = 0.10
	defaultAlertMinSamples         = 20
	defaultAlertRetentionEntries   = 1000
	defaultAlertRetentionDays      = 7
	defaultAlertCooldownMinutes    = 60
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:   defaultDataDir,
			ExportDir: defaultExportDir,
			TempDir:   defaultTempDir,
			LogDir:    defaultLogDir,
			APIBind:   defaultAPIBind,
		},
		Consensus: Consensus{
			MinCandidates:          defaultMinCandidates,
			ExportMinCandidates:    defaultExportMinCandidates,
			ValidationThreshold:    defaultValidationThreshold,
			ExportThreshold:        defaultExportThreshold,
			SimilarityThreshold:    defaultSimilarityThreshold,
			MaxLengthDifference:    defaultMaxLengthDifference,
			MinTextLength:          defaultMinTextLength,
			MaxTextLength:          defaultMaxTextLength,
			ReviewFailureThreshold: defaultReviewFailureThreshold,
			LockTTLSeconds:         defaultLockTTLSeconds,
			MaxUnitsPerRequest:     defaultMaxUnitsPerRequest,
			SubBatchSize:           defaultSubBatchSize,
			TaskMaxAttempts:        defaultConsensusMaxAttempts,
		},
		Export: Export{
			MaxUnits:           defaultExportMaxUnits,
			MaxArtifactBytes:   defaultMaxArtifactBytes,
			Storage:            StorageLocal,
			DefaultLanguage:    defaultLanguage,
			FormatVersion:      defaultFormatVersion,
			ScheduledMinUnits:  defaultScheduledMinUnits,
			CleanupMaxAttempts: defaultCleanupMaxAttempts,
		},
		Quota: Quota{
			Enabled:           true,
			ClassALimit:       defaultClassALimit,
			ClassBLimit:       defaultClassBLimit,
			StorageLimitBytes: defaultStorageLimitBytes,
			WarningRatio:      defaultQuotaWarningRatio,
			CriticalRatio:     defaultQuotaCriticalRatio,
			FailOpen:          true,
		},
		Remote: Remote{
			UseSSL:            true,
			ServerSideEncrypt: true,
			PresignTTLSeconds: defaultPresignTTLSeconds,
			UploadAttempts:    defaultUploadAttempts,
			BackoffMillis:     defaultUploadBackoffMillis,
		},
		Workflow: Workflow{
			Workers:            defaultWorkers,
			PollIntervalMillis: defaultPollIntervalMillis,
			RetryBackoffSecs:   defaultRetryBackoffSeconds,
			HeartbeatInterval:  defaultHeartbeatInterval,
			HeartbeatTimeout:   defaultHeartbeatTimeout,
			TaskTTLHours:       defaultTaskTTLHours,
		},
		Alerts: Alerts{
			IntervalSeconds:      defaultAlertIntervalSeconds,
			ConsecutiveFailures:  defaultAlertConsecutiveFailure,
			BacklogThreshold:     defaultAlertBacklogThreshold,
			ConsensusFailureRate: defaultAlertConsensusFailure,
			MinConsensusSamples:  defaultAlertMinSamples,
			RetentionEntries:     defaultAlertRetentionEntries,
			RetentionDays:        defaultAlertRetentionDays,
			CooldownMinutes:      defaultAlertCooldownMinutes,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
