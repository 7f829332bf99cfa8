package preflight

import (
	"context"
	"strings"

	"chorus/internal/config"
	"chorus/internal/services/objectstore"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
// The object store is only checked when remote storage is configured and
// client is non-nil.
func RunAll(ctx context.Context, cfg *config.Config, client objectstore.Client) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckDirectoryAccess("Export directory", cfg.Paths.ExportDir),
		CheckDirectoryAccess("Temp directory", cfg.Paths.TempDir),
	}

	if cfg.RemoteEnabled() {
		results = append(results, CheckObjectStore(ctx, cfg.Remote.Bucket, client))
	}
	return results
}

// Failed returns the names and details of failing checks.
func Failed(results []Result) []string {
	var failed []string
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, strings.TrimSpace(r.Name+": "+r.Detail))
		}
	}
	return failed
}
