// Package roles resolves caller roles into capability records. Every
// permission decision in chorus goes through Resolve rather than comparing
// role strings at the call site.
package roles

import (
	"fmt"
	"strings"

	"chorus/internal/config"
)

// Role is one of the closed set of caller roles.
type Role string

const (
	Viewer      Role = "viewer"
	Contributor Role = "contributor"
	Reviewer    Role = "reviewer"
	Admin       Role = "admin"
	System      Role = "system"
)

// Unlimited is the DailyDownloadLimit sentinel for callers without a cap.
const Unlimited = -1

// Capabilities describes what a role may do.
type Capabilities struct {
	Role           Role
	CanCreateBatch bool
	CanForceCreate bool
	CanReview      bool
	// MinBatchSize is the number of ready units required before a non-forced
	// batch may be created.
	MinBatchSize int
	// DailyDownloadLimit is 0 for no downloads and Unlimited for no cap.
	DailyDownloadLimit int
}

// UnlimitedDownloads reports whether downloads are uncapped.
func (c Capabilities) UnlimitedDownloads() bool {
	return c.DailyDownloadLimit < 0
}

// Parse validates a role name.
func Parse(value string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	switch role {
	case Viewer, Contributor, Reviewer, Admin, System:
		return role, nil
	case "":
		return "", fmt.Errorf("role is required")
	default:
		return "", fmt.Errorf("unknown role %q", value)
	}
}

// Table resolves roles to capabilities using configured overrides.
type Table struct {
	caps map[Role]Capabilities
}

// NewTable builds the capability table from defaults plus [roles] overrides.
func NewTable(cfg *config.Config) *Table {
	scheduledMin := 200
	if cfg != nil && cfg.Export.ScheduledMinUnits > 0 {
		scheduledMin = cfg.Export.ScheduledMinUnits
	}
	caps := map[Role]Capabilities{
		Viewer:      {Role: Viewer},
		Contributor: {Role: Contributor, CanCreateBatch: true, MinBatchSize: 100, DailyDownloadLimit: 5},
		Reviewer:    {Role: Reviewer, CanCreateBatch: true, CanReview: true, MinBatchSize: 50, DailyDownloadLimit: 20},
		Admin:       {Role: Admin, CanCreateBatch: true, CanForceCreate: true, CanReview: true, MinBatchSize: 1, DailyDownloadLimit: Unlimited},
		System:      {Role: System, CanCreateBatch: true, MinBatchSize: scheduledMin, DailyDownloadLimit: Unlimited},
	}
	if cfg != nil {
		for name, policy := range cfg.Roles {
			role := Role(name)
			c, ok := caps[role]
			if !ok {
				continue
			}
			if policy.MinBatchSize != nil {
				c.MinBatchSize = *policy.MinBatchSize
			}
			if policy.DailyDownloadLimit != nil {
				c.DailyDownloadLimit = *policy.DailyDownloadLimit
			}
			caps[role] = c
		}
	}
	return &Table{caps: caps}
}

// Resolve returns the capabilities of role.
func (t *Table) Resolve(role Role) (Capabilities, error) {
	c, ok := t.caps[role]
	if !ok {
		return Capabilities{}, fmt.Errorf("unknown role %q", role)
	}
	return c, nil
}

// Caller identifies who is invoking an operation.
type Caller struct {
	UserID string
	Role   Role
}

// SystemCaller is used for scheduled runs.
func SystemCaller() Caller {
	return Caller{UserID: "system", Role: System}
}
