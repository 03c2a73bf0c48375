// Package retention contains the pure decision logic for backup
// retention sweeps. No I/O; the backup manager applies the decisions.
package retention

import (
	"sort"
	"time"

	"github.com/fleetworks/rollout/internal/core/domain"
)

// Expired returns the backups to delete under the given retention age:
// every backup older than maxAge, except the newest backup per host,
// which is never deleted regardless of age so that at least one restore
// point is always available.
func Expired(backups []domain.Backup, maxAge time.Duration, now time.Time) []domain.Backup {
	cutoff := now.Add(-maxAge)

	newest := newestPerHost(backups)

	var expired []domain.Backup
	for _, b := range backups {
		if b.ID == newest[b.Host] {
			continue
		}
		if b.CreatedAt.Before(cutoff) {
			expired = append(expired, b)
		}
	}

	// Stable order for logging and tests: oldest first.
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].CreatedAt.Before(expired[j].CreatedAt)
	})
	return expired
}

// newestPerHost maps each host to the ID of its most recent backup.
func newestPerHost(backups []domain.Backup) map[string]string {
	newestAt := make(map[string]time.Time)
	newest := make(map[string]string)
	for _, b := range backups {
		if at, ok := newestAt[b.Host]; !ok || b.CreatedAt.After(at) {
			newestAt[b.Host] = b.CreatedAt
			newest[b.Host] = b.ID
		}
	}
	return newest
}
