// Package archive stores raw page snapshots for post-hoc diagnostics,
// with in-memory, local filesystem, and GCS backends.
package archive

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/jobsift/harvester/internal/harvest"
)

// snapshotPath builds the object path for one snapshot. Snapshots are
// grouped per target and timestamped so successive crawls never collide.
func snapshotPath(targetID string, clock harvest.Clock) string {
	ts := clock.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s/%s-%s.html", targetID, ts, uuid.NewString()[:8])
}
