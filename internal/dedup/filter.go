// Package dedup filters records a target has recently delivered so the
// same posting is published at most once per recency window.
package dedup

import "github.com/jobsift/harvester/internal/harvest"

// DefaultRecencyCap bounds the per-target seen-ID list.
const DefaultRecencyCap = 500

// Filter removes records whose external ID is in seen and returns the
// fresh records (input order preserved) alongside the updated seen list.
// The updated list puts this run's fresh IDs first, then the prior IDs,
// truncated at cap, so the oldest IDs age out. A cap of zero or below
// uses DefaultRecencyCap.
//
// Records within a single batch are also deduplicated against each other;
// the first occurrence wins.
func Filter(seen []string, records []harvest.NormalizedRecord, cap int) ([]harvest.NormalizedRecord, []string) {
	if cap <= 0 {
		cap = DefaultRecencyCap
	}

	known := make(map[string]struct{}, len(seen))
	for _, id := range seen {
		known[id] = struct{}{}
	}

	fresh := make([]harvest.NormalizedRecord, 0, len(records))
	freshIDs := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.ExternalID == "" {
			continue
		}
		if _, dup := known[rec.ExternalID]; dup {
			continue
		}
		known[rec.ExternalID] = struct{}{}
		fresh = append(fresh, rec)
		freshIDs = append(freshIDs, rec.ExternalID)
	}

	updated := make([]string, 0, len(freshIDs)+len(seen))
	updated = append(updated, freshIDs...)
	updated = append(updated, seen...)
	if len(updated) > cap {
		updated = updated[:cap]
	}
	return fresh, updated
}
