// Package presence turns raw presence snapshots into online counts.
package presence

import "hive-chat/domain"

// CountOnline returns the number of distinct connection keys in the snapshot.
// A key carrying several stacked records counts once.
// Callers recompute it after every sync, join and leave event instead of
// applying diffs, so the count cannot drift.
func CountOnline(snapshot domain.PresenceSnapshot) int {
	return len(snapshot)
}
