// Package diff turns two snapshots of a repository into typed change events
// and renders them as chat messages.
package diff

import "gitwatch/internal/watch"

// Diff returns one delta per counter that differs between old and fresh, in
// watch.Fields order. Metadata (description, language, size) never produces
// a delta. Ownership and name are taken from old.
func Diff(old, fresh watch.Snapshot) []watch.Delta {
	var out []watch.Delta
	fc := fresh.Counters.Clamp()
	for _, f := range watch.Fields {
		o, n := old.Get(f), fc.Get(f)
		if o == n {
			continue
		}
		out = append(out, watch.Delta{
			SubscriberID: old.SubscriberID,
			FullName:     old.FullName,
			Field:        f,
			Old:          o,
			New:          n,
		})
	}
	return out
}
