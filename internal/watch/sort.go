package watch

import "sort"

// SortByName orders snapshots by folded name, then entity id, then subscriber id.
func SortByName(s []Snapshot) {
	sort.SliceStable(s, func(i, j int) bool {
		a, b := FoldName(s[i].FullName), FoldName(s[j].FullName)
		if a != b {
			return a < b
		}
		if s[i].EntityID != s[j].EntityID {
			return s[i].EntityID < s[j].EntityID
		}
		return s[i].SubscriberID < s[j].SubscriberID
	})
}
