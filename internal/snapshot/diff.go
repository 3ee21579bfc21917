package snapshot

import "sort"

// Diff returns id -> url of listings present in current but not in previous.
// Only shops present in both snapshots are compared; a nil previous yields an
// empty delta.
func Diff(current, previous *Snapshot) map[string]string {
	delta := make(map[string]string)
	if current == nil || previous == nil {
		return delta
	}
	for shop, ids := range current.Shops {
		before, ok := previous.Shops[shop]
		if !ok {
			continue
		}
		for id, url := range ids {
			if _, seen := before[id]; !seen {
				delta[id] = url
			}
		}
	}
	return delta
}

// FirstSeenShops lists shops of current that previous does not know
func FirstSeenShops(current, previous *Snapshot) []string {
	var shops []string
	if current == nil {
		return shops
	}
	for shop := range current.Shops {
		if previous == nil {
			shops = append(shops, shop)
			continue
		}
		if _, ok := previous.Shops[shop]; !ok {
			shops = append(shops, shop)
		}
	}
	sort.Strings(shops)
	return shops
}

// SortedIDs returns the ids of a delta in ascending order
func SortedIDs(delta map[string]string) []string {
	ids := make([]string, 0, len(delta))
	for id := range delta {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
