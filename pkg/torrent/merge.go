package torrent

// mergeKey identifies a result across indexers. Infohashes aren't always
// known at merge time, so raw title and size have to do.
type mergeKey struct {
	rawTitle string
	size     int64
}

// Merge combines two result lists, deduplicating on (raw title, size).
// On collision the entry with more seeders wins. Commutative as a multiset
// (modulo the seeders tiebreak) and idempotent.
func Merge(a, b []Item) []Item {
	merged := make(map[mergeKey]Item, len(a)+len(b))
	order := make([]mergeKey, 0, len(a)+len(b))
	for _, items := range [][]Item{a, b} {
		for _, item := range items {
			key := mergeKey{rawTitle: item.RawTitle, size: item.Size}
			existing, ok := merged[key]
			if !ok {
				merged[key] = item
				order = append(order, key)
				continue
			}
			if item.Seeders > existing.Seeders {
				merged[key] = item
			}
		}
	}
	result := make([]Item, 0, len(order))
	for _, key := range order {
		result = append(result, merged[key])
	}
	return result
}
