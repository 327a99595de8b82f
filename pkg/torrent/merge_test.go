package torrent

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestMergeKeepsHigherSeeders(t *testing.T) {
	a := []Item{{RawTitle: "X", Size: 100, Seeders: 3, Indexer: "one"}}
	b := []Item{{RawTitle: "X", Size: 100, Seeders: 9, Indexer: "two"}}

	merged := Merge(a, b)
	require.Len(t, merged, 1)
	require.Equal(t, 9, merged[0].Seeders)
	require.Equal(t, "two", merged[0].Indexer)
}

func TestMergeDisjoint(t *testing.T) {
	a := []Item{{RawTitle: "X", Size: 100}}
	b := []Item{{RawTitle: "X", Size: 200}, {RawTitle: "Y", Size: 100}}
	require.Len(t, Merge(a, b), 3)
}

func TestMergeCommutativeAndIdempotent(t *testing.T) {
	a := []Item{{RawTitle: "X", Size: 100, Seeders: 3}, {RawTitle: "Y", Size: 50, Seeders: 1}}
	b := []Item{{RawTitle: "X", Size: 100, Seeders: 9}}

	ab := Merge(a, b)
	ba := Merge(b, a)
	asSet := func(items []Item) map[mergeKey]Item {
		m := map[mergeKey]Item{}
		for _, it := range items {
			m[mergeKey{it.RawTitle, it.Size}] = it
		}
		return m
	}
	if diff := cmp.Diff(asSet(ab), asSet(ba)); diff != "" {
		t.Fatalf("merge not commutative as multiset (-ab +ba):\n%s", diff)
	}

	if diff := cmp.Diff(ab, Merge(ab, nil)); diff != "" {
		t.Fatalf("merge not idempotent (-once +twice):\n%s", diff)
	}
}
