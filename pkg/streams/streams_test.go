package streams

import (
	"errors"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intCmp(a, b int) int { return a - b }

func TestFromSliceAndCollect(t *testing.T) {
	out, err := Collect(FromSlice([]int{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, out)
}

func TestEmpty(t *testing.T) {
	out, err := Collect(Empty[int]())
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestMergeZeroAndSingleInput(t *testing.T) {
	out, err := Collect(Merge[int]())
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = Collect(Merge(FromSlice([]int{4, 5})))
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, out)
}

func TestMergePreservesPerInputOrder(t *testing.T) {
	out, err := Collect(Merge(FromSlice([]int{1, 3, 5}), FromSlice([]int{2, 4})))
	require.NoError(t, err)
	assert.Len(t, out, 5)

	// relative order within each input survives interleaving
	positions := map[int]int{}
	for i, v := range out {
		positions[v] = i
	}
	assert.Less(t, positions[1], positions[3])
	assert.Less(t, positions[3], positions[5])
	assert.Less(t, positions[2], positions[4])
}

func TestMergeOrderedIsSortedPermutation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var inputs []Stream[int]
	var all []int
	for i := 0; i < 5; i++ {
		n := rng.Intn(20)
		items := make([]int, n)
		for j := range items {
			items[j] = rng.Intn(100)
		}
		sort.Ints(items)
		all = append(all, items...)
		inputs = append(inputs, FromSlice(items))
	}

	out, err := Collect(MergeOrdered(intCmp, inputs...))
	require.NoError(t, err)

	assert.True(t, sort.IntsAreSorted(out), "merged output must be sorted")
	sort.Ints(all)
	assert.Equal(t, all, out, "merged output must be a permutation of the inputs")
}

func TestMergeOrderedStableOnTies(t *testing.T) {
	type rec struct {
		key int
		src int
	}
	cmp := func(a, b rec) int { return a.key - b.key }

	left := FromSlice([]rec{{1, 0}, {2, 0}})
	right := FromSlice([]rec{{1, 1}, {2, 1}})

	out, err := Collect(MergeOrdered(cmp, left, right))
	require.NoError(t, err)
	assert.Equal(t, []rec{{1, 0}, {1, 1}, {2, 0}, {2, 1}}, out)
}

func TestMergeOrderedLaziness(t *testing.T) {
	pulled := 0
	src := Generate(func() (int, bool) {
		pulled++
		return pulled, true
	}, nil)

	merged := MergeOrdered(intCmp, src, FromSlice([]int{100}))
	_, ok := merged.Next()
	require.True(t, ok)
	assert.LessOrEqual(t, pulled, 2, "merge must not drain the infinite input")
}

func TestGeneratePropagatesError(t *testing.T) {
	wantErr := errors.New("cursor failed")
	n := 0
	src := Generate(func() (int, bool) {
		n++
		if n > 2 {
			return 0, false
		}
		return n, true
	}, func() error { return wantErr })

	out, err := Collect(src)
	assert.Equal(t, []int{1, 2}, out)
	assert.ErrorIs(t, err, wantErr)
}

func TestMapFilterDistinctLimit(t *testing.T) {
	src := FromSlice([]int{1, 2, 2, 3, 4, 4, 5, 6})

	doubled := Map(src, func(v int) int { return v * 2 })
	evens := Filter(doubled, func(v int) bool { return v%4 == 0 })
	distinct := DistinctBy(evens, func(v int) string { return string(rune(v)) })
	limited := Limit(distinct, 2)

	out, err := Collect(limited)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 8}, out)
}
