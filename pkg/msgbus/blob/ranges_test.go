package blob

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInsertRangeMergesOverlaps(t *testing.T) {
	var r []Range
	r = insertRange(r, 10, 20)
	r = insertRange(r, 30, 40)
	r = insertRange(r, 20, 30) // bridges the gap
	assert.Equal(t, []Range{{10, 40}}, r)

	r = insertRange(r, 10, 40) // idempotent replay
	assert.Equal(t, []Range{{10, 40}}, r)
}

func TestSubtractRangeSplits(t *testing.T) {
	r := []Range{{0, 100}}
	r = subtractRange(r, 20, 40)
	assert.Equal(t, []Range{{0, 20}, {40, 100}}, r)
}

func TestComplement(t *testing.T) {
	done := []Range{{10, 20}, {30, 40}}
	assert.Equal(t, []Range{{0, 10}, {20, 30}, {40, 100}}, complement(done, 100))
}

// TestMergeOrderIndependence checks that merging a fixed set of disjoint
// fragments in any order converges to the same done-ranges, matching
// spec §8 invariant 5/6.
func TestMergeOrderIndependence(t *testing.T) {
	frags := [][2]int64{{0, 10}, {10, 25}, {40, 50}, {25, 40}, {50, 100}}
	rng := rand.New(rand.NewSource(1))

	var want []Range
	for _, f := range frags {
		want = insertRange(want, f[0], f[1])
	}

	for trial := 0; trial < 20; trial++ {
		order := rng.Perm(len(frags))
		var got []Range
		for _, i := range order {
			got = insertRange(got, frags[i][0], frags[i][1])
		}
		assert.Equal(t, want, got)
	}
}
