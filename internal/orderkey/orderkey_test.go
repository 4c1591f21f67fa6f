package orderkey

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateBothBoundsMissing(t *testing.T) {
	key, err := Allocate("", "", nil)
	require.NoError(t, err)
	assert.Equal(t, Default, key)

	// fixed default regardless of jitter
	key, err = Allocate("", "", NewJitter(7))
	require.NoError(t, err)
	assert.Equal(t, Default, key)
}

func TestAllocateRejectsBadBounds(t *testing.T) {
	tests := []struct {
		name   string
		before string
		after  string
	}{
		{name: "equal bounds", before: "x", after: "x"},
		{name: "reversed bounds", before: "z", after: "a"},
		{name: "malformed before", before: "A", after: "b"},
		{name: "malformed after", before: "a", after: "b-c"},
		{name: "no room below lowest digit", before: "", after: "0"},
		{name: "empty gap after trailing lowest digits", before: "a", after: "a00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := Allocate(tt.before, tt.after, nil)
			assert.ErrorIs(t, err, ErrInvalidBounds)
			assert.Empty(t, key)
		})
	}
}

func TestAllocateBetween(t *testing.T) {
	tests := []struct {
		before string
		after  string
	}{
		{"a", "m"},
		{"a", "b"},
		{"a", "a1"},
		{"a0", "a1"},
		{"az", "b"},
		{"0", "1"},
		{"y", "z"},
		{"zz", "zzz1"},
		{"i", "i0001"},
	}

	for _, tt := range tests {
		t.Run(tt.before+"_"+tt.after, func(t *testing.T) {
			key, err := Allocate(tt.before, tt.after, nil)
			require.NoError(t, err)
			assert.True(t, IsValid(key))
			assert.Greater(t, key, tt.before)
			assert.Less(t, key, tt.after)
			assert.NotEqual(t, byte('0'), key[len(key)-1])
		})
	}
}

func TestAllocateAdjacentDigitsExtendsKey(t *testing.T) {
	key, err := Allocate("a", "b", nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(key), 2)
	assert.Equal(t, "ai", key)
}

func TestAllocateAtEnds(t *testing.T) {
	after, err := Allocate("i", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "j", after)

	before, err := Allocate("", "i", nil)
	require.NoError(t, err)
	assert.Equal(t, "h", before)

	// saturated boundary digits extend the key
	top, err := Allocate("z", "", nil)
	require.NoError(t, err)
	assert.Greater(t, top, "z")

	bottom, err := Allocate("", "1", nil)
	require.NoError(t, err)
	assert.Less(t, bottom, "1")
	assert.True(t, IsValid(bottom))
}

func TestRepeatedEndInsertionsStayOrdered(t *testing.T) {
	keys := []string{Default}
	for i := 0; i < 100; i++ {
		next, err := Allocate(keys[len(keys)-1], "", nil)
		require.NoError(t, err)
		keys = append(keys, next)
	}
	for i := 0; i < 100; i++ {
		prev, err := Allocate("", keys[0], nil)
		require.NoError(t, err)
		keys = append([]string{prev}, keys...)
	}
	require.NoError(t, ValidateOrder(keys))
}

// Example from the ordering contract: ten successive insertions directly
// after "a" stay distinct, ordered and below "m".
func TestRepeatedInsertionConverges(t *testing.T) {
	k, err := Allocate("a", "m", nil)
	require.NoError(t, err)
	require.Greater(t, k, "a")
	require.Less(t, k, "m")

	keys := []string{k}
	upper := k
	for i := 0; i < 10; i++ {
		next, err := Allocate("a", upper, nil)
		require.NoError(t, err)
		keys = append([]string{next}, keys...)
		upper = next
	}

	assert.Len(t, keys, 11)
	require.NoError(t, ValidateOrder(append([]string{"a"}, keys...)))
	for _, key := range keys {
		assert.Less(t, key, "m")
	}
}

// Inserting at random positions of a growing list must always reproduce the
// intended order once the keys are sorted.
func TestOrderingTotality(t *testing.T) {
	for _, withJitter := range []bool{false, true} {
		rng := rand.New(rand.NewSource(1))
		var jitter JitterSource
		if withJitter {
			jitter = NewJitter(99)
		}

		var keys []string
		for i := 0; i < 500; i++ {
			pos := rng.Intn(len(keys) + 1)
			var before, after string
			if pos > 0 {
				before = keys[pos-1]
			}
			if pos < len(keys) {
				after = keys[pos]
			}

			key, err := Allocate(before, after, jitter)
			require.NoError(t, err, "before=%q after=%q", before, after)

			keys = append(keys, "")
			copy(keys[pos+1:], keys[pos:])
			keys[pos] = key
		}

		sorted := append([]string(nil), keys...)
		sort.Strings(sorted)
		assert.Equal(t, keys, sorted, "jitter=%v", withJitter)
		assert.NoError(t, ValidateOrder(keys))
	}
}

func TestJitterAvoidsCollisions(t *testing.T) {
	allocateBurst := func(seed int64) []string {
		jitter := NewJitter(seed)
		out := make([]string, 0, 300)
		for i := 0; i < 300; i++ {
			key, err := Allocate("a", "b", jitter)
			require.NoError(t, err)
			require.Greater(t, key, "a")
			require.Less(t, key, "b")
			out = append(out, key)
		}
		return out
	}

	first := allocateBurst(42)
	seen := make(map[string]struct{}, len(first))
	for _, key := range first {
		_, dup := seen[key]
		assert.False(t, dup, "duplicate key %q", key)
		seen[key] = struct{}{}
	}

	// same seed, same keys
	assert.Equal(t, first, allocateBurst(42))
}

func TestIsValid(t *testing.T) {
	assert.True(t, IsValid("a"))
	assert.True(t, IsValid("0z9"))
	assert.False(t, IsValid(""))
	assert.False(t, IsValid("A"))
	assert.False(t, IsValid("a b"))
	assert.False(t, IsValid("é"))
}

func TestValidateOrder(t *testing.T) {
	assert.NoError(t, ValidateOrder(nil))
	assert.NoError(t, ValidateOrder([]string{"1", "a", "ai", "b"}))
	assert.ErrorIs(t, ValidateOrder([]string{"a", "a"}), ErrOutOfOrder)
	assert.ErrorIs(t, ValidateOrder([]string{"b", "a"}), ErrOutOfOrder)
	assert.ErrorIs(t, ValidateOrder([]string{"a", "B"}), ErrInvalidKey)
}
