package cellorder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cellqueue/internal/orderkey"
	"github.com/ChuLiYu/cellqueue/pkg/types"
)

func cellIDs(positions []types.CellPosition) []types.CellID {
	out := make([]types.CellID, len(positions))
	for i, p := range positions {
		out[i] = p.CellID
	}
	return out
}

func TestCreateMoveDelete(t *testing.T) {
	ix := NewIndex()
	require.NoError(t, ix.Create("c1", "i"))
	require.NoError(t, ix.Create("c2", "r"))

	assert.ErrorIs(t, ix.Create("c1", "k"), ErrDuplicateCell)
	assert.ErrorIs(t, ix.Create("c3", "i"), ErrKeyInUse)
	assert.ErrorIs(t, ix.Create("c3", "NOPE"), ErrInvalidKey)

	// moving c2 above c1 allocates a fresh key, the old one is released
	require.NoError(t, ix.Move("c2", "a"))
	assert.Equal(t, []types.CellID{"c2", "c1"}, cellIDs(ix.Ordered()))
	require.NoError(t, ix.Create("c3", "r"))

	assert.ErrorIs(t, ix.Move("missing", "b"), ErrUnknownCell)
	assert.ErrorIs(t, ix.Move("c1", "a"), ErrKeyInUse)

	require.NoError(t, ix.Delete("c2"))
	assert.ErrorIs(t, ix.Delete("c2"), ErrUnknownCell)
	assert.Equal(t, 2, ix.Len())
	require.NoError(t, ix.Create("c4", "a"))
}

func TestKeyForInsert(t *testing.T) {
	ix := NewIndex()

	first, err := ix.KeyForInsertAfter("", nil)
	require.NoError(t, err)
	assert.Equal(t, orderkey.Default, first)
	require.NoError(t, ix.Create("c1", first))

	// append at the end, then insert between
	endKey, err := ix.KeyForInsertBefore("", nil)
	require.NoError(t, err)
	require.NoError(t, ix.Create("c3", endKey))

	midKey, err := ix.KeyForInsertAfter("c1", nil)
	require.NoError(t, err)
	require.NoError(t, ix.Create("c2", midKey))

	startKey, err := ix.KeyForInsertBefore("c1", nil)
	require.NoError(t, err)
	require.NoError(t, ix.Create("c0", startKey))

	assert.Equal(t, []types.CellID{"c0", "c1", "c2", "c3"}, cellIDs(ix.Ordered()))

	keys := make([]string, 0, 4)
	for _, p := range ix.Ordered() {
		keys = append(keys, p.OrderKey)
	}
	assert.NoError(t, orderkey.ValidateOrder(keys))

	_, err = ix.KeyForInsertAfter("ghost", nil)
	assert.ErrorIs(t, err, ErrUnknownCell)
}

func TestSnapshotRestore(t *testing.T) {
	ix := NewIndex()
	require.NoError(t, ix.Create("c1", "i"))
	require.NoError(t, ix.Create("c2", "j"))

	restored := NewIndex()
	require.NoError(t, restored.Restore(ix.Snapshot()))
	assert.Equal(t, ix.Ordered(), restored.Ordered())

	err := restored.Restore(map[types.CellID]string{"a": "k", "b": "k"})
	assert.ErrorIs(t, err, ErrKeyInUse)
}
