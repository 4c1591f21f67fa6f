// ============================================================================
// cellqueue Cell 排序索引
// ============================================================================
//
// Package: internal/cellorder
// 文件: index.go
// 功能: 維護 notebook 中每個 cell 的排序鍵（讀取模型）
//
// 不變量:
//   - 每個存活的 cell 恰好擁有一個排序鍵
//   - 兩個存活的 cell 不共用同一個鍵
//
// 資料來源:
//   依日誌順序套用 CellCreated / CellMoved / CellDeleted，
//   並依相鄰 cell 提供新鍵的上下界（KeyForInsertAfter / KeyForInsertBefore）
//
// ============================================================================

package cellorder

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ChuLiYu/cellqueue/internal/orderkey"
	"github.com/ChuLiYu/cellqueue/pkg/types"
)

var (
	ErrUnknownCell   = errors.New("cellorder: unknown cell")
	ErrDuplicateCell = errors.New("cellorder: cell already exists")
	ErrKeyInUse      = errors.New("cellorder: order key already used by another cell")
	ErrInvalidKey    = errors.New("cellorder: invalid order key")
)

// Index cell → 排序鍵
// 本身不加鎖，由 controller 序列化存取
type Index struct {
	keys  map[types.CellID]string
	owner map[string]types.CellID
}

func NewIndex() *Index {
	return &Index{
		keys:  make(map[types.CellID]string),
		owner: make(map[string]types.CellID),
	}
}

// Create places a new cell at key.
func (ix *Index) Create(cellID types.CellID, key string) error {
	if _, exists := ix.keys[cellID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCell, cellID)
	}
	if err := ix.checkKey(cellID, key); err != nil {
		return err
	}
	ix.keys[cellID] = key
	ix.owner[key] = cellID
	return nil
}

// Move assigns a new key to an existing cell. The old key is released.
func (ix *Index) Move(cellID types.CellID, newKey string) error {
	old, exists := ix.keys[cellID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownCell, cellID)
	}
	if old == newKey {
		return nil
	}
	if err := ix.checkKey(cellID, newKey); err != nil {
		return err
	}
	delete(ix.owner, old)
	ix.keys[cellID] = newKey
	ix.owner[newKey] = cellID
	return nil
}

// Delete removes a cell and frees its key.
func (ix *Index) Delete(cellID types.CellID) error {
	key, exists := ix.keys[cellID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownCell, cellID)
	}
	delete(ix.keys, cellID)
	delete(ix.owner, key)
	return nil
}

func (ix *Index) checkKey(cellID types.CellID, key string) error {
	if !orderkey.IsValid(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if other, used := ix.owner[key]; used && other != cellID {
		return fmt.Errorf("%w: %q held by %s", ErrKeyInUse, key, other)
	}
	return nil
}

// Key returns the current key of a cell.
func (ix *Index) Key(cellID types.CellID) (string, bool) {
	key, ok := ix.keys[cellID]
	return key, ok
}

// Len returns the number of live cells.
func (ix *Index) Len() int {
	return len(ix.keys)
}

// Ordered returns all live cells sorted by key.
func (ix *Index) Ordered() []types.CellPosition {
	out := make([]types.CellPosition, 0, len(ix.keys))
	for id, key := range ix.keys {
		out = append(out, types.CellPosition{CellID: id, OrderKey: key})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderKey < out[j].OrderKey })
	return out
}

// KeyForInsertAfter allocates a key for a new cell placed right after
// anchor. An empty anchor means the start of the notebook.
func (ix *Index) KeyForInsertAfter(anchor types.CellID, jitter orderkey.JitterSource) (string, error) {
	ordered := ix.Ordered()
	if anchor == "" {
		if len(ordered) == 0 {
			return orderkey.Allocate("", "", jitter)
		}
		return orderkey.Allocate("", ordered[0].OrderKey, jitter)
	}

	pos := indexOf(ordered, anchor)
	if pos < 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownCell, anchor)
	}
	var after string
	if pos+1 < len(ordered) {
		after = ordered[pos+1].OrderKey
	}
	return orderkey.Allocate(ordered[pos].OrderKey, after, jitter)
}

// KeyForInsertBefore allocates a key for a new cell placed right before
// anchor. An empty anchor means the end of the notebook.
func (ix *Index) KeyForInsertBefore(anchor types.CellID, jitter orderkey.JitterSource) (string, error) {
	ordered := ix.Ordered()
	if anchor == "" {
		if len(ordered) == 0 {
			return orderkey.Allocate("", "", jitter)
		}
		return orderkey.Allocate(ordered[len(ordered)-1].OrderKey, "", jitter)
	}

	pos := indexOf(ordered, anchor)
	if pos < 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownCell, anchor)
	}
	var before string
	if pos > 0 {
		before = ordered[pos-1].OrderKey
	}
	return orderkey.Allocate(before, ordered[pos].OrderKey, jitter)
}

// Snapshot returns a copy of the cell to key mapping.
func (ix *Index) Snapshot() map[types.CellID]string {
	out := make(map[types.CellID]string, len(ix.keys))
	for id, key := range ix.keys {
		out[id] = key
	}
	return out
}

// Restore replaces the index content.
func (ix *Index) Restore(cells map[types.CellID]string) error {
	keys := make(map[types.CellID]string, len(cells))
	owner := make(map[string]types.CellID, len(cells))
	for id, key := range cells {
		if !orderkey.IsValid(key) {
			return fmt.Errorf("%w: %q for cell %s", ErrInvalidKey, key, id)
		}
		if other, used := owner[key]; used {
			return fmt.Errorf("%w: %q held by %s and %s", ErrKeyInUse, key, other, id)
		}
		keys[id] = key
		owner[key] = id
	}
	ix.keys = keys
	ix.owner = owner
	return nil
}

func indexOf(ordered []types.CellPosition, id types.CellID) int {
	for i, p := range ordered {
		if p.CellID == id {
			return i
		}
	}
	return -1
}
