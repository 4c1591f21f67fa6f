package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cellqueue/internal/execqueue"
	"github.com/ChuLiYu/cellqueue/pkg/types"
)

func TestOnTerminatedFailsBoundEntries(t *testing.T) {
	q := execqueue.New()
	for i, qid := range []types.QueueID{"assigned", "running", "other", "done"} {
		_, err := q.Request(execqueue.Request{
			QueueID:  qid,
			CellID:   types.CellID("cell-" + string(qid)),
			CellType: types.CellCode,
			Seq:      uint64(i + 1),
		})
		require.NoError(t, err)
	}
	require.NoError(t, q.Assign("assigned", "s1", 1))
	require.NoError(t, q.Assign("running", "s1", 1))
	require.NoError(t, q.Start("running", "s1", 2))
	require.NoError(t, q.Assign("other", "s2", 1))
	require.NoError(t, q.Assign("done", "s1", 1))
	require.NoError(t, q.Start("done", "s1", 2))
	require.NoError(t, q.Complete("done", "s1", "ok", 3))

	recovered := New(nil).OnTerminated(q, "s1", 10)
	require.Len(t, recovered, 2)

	for _, qid := range []types.QueueID{"assigned", "running"} {
		entry, _ := q.Get(qid)
		assert.Equal(t, types.StatusFailed, entry.Status, qid)
		assert.Equal(t, types.ErrRuntimeDisconnected.Error(), entry.Error)
		assert.Equal(t, types.IndicatorError, q.Indicator(entry.CellID))
	}

	// other sessions and finished entries are untouched
	other, _ := q.Get("other")
	assert.Equal(t, types.StatusAssigned, other.Status)
	done, _ := q.Get("done")
	assert.Equal(t, types.StatusCompleted, done.Status)
}

func TestOnTerminatedNeverCompletesOrRequeues(t *testing.T) {
	q := execqueue.New()
	_, err := q.Request(execqueue.Request{QueueID: "q1", CellID: "c1", CellType: types.CellCode})
	require.NoError(t, err)
	require.NoError(t, q.Assign("q1", "s1", 1))
	require.NoError(t, q.Start("q1", "s1", 2))

	New(nil).OnTerminated(q, "s1", 3)

	// a late completion from the dead worker is rejected
	err = q.Complete("q1", "s1", "late", 4)
	assert.ErrorIs(t, err, execqueue.ErrInvalidTransition)
	assert.Empty(t, q.Pending())

	entry, _ := q.Get("q1")
	assert.Equal(t, types.StatusFailed, entry.Status)
}

func TestOnTerminatedWithoutBoundEntries(t *testing.T) {
	assert.Empty(t, New(nil).OnTerminated(execqueue.New(), "idle", 1))
}
