package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cellqueue/internal/eventlog"
	"github.com/ChuLiYu/cellqueue/pkg/types"
)

// createTestStore opens a store in a temp directory.
func createTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func requested(qid string) eventlog.Event {
	return eventlog.MustEvent(eventlog.TypeExecutionRequested, 1000, eventlog.ExecutionRequested{
		QueueID:  types.QueueID(qid),
		CellID:   "c1",
		CellType: types.CellSQL,
	})
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	_, path := createTestStore(t)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "iteration %d", i)
		require.NoError(t, s.Close())
	}
}

func TestPragmas(t *testing.T) {
	s, _ := createTestStore(t)

	var mode string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestAppendReplay(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t)

	stored, err := s.Append(ctx, requested("q1"), requested("q2"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stored[0].Seq)
	assert.Equal(t, uint64(2), stored[1].Seq)

	events, err := eventlog.ReadAll(ctx, s, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, stored[1], events[0])

	var p eventlog.ExecutionRequested
	require.NoError(t, events[0].Decode(&p))
	assert.Equal(t, types.QueueID("q2"), p.QueueID)
}

func TestReplayAcrossBatches(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t)

	batch := make([]eventlog.Event, replayBatch+10)
	for i := range batch {
		batch[i] = requested("q")
	}
	_, err := s.Append(ctx, batch...)
	require.NoError(t, err)

	events, err := eventlog.ReadAll(ctx, s, 0)
	require.NoError(t, err)
	assert.Len(t, events, replayBatch+10)
	assert.Equal(t, uint64(replayBatch+10), events[len(events)-1].Seq)
}

func TestSharedFileTotalOrder(t *testing.T) {
	ctx := context.Background()
	a, path := createTestStore(t)
	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	var wg sync.WaitGroup
	for _, s := range []*Store{a, b} {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := s.Append(ctx, requested("q"))
				assert.NoError(t, err)
			}
		}(s)
	}
	wg.Wait()

	events, err := eventlog.ReadAll(ctx, b, 0)
	require.NoError(t, err)
	require.Len(t, events, 40)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Seq)
	}
}

func TestCompactNeverReusesSeq(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t)

	_, err := s.Append(ctx, requested("q1"), requested("q2"), requested("q3"))
	require.NoError(t, err)
	require.NoError(t, s.Compact(ctx, 3))

	events, err := eventlog.ReadAll(ctx, s, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	stored, err := s.Append(ctx, requested("q4"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), stored[0].Seq)

	last, err := s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), last)

	counts, err := s.CountByType(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[eventlog.TypeExecutionRequested])
}

func TestTamperedRowDetected(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t)
	_, err := s.Append(ctx, requested("q1"))
	require.NoError(t, err)

	_, err = s.db.Exec(`UPDATE events SET payload = '{"queue_id":"evil"}' WHERE seq = 1`)
	require.NoError(t, err)

	_, err = eventlog.ReadAll(ctx, s, 0)
	assert.ErrorIs(t, err, eventlog.ErrChecksumMismatch)
}

func TestAppendRejectsUnknownTypeAtomically(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t)

	_, err := s.Append(ctx, requested("q1"), eventlog.Event{Type: "Bogus"})
	assert.ErrorIs(t, err, eventlog.ErrUnknownType)

	last, err := s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Zero(t, last)
}
