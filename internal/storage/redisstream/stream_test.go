package redisstream

import (
	"context"
	"os"
	"strconv"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cellqueue/internal/eventlog"
	"github.com/ChuLiYu/cellqueue/pkg/types"
)

// newTestStream connects to CELLQUEUE_TEST_REDIS_URL and uses a fresh
// stream name per test.
func newTestStream(t *testing.T) *Stream {
	t.Helper()
	url := os.Getenv("CELLQUEUE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CELLQUEUE_TEST_REDIS_URL not set")
	}

	ctx := context.Background()
	name := "cellqueue:test:" + uuid.NewString()
	s, err := Open(ctx, url, name)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.client.Del(ctx, s.stream, s.counter)
		s.Close()
	})
	return s
}

func requested(qid string) eventlog.Event {
	return eventlog.MustEvent(eventlog.TypeExecutionRequested, 1000, eventlog.ExecutionRequested{
		QueueID:  types.QueueID(qid),
		CellID:   "c1",
		CellType: types.CellAI,
	})
}

func TestDecodeMessage(t *testing.T) {
	sealed, err := eventlog.Seal(requested("q1"), 42)
	require.NoError(t, err)

	msg := redis.XMessage{
		ID: "42-0",
		Values: map[string]any{
			"type":     string(sealed.Type),
			"ts":       "1000",
			"payload":  string(sealed.Payload),
			"checksum": strconv.FormatUint(uint64(sealed.Checksum), 10),
		},
	}

	e, err := decodeMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), e.Seq)
	require.NoError(t, eventlog.Verify(e))

	_, err = decodeMessage(redis.XMessage{ID: "x-0"})
	assert.Error(t, err)
}

func TestAppendReplay(t *testing.T) {
	ctx := context.Background()
	s := newTestStream(t)

	stored, err := s.Append(ctx, requested("q1"), requested("q2"), requested("q3"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stored[2].Seq)

	events, err := eventlog.ReadAll(ctx, s, 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), events[0].Seq)

	require.NoError(t, s.Compact(ctx, 2))
	events, err = eventlog.ReadAll(ctx, s, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	stored, err = s.Append(ctx, requested("q4"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), stored[0].Seq)
}

func TestConcurrentAppendersShareOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStream(t)
	other := New(s.client, s.stream)

	var wg sync.WaitGroup
	for _, w := range []*Stream{s, other} {
		wg.Add(1)
		go func(w *Stream) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := w.Append(ctx, requested("q"))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	events, err := eventlog.ReadAll(ctx, other, 0)
	require.NoError(t, err)
	require.Len(t, events, 20)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Seq)
	}
}
