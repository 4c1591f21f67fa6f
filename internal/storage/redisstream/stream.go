// Package redisstream stores the event log in a Redis stream so cellqueue
// processes on different hosts can share it.
//
// Each event becomes a stream entry whose ID is "<seq>-0". The highest
// assigned sequence number lives in a separate counter key. Append seals the
// events against the counter value it read and a Lua script commits them only
// if the counter has not moved in the meantime; otherwise the append is
// retried against the new value.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/cellqueue/internal/eventlog"
)

const (
	defaultStream = "cellqueue:events"
	replayBatch   = 512
	maxAttempts   = 16
)

// ErrContention is returned when Append keeps losing the sequence race.
var ErrContention = errors.New("redisstream: too much append contention")

// appendScript commits a batch if the counter still holds the expected value.
//
// KEYS[1] stream, KEYS[2] counter
// ARGV[1] expected counter, ARGV[2] new counter, then 5 fields per event:
// id, type, timestamp, payload, checksum
var appendScript = redis.NewScript(`
local current = redis.call('GET', KEYS[2]) or '0'
if current ~= ARGV[1] then
  return -1
end
for i = 3, #ARGV, 5 do
  redis.call('XADD', KEYS[1], ARGV[i],
    'type', ARGV[i+1], 'ts', ARGV[i+2], 'payload', ARGV[i+3], 'checksum', ARGV[i+4])
end
redis.call('SET', KEYS[2], ARGV[2])
return tonumber(ARGV[2])
`)

// Stream is an eventlog.Log backed by a Redis stream.
type Stream struct {
	client  *redis.Client
	stream  string
	counter string
	owned   bool
	logger  *slog.Logger
}

// Open connects to redisURL and verifies the connection.
func Open(ctx context.Context, redisURL, stream string) (*Stream, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := New(client, stream)
	s.owned = true
	return s, nil
}

// New wraps an existing client. Close leaves the client open.
func New(client *redis.Client, stream string) *Stream {
	if stream == "" {
		stream = defaultStream
	}
	return &Stream{
		client:  client,
		stream:  stream,
		counter: stream + ":seq",
		logger:  slog.Default().With("component", "redisstream", "stream", stream),
	}
}

// Append commits events atomically with consecutive sequence numbers.
func (s *Stream) Append(ctx context.Context, events ...eventlog.Event) ([]eventlog.Event, error) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		current, err := s.LastSeq(ctx)
		if err != nil {
			return nil, err
		}

		stored := make([]eventlog.Event, 0, len(events))
		args := make([]any, 0, 2+5*len(events))
		seq := current
		for _, e := range events {
			seq++
			sealed, err := eventlog.Seal(e, seq)
			if err != nil {
				return nil, err
			}
			stored = append(stored, sealed)
		}
		args = append(args, strconv.FormatUint(current, 10), strconv.FormatUint(seq, 10))
		for _, e := range stored {
			args = append(args,
				strconv.FormatUint(e.Seq, 10)+"-0",
				string(e.Type),
				strconv.FormatInt(e.Timestamp, 10),
				string(e.Payload),
				strconv.FormatUint(uint64(e.Checksum), 10),
			)
		}

		result, err := appendScript.Run(ctx, s.client, []string{s.stream, s.counter}, args...).Int64()
		if err != nil {
			return nil, fmt.Errorf("append: %w", err)
		}
		if result >= 0 {
			return stored, nil
		}
		s.logger.Debug("append lost sequence race, retrying", "attempt", attempt, "expected", current)
	}
	return nil, ErrContention
}

// Replay pages through the stream with XRANGE.
func (s *Stream) Replay(ctx context.Context, afterSeq uint64, handler eventlog.EventHandler) error {
	start := "(" + strconv.FormatUint(afterSeq, 10) + "-0"
	if afterSeq == 0 {
		start = "-"
	}

	for {
		msgs, err := s.client.XRangeN(ctx, s.stream, start, "+", replayBatch).Result()
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		for _, msg := range msgs {
			e, err := decodeMessage(msg)
			if err != nil {
				return err
			}
			if err := eventlog.Verify(e); err != nil {
				return err
			}
			if err := handler(e); err != nil {
				return err
			}
			start = "(" + msg.ID
		}
		if len(msgs) < replayBatch {
			return nil
		}
	}
}

// LastSeq reads the counter; a missing key means an empty log.
func (s *Stream) LastSeq(ctx context.Context) (uint64, error) {
	v, err := s.client.Get(ctx, s.counter).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	seq, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("last seq: counter %q: %w", v, err)
	}
	return seq, nil
}

// Compact trims entries already captured by a snapshot.
func (s *Stream) Compact(ctx context.Context, uptoSeq uint64) error {
	minID := strconv.FormatUint(uptoSeq+1, 10) + "-0"
	if err := s.client.XTrimMinID(ctx, s.stream, minID).Err(); err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	return nil
}

// Close closes the client if Open created it.
func (s *Stream) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func decodeMessage(msg redis.XMessage) (eventlog.Event, error) {
	seqPart, _, _ := strings.Cut(msg.ID, "-")
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("replay: bad entry id %q: %w", msg.ID, err)
	}

	field := func(name string) string {
		v, _ := msg.Values[name].(string)
		return v
	}
	ts, err := strconv.ParseInt(field("ts"), 10, 64)
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("replay: entry %s timestamp: %w", msg.ID, err)
	}
	checksum, err := strconv.ParseUint(field("checksum"), 10, 32)
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("replay: entry %s checksum: %w", msg.ID, err)
	}

	return eventlog.Event{
		Seq:       seq,
		Type:      eventlog.Type(field("type")),
		Timestamp: ts,
		Payload:   []byte(field("payload")),
		Checksum:  uint32(checksum),
	}, nil
}
