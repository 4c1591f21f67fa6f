package worker

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/cellqueue/internal/controller"
	"github.com/ChuLiYu/cellqueue/internal/eventlog"
	"github.com/ChuLiYu/cellqueue/internal/server"
	"github.com/ChuLiYu/cellqueue/pkg/types"
)

// GrpcSource is an implementation of Source that connects to a remote
// scheduler via gRPC.
type GrpcSource struct {
	conn grpc.ClientConnInterface
}

var _ Source = (*GrpcSource)(nil)

// NewGrpcSource creates a new GrpcSource.
// conn should be an established gRPC connection.
func NewGrpcSource(conn grpc.ClientConnInterface) *GrpcSource {
	return &GrpcSource{conn: conn}
}

func (s *GrpcSource) invoke(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := server.ToStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := s.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, server.FromStatus(err)
	}
	return out, nil
}

// Append writes an event through the remote scheduler.
func (s *GrpcSource) Append(ctx context.Context, event eventlog.Event) (eventlog.Event, error) {
	resp, err := s.invoke(ctx, server.AppendMethod, map[string]any{"event": event})
	if err != nil {
		return eventlog.Event{}, err
	}
	var out struct {
		Seq uint64 `json:"seq"`
	}
	if err := server.FromStruct(resp, &out); err != nil {
		return eventlog.Event{}, fmt.Errorf("decode append response: %w", err)
	}
	event.Seq = out.Seq
	return event, nil
}

// Assignment asks the remote scheduler for the entry bound to sessionID.
func (s *GrpcSource) Assignment(ctx context.Context, sessionID types.SessionID) (types.QueueEntry, bool, error) {
	resp, err := s.invoke(ctx, server.AssignmentMethod, map[string]any{"session_id": sessionID})
	if err != nil {
		return types.QueueEntry{}, false, err
	}
	return decodeEntry(resp)
}

// Entry fetches a single queue entry.
func (s *GrpcSource) Entry(ctx context.Context, queueID types.QueueID) (types.QueueEntry, bool, error) {
	resp, err := s.invoke(ctx, server.EntryMethod, map[string]any{"queue_id": queueID})
	if err != nil {
		return types.QueueEntry{}, false, err
	}
	return decodeEntry(resp)
}

// Wait blocks until the entry is terminal. A zero timeout waits for ctx.
func (s *GrpcSource) Wait(ctx context.Context, queueID types.QueueID, timeout time.Duration) (types.QueueEntry, error) {
	resp, err := s.invoke(ctx, server.WaitMethod, map[string]any{
		"queue_id":   queueID,
		"timeout_ms": timeout.Milliseconds(),
	})
	if err != nil {
		return types.QueueEntry{}, err
	}
	var out struct {
		Entry types.QueueEntry `json:"entry"`
	}
	if err := server.FromStruct(resp, &out); err != nil {
		return types.QueueEntry{}, fmt.Errorf("decode wait response: %w", err)
	}
	return out.Entry, nil
}

// Status fetches the scheduler report.
func (s *GrpcSource) Status(ctx context.Context) (controller.Report, error) {
	resp, err := s.invoke(ctx, server.StatusMethod, map[string]any{})
	if err != nil {
		return controller.Report{}, err
	}
	var report controller.Report
	if err := server.FromStruct(resp, &report); err != nil {
		return controller.Report{}, fmt.Errorf("decode status response: %w", err)
	}
	return report, nil
}

func decodeEntry(resp *structpb.Struct) (types.QueueEntry, bool, error) {
	var out struct {
		Found bool             `json:"found"`
		Entry types.QueueEntry `json:"entry"`
	}
	if err := server.FromStruct(resp, &out); err != nil {
		return types.QueueEntry{}, false, fmt.Errorf("decode entry response: %w", err)
	}
	return out.Entry, out.Found, nil
}
