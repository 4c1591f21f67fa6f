// ============================================================================
// cellqueue Runtime Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Defines how a runtime reaches the shared event log.
//
// Motivation:
//   Runtimes never mutate scheduler state directly. Every registration,
//   heartbeat, start and result is an event appended to the shared log, and
//   the runtime learns about its work by reading the state folded from that
//   log. The same Worker code therefore runs in two modes:
//
//   - Local Mode: Source is the in-process *controller.Controller.
//   - Remote Mode: Source is a GrpcSource talking to `cellqueue serve`.
//
// ============================================================================

package worker

import (
	"context"

	"github.com/ChuLiYu/cellqueue/internal/eventlog"
	"github.com/ChuLiYu/cellqueue/pkg/types"
)

// Source defines the interface for writing events and reading assignments.
type Source interface {
	// Append writes one event to the shared log and waits until the local
	// state has applied it.
	//
	// Returns:
	//   - eventlog.Event: The event with its assigned sequence number.
	//   - error: Non-nil when the write failed or the reducer rejected the
	//     event. A rejected event stays in the log.
	Append(ctx context.Context, event eventlog.Event) (eventlog.Event, error)

	// Assignment returns the oldest non-terminal entry bound to sessionID.
	//
	// Returns:
	//   - types.QueueEntry: The bound entry, zero value when none.
	//   - bool: Whether an entry was found.
	//   - error: Error if the lookup fails.
	Assignment(ctx context.Context, sessionID types.SessionID) (types.QueueEntry, bool, error)
}
