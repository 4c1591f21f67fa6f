package execqueue

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ChuLiYu/cellqueue/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// newTestRequest creates a code-cell request at the given time
func newTestRequest(qid, cell string, at int64, seq uint64) Request {
	return Request{
		QueueID:     types.QueueID(qid),
		CellID:      types.CellID(cell),
		CellType:    types.CellCode,
		RequestedBy: "tester",
		At:          at,
		Seq:         seq,
	}
}

// assertNoError asserts no error occurred
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// assertError asserts a specific error occurred
func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

// assertStatus asserts entry status
func assertStatus(t *testing.T, q *Queue, qid types.QueueID, want types.QueueStatus) {
	t.Helper()
	entry, exists := q.Get(qid)
	if !exists {
		t.Errorf("entry %s not found", qid)
		return
	}
	if entry.Status != want {
		t.Errorf("entry %s status: got %s, want %s", qid, entry.Status, want)
	}
}

// pendingEntry requests q1 for c1
func pendingEntry(t *testing.T, q *Queue) {
	t.Helper()
	_, err := q.Request(newTestRequest("q1", "c1", 1, 1))
	assertNoError(t, err)
}

// assignedEntry drives q1 to assigned on s1
func assignedEntry(t *testing.T, q *Queue) {
	t.Helper()
	pendingEntry(t, q)
	assertNoError(t, q.Assign("q1", "s1", 2))
}

// runningEntry drives a fresh entry to running on s1
func runningEntry(t *testing.T, q *Queue, qid, cell string) {
	t.Helper()
	_, err := q.Request(newTestRequest(qid, cell, 1, 1))
	assertNoError(t, err)
	assertNoError(t, q.Assign(types.QueueID(qid), "s1", 2))
	assertNoError(t, q.Start(types.QueueID(qid), "s1", 3))
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestRequest(t *testing.T) {
	q := New()

	entry, err := q.Request(newTestRequest("q1", "c1", 100, 1))
	assertNoError(t, err)

	if entry.Status != types.StatusPending {
		t.Errorf("status: got %s, want pending", entry.Status)
	}
	if entry.RequestedAt != 100 {
		t.Errorf("requested_at: got %d, want 100", entry.RequestedAt)
	}
	if q.Indicator("c1") != types.IndicatorQueued {
		t.Errorf("indicator: got %s, want queued", q.Indicator("c1"))
	}
	if _, busy := q.InFlight("c1"); !busy {
		t.Error("c1 should have an in-flight entry")
	}
}

func TestRequestRejections(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{
			name:    "duplicate in flight for same cell",
			req:     newTestRequest("q2", "c1", 2, 2),
			wantErr: ErrDuplicateInFlight,
		},
		{
			name:    "duplicate queue id",
			req:     newTestRequest("q1", "c9", 2, 2),
			wantErr: ErrDuplicateQueueID,
		},
		{
			name: "markdown is not executable",
			req: Request{
				QueueID:  "q3",
				CellID:   "c3",
				CellType: types.CellMarkdown,
			},
			wantErr: ErrNotExecutable,
		},
		{
			name:    "missing cell id",
			req:     Request{QueueID: "q4", CellType: types.CellCode},
			wantErr: ErrInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := New()
			_, err := q.Request(newTestRequest("q1", "c1", 1, 1))
			assertNoError(t, err)

			_, err = q.Request(tt.req)
			assertError(t, err, tt.wantErr)

			// rejected requests leave the queue unchanged
			if got := len(q.Entries()); got != 1 {
				t.Errorf("entries: got %d, want 1", got)
			}
		})
	}
}

func TestRequestAfterTerminalIsAllowed(t *testing.T) {
	q := New()
	runningEntry(t, q, "q1", "c1")
	assertNoError(t, q.Complete("q1", "s1", "ok", 4))

	_, err := q.Request(newTestRequest("q2", "c1", 5, 5))
	assertNoError(t, err)
	assertStatus(t, q, "q2", types.StatusPending)
}

func TestLifecycle(t *testing.T) {
	q := New()
	runningEntry(t, q, "q1", "c1")

	entry, _ := q.Get("q1")
	if entry.AssignedSessionID != "s1" {
		t.Errorf("assigned session: got %s, want s1", entry.AssignedSessionID)
	}
	if entry.AssignedAt == nil || *entry.AssignedAt != 2 {
		t.Errorf("assigned_at: got %v, want 2", entry.AssignedAt)
	}
	if q.Indicator("c1") != types.IndicatorRunning {
		t.Errorf("indicator: got %s, want running", q.Indicator("c1"))
	}
	if bound := q.BoundTo("s1"); len(bound) != 1 {
		t.Errorf("bound to s1: got %d, want 1", len(bound))
	}

	assertNoError(t, q.Complete("q1", "s1", "42", 10))
	assertStatus(t, q, "q1", types.StatusCompleted)

	entry, _ = q.Get("q1")
	if entry.Result != "42" || entry.CompletedAt == nil || *entry.CompletedAt != 10 {
		t.Errorf("completion fields not recorded: %+v", entry)
	}
	if q.Indicator("c1") != types.IndicatorCompleted {
		t.Errorf("indicator: got %s, want completed", q.Indicator("c1"))
	}
	if _, busy := q.InFlight("c1"); busy {
		t.Error("c1 should no longer be in flight")
	}
	if bound := q.BoundTo("s1"); len(bound) != 0 {
		t.Errorf("bound to s1 after completion: got %d, want 0", len(bound))
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, q *Queue)
		apply   func(q *Queue) error
		wantErr error
		want    types.QueueStatus
	}{
		{
			name:    "start pending entry",
			setup:   pendingEntry,
			apply:   func(q *Queue) error { return q.Start("q1", "s1", 2) },
			wantErr: ErrInvalidTransition,
			want:    types.StatusPending,
		},
		{
			name:    "complete assigned entry",
			setup:   assignedEntry,
			apply:   func(q *Queue) error { return q.Complete("q1", "s1", "", 3) },
			wantErr: ErrInvalidTransition,
			want:    types.StatusAssigned,
		},
		{
			name:    "assign twice",
			setup:   assignedEntry,
			apply:   func(q *Queue) error { return q.Assign("q1", "s2", 3) },
			wantErr: ErrInvalidTransition,
			want:    types.StatusAssigned,
		},
		{
			name:    "start from wrong session",
			setup:   assignedEntry,
			apply:   func(q *Queue) error { return q.Start("q1", "s2", 3) },
			wantErr: ErrSessionMismatch,
			want:    types.StatusAssigned,
		},
		{
			name:    "fail from wrong session",
			setup:   func(t *testing.T, q *Queue) { runningEntry(t, q, "q1", "c1") },
			apply:   func(q *Queue) error { return q.Fail("q1", "s2", "boom", 4) },
			wantErr: ErrSessionMismatch,
			want:    types.StatusRunning,
		},
		{
			name:    "cancel running entry",
			setup:   func(t *testing.T, q *Queue) { runningEntry(t, q, "q1", "c1") },
			apply:   func(q *Queue) error { return q.Cancel("q1", 4) },
			wantErr: ErrInvalidTransition,
			want:    types.StatusRunning,
		},
		{
			name: "complete after terminal",
			setup: func(t *testing.T, q *Queue) {
				runningEntry(t, q, "q1", "c1")
				assertNoError(t, q.Fail("q1", "s1", "boom", 4))
			},
			apply:   func(q *Queue) error { return q.Complete("q1", "s1", "late", 5) },
			wantErr: ErrInvalidTransition,
			want:    types.StatusFailed,
		},
		{
			name:    "disconnect pending entry",
			setup:   pendingEntry,
			apply:   func(q *Queue) error { return q.FailDisconnected("q1", 2) },
			wantErr: ErrInvalidTransition,
			want:    types.StatusPending,
		},
		{
			name:    "unknown entry",
			setup:   pendingEntry,
			apply:   func(q *Queue) error { return q.Assign("nope", "s1", 2) },
			wantErr: ErrUnknownQueueEntry,
			want:    types.StatusPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := New()
			tt.setup(t, q)
			assertError(t, tt.apply(q), tt.wantErr)
			assertStatus(t, q, "q1", tt.want)
		})
	}
}

func TestTransitionErrorDetails(t *testing.T) {
	q := New()
	_, err := q.Request(newTestRequest("q1", "c1", 1, 1))
	assertNoError(t, err)

	err = q.Start("q1", "s1", 2)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransitionError, got %T", err)
	}
	if te.From != types.StatusPending || te.To != types.StatusRunning {
		t.Errorf("transition: got %s->%s, want pending->running", te.From, te.To)
	}
}

func TestCancel(t *testing.T) {
	q := New()
	_, err := q.Request(newTestRequest("q1", "c1", 1, 1))
	assertNoError(t, err)

	assertNoError(t, q.Cancel("q1", 2))
	assertStatus(t, q, "q1", types.StatusCancelled)

	if len(q.Pending()) != 0 {
		t.Error("cancelled entry still pending")
	}
	if q.Indicator("c1") != types.IndicatorIdle {
		t.Errorf("indicator: got %s, want idle", q.Indicator("c1"))
	}
}

func TestFailDisconnected(t *testing.T) {
	for _, started := range []bool{false, true} {
		t.Run(fmt.Sprintf("started=%v", started), func(t *testing.T) {
			q := New()
			_, err := q.Request(newTestRequest("q1", "c1", 1, 1))
			assertNoError(t, err)
			assertNoError(t, q.Assign("q1", "s1", 2))
			if started {
				assertNoError(t, q.Start("q1", "s1", 3))
			}

			assertNoError(t, q.FailDisconnected("q1", 9))
			assertStatus(t, q, "q1", types.StatusFailed)

			entry, _ := q.Get("q1")
			if entry.Error != types.ErrRuntimeDisconnected.Error() {
				t.Errorf("error: got %q", entry.Error)
			}
			if q.Indicator("c1") != types.IndicatorError {
				t.Errorf("indicator: got %s, want error", q.Indicator("c1"))
			}
			if len(q.BoundTo("s1")) != 0 {
				t.Error("entry still bound to s1")
			}
		})
	}
}

func TestPendingOrder(t *testing.T) {
	q := New()
	reqs := []Request{
		{QueueID: "late", CellID: "c1", CellType: types.CellCode, At: 30, Seq: 3},
		{QueueID: "early", CellID: "c2", CellType: types.CellCode, At: 10, Seq: 1},
		{QueueID: "urgent", CellID: "c3", CellType: types.CellCode, At: 50, Seq: 5, Priority: 5},
		{QueueID: "tie-b", CellID: "c4", CellType: types.CellSQL, At: 20, Seq: 2},
		{QueueID: "tie-a", CellID: "c5", CellType: types.CellSQL, At: 20, Seq: 4},
	}
	for _, r := range reqs {
		_, err := q.Request(r)
		assertNoError(t, err)
	}

	want := []types.QueueID{"urgent", "early", "tie-b", "tie-a", "late"}
	got := q.Pending()
	if len(got) != len(want) {
		t.Fatalf("pending: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].QueueID != want[i] {
			t.Errorf("pending[%d]: got %s, want %s", i, got[i].QueueID, want[i])
		}
	}
}

func TestStats(t *testing.T) {
	q := New()
	runningEntry(t, q, "q1", "c1")
	_, err := q.Request(newTestRequest("q2", "c2", 1, 2))
	assertNoError(t, err)

	stats := q.Stats()
	if stats[types.StatusRunning] != 1 || stats[types.StatusPending] != 1 || stats[types.StatusCompleted] != 0 {
		t.Errorf("unexpected stats: %v", stats)
	}
}

func TestSnapshotRestore(t *testing.T) {
	q := New()
	runningEntry(t, q, "q1", "c1")
	_, err := q.Request(newTestRequest("q2", "c2", 5, 5))
	assertNoError(t, err)
	_, err = q.Request(newTestRequest("q3", "c3", 6, 6))
	assertNoError(t, err)
	assertNoError(t, q.Cancel("q3", 7))

	restored := New()
	assertNoError(t, restored.Restore(q.Snapshot()))

	assertStatus(t, restored, "q1", types.StatusRunning)
	assertStatus(t, restored, "q2", types.StatusPending)
	assertStatus(t, restored, "q3", types.StatusCancelled)

	if len(restored.Pending()) != 1 {
		t.Errorf("pending after restore: got %d, want 1", len(restored.Pending()))
	}
	if len(restored.BoundTo("s1")) != 1 {
		t.Error("q1 should still be bound to s1")
	}
	if restored.Indicator("c1") != types.IndicatorRunning {
		t.Errorf("indicator c1: got %s", restored.Indicator("c1"))
	}

	// duplicate in-flight entries are rejected
	_, err = restored.Request(newTestRequest("q4", "c2", 8, 8))
	assertError(t, err, ErrDuplicateInFlight)

	// snapshot is a deep copy
	snap := q.Snapshot()
	snap["q1"].Status = types.StatusFailed
	assertStatus(t, q, "q1", types.StatusRunning)
}

func TestRestoreRejectsConflictingSnapshot(t *testing.T) {
	entries := map[types.QueueID]*types.QueueEntry{
		"a": {QueueID: "a", CellID: "c1", Status: types.StatusPending, Seq: 1},
		"b": {QueueID: "b", CellID: "c1", Status: types.StatusRunning, Seq: 2, AssignedSessionID: "s1"},
	}
	q := New()
	assertError(t, q.Restore(entries), ErrDuplicateInFlight)
}
