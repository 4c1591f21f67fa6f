package eventlog

// ============================================================================
// Event Envelope
// Responsibility: the record shape shared by every log backend and the typed
// payload of each event kind
// ============================================================================

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/ChuLiYu/cellqueue/pkg/types"
)

// Type identifies an event kind
type Type string

const (
	TypeCellCreated Type = "CellCreated"
	TypeCellMoved   Type = "CellMoved"
	TypeCellDeleted Type = "CellDeleted"

	TypeExecutionRequested Type = "ExecutionRequested"
	TypeExecutionAssigned  Type = "ExecutionAssigned"
	TypeExecutionStarted   Type = "ExecutionStarted"
	TypeExecutionCompleted Type = "ExecutionCompleted"
	TypeExecutionFailed    Type = "ExecutionFailed"
	TypeExecutionCancelled Type = "ExecutionCancelled"

	TypeRuntimeSessionStarted       Type = "RuntimeSessionStarted"
	TypeRuntimeSessionStatusChanged Type = "RuntimeSessionStatusChanged"
	TypeRuntimeSessionTerminated    Type = "RuntimeSessionTerminated"
)

var knownTypes = map[Type]struct{}{
	TypeCellCreated:                 {},
	TypeCellMoved:                   {},
	TypeCellDeleted:                 {},
	TypeExecutionRequested:          {},
	TypeExecutionAssigned:           {},
	TypeExecutionStarted:            {},
	TypeExecutionCompleted:          {},
	TypeExecutionFailed:             {},
	TypeExecutionCancelled:          {},
	TypeRuntimeSessionStarted:       {},
	TypeRuntimeSessionStatusChanged: {},
	TypeRuntimeSessionTerminated:    {},
}

// Known reports whether t is an event kind the reducer understands
func (t Type) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Event is one record of the shared log
type Event struct {
	Seq       uint64          `json:"seq"`       // Assigned by the log on append, strictly increasing
	Type      Type            `json:"type"`      // Event kind
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp set by the emitter
	Payload   json.RawMessage `json:"payload"`   // JSON encoded payload struct
	Checksum  uint32          `json:"checksum"`  // CRC32 over seq, type, timestamp and payload
}

// EventHandler processes one event during replay
type EventHandler func(event Event) error

// NewEvent encodes payload into an event envelope. Seq and Checksum are
// filled in by the log on append.
func NewEvent(t Type, timestamp int64, payload any) (Event, error) {
	if !t.Known() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	data, err := sonic.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: encode %s payload: %w", t, err)
	}
	return Event{Type: t, Timestamp: timestamp, Payload: data}, nil
}

// MustEvent is NewEvent for payloads that cannot fail to encode
func MustEvent(t Type, timestamp int64, payload any) Event {
	e, err := NewEvent(t, timestamp, payload)
	if err != nil {
		panic(err)
	}
	return e
}

// Decode unmarshals the payload into v
func (e Event) Decode(v any) error {
	if err := sonic.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s at seq %d: %v", ErrBadPayload, e.Type, e.Seq, err)
	}
	return nil
}

// Marshal encodes a whole envelope, used by storage backends
func Marshal(e Event) ([]byte, error) {
	return sonic.Marshal(e)
}

// Unmarshal decodes an envelope written by Marshal
func Unmarshal(data []byte) (Event, error) {
	var e Event
	if err := sonic.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}

// ============================================================================
// Payloads
// ============================================================================

type CellCreated struct {
	CellID   types.CellID `json:"cell_id"`
	OrderKey string       `json:"order_key"`
}

type CellMoved struct {
	CellID      types.CellID `json:"cell_id"`
	NewOrderKey string       `json:"new_order_key"`
}

type CellDeleted struct {
	CellID types.CellID `json:"cell_id"`
}

type ExecutionRequested struct {
	QueueID     types.QueueID  `json:"queue_id"`
	CellID      types.CellID   `json:"cell_id"`
	CellType    types.CellType `json:"cell_type"`
	RequestedBy string         `json:"requested_by"`
	Priority    int            `json:"priority"`
}

// ExecutionAssigned is emitted by the dispatcher
type ExecutionAssigned struct {
	QueueID   types.QueueID   `json:"queue_id"`
	SessionID types.SessionID `json:"session_id"`
}

type ExecutionStarted struct {
	QueueID   types.QueueID   `json:"queue_id"`
	SessionID types.SessionID `json:"session_id"`
}

type ExecutionCompleted struct {
	QueueID   types.QueueID   `json:"queue_id"`
	SessionID types.SessionID `json:"session_id"`
	Result    string          `json:"result,omitempty"`
}

type ExecutionFailed struct {
	QueueID   types.QueueID   `json:"queue_id"`
	SessionID types.SessionID `json:"session_id"`
	Error     string          `json:"error"`
}

// ExecutionCancelled is only accepted while the entry is pending
type ExecutionCancelled struct {
	QueueID types.QueueID `json:"queue_id"`
	Reason  string        `json:"reason,omitempty"`
}

type RuntimeSessionStarted struct {
	SessionID    types.SessionID `json:"session_id"`
	RuntimeID    string          `json:"runtime_id"`
	RuntimeType  string          `json:"runtime_type"`
	Capabilities []string        `json:"capabilities"`
}

type RuntimeSessionStatusChanged struct {
	SessionID types.SessionID     `json:"session_id"`
	Status    types.SessionStatus `json:"status"`
}

type RuntimeSessionTerminated struct {
	SessionID types.SessionID `json:"session_id"`
	Reason    string          `json:"reason"`
}
