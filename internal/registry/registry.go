// ============================================================================
// cellqueue Runtime Session 註冊表
// ============================================================================
//
// Package: internal/registry
// 文件: registry.go
// 功能: 追蹤所有 runtime worker session 的狀態、能力與心跳
//
// 狀態轉換:
//   Register()  ──> starting
//   Heartbeat() ──> starting | ready | busy | restarting
//   Terminate() ──> terminated（不可逆，重啟的 worker 必須使用新的 sessionId）
//
// 並發安全:
//   與 execqueue 相同，Registry 不加鎖，由 controller 依日誌順序呼叫。
//
// ============================================================================

package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ChuLiYu/cellqueue/pkg/types"
)

var (
	// 找不到 session
	ErrUnknownSession = errors.New("unknown runtime session")
	// session 已終止，不接受任何更新
	ErrSessionTerminated = errors.New("runtime session terminated")
	// 心跳帶來的狀態不合法
	ErrInvalidStatus = errors.New("invalid session status")
	// 缺少 sessionId
	ErrInvalidSession = errors.New("invalid runtime session")
)

// Registry runtime session 註冊表
type Registry struct {
	sessions map[types.SessionID]*types.RuntimeSession
}

// New 建立空的註冊表
func New() *Registry {
	return &Registry{
		sessions: make(map[types.SessionID]*types.RuntimeSession),
	}
}

// Register 新增 session，狀態為 starting
//
// 重複註冊同一個 sessionId 是冪等的：能力與 runtime 資訊以最後一次為準，
// 狀態與心跳時間保持不變。已終止的 sessionId 不可再次註冊。
func (r *Registry) Register(s types.RuntimeSession, at int64) (types.RuntimeSession, error) {
	if s.SessionID == "" {
		return types.RuntimeSession{}, fmt.Errorf("%w: session id is required", ErrInvalidSession)
	}

	if existing, ok := r.sessions[s.SessionID]; ok {
		if !existing.IsActive {
			return types.RuntimeSession{}, fmt.Errorf("%w: %s", ErrSessionTerminated, s.SessionID)
		}
		existing.Capabilities = s.Capabilities
		existing.RuntimeID = s.RuntimeID
		existing.RuntimeType = s.RuntimeType
		return *existing, nil
	}

	session := &types.RuntimeSession{
		SessionID:       s.SessionID,
		RuntimeID:       s.RuntimeID,
		RuntimeType:     s.RuntimeType,
		Capabilities:    s.Capabilities,
		Status:          types.SessionStarting,
		IsActive:        true,
		LastHeartbeatAt: at,
		RegisteredAt:    at,
	}
	r.sessions[session.SessionID] = session
	return *session, nil
}

// Heartbeat 更新狀態與最後心跳時間
//
// 終止只能透過 Terminate，心跳不能把 session 設為 terminated。
func (r *Registry) Heartbeat(id types.SessionID, status types.SessionStatus, at int64) error {
	session, err := r.active(id)
	if err != nil {
		return err
	}
	if !status.Valid() || status == types.SessionTerminated {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	session.Status = status
	if at > session.LastHeartbeatAt {
		session.LastHeartbeatAt = at
	}
	return nil
}

// Terminate 將 session 設為 terminated，不可逆
func (r *Registry) Terminate(id types.SessionID, reason string, at int64) error {
	session, err := r.active(id)
	if err != nil {
		return err
	}
	session.Status = types.SessionTerminated
	session.IsActive = false
	session.TerminatedReason = reason
	if at > session.LastHeartbeatAt {
		session.LastHeartbeatAt = at
	}
	return nil
}

// MarkBusy Dispatcher 綁定項目後將 session 設為 busy
func (r *Registry) MarkBusy(id types.SessionID) error {
	session, err := r.active(id)
	if err != nil {
		return err
	}
	session.Status = types.SessionBusy
	return nil
}

// Release 綁定的項目結束後，busy 的 session 回到 ready
// 其他狀態（例如 worker 回報的 restarting）保持不變
func (r *Registry) Release(id types.SessionID) bool {
	session, ok := r.sessions[id]
	if !ok || !session.IsActive || session.Status != types.SessionBusy {
		return false
	}
	session.Status = types.SessionReady
	return true
}

func (r *Registry) active(id types.SessionID) (*types.RuntimeSession, error) {
	session, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if !session.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrSessionTerminated, id)
	}
	return session, nil
}

// ============================================================================
// 查詢方法
// ============================================================================

// Get 取得 session 副本
func (r *Registry) Get(id types.SessionID) (types.RuntimeSession, bool) {
	session, ok := r.sessions[id]
	if !ok {
		return types.RuntimeSession{}, false
	}
	return *session, true
}

// FindReady 回傳 status=ready 且具備所需能力的 session
// 依最後心跳時間由新到舊排序，同時間以 sessionId 排序
func (r *Registry) FindReady(required types.Capability) []types.RuntimeSession {
	var out []types.RuntimeSession
	for _, session := range r.sessions {
		if session.Status == types.SessionReady && session.Capabilities.Has(required) {
			out = append(out, *session)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastHeartbeatAt != out[j].LastHeartbeatAt {
			return out[i].LastHeartbeatAt > out[j].LastHeartbeatAt
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Sessions 回傳所有 session（含已終止），依 sessionId 排序
func (r *Registry) Sessions() []types.RuntimeSession {
	out := make([]types.RuntimeSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		out = append(out, *session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// CountByStatus 取得各狀態 session 數量
func (r *Registry) CountByStatus() map[types.SessionStatus]int {
	counts := make(map[types.SessionStatus]int)
	for _, session := range r.sessions {
		counts[session.Status]++
	}
	return counts
}

// ============================================================================
// 快照與恢復
// ============================================================================

// Snapshot 深拷貝所有 session
func (r *Registry) Snapshot() map[types.SessionID]*types.RuntimeSession {
	out := make(map[types.SessionID]*types.RuntimeSession, len(r.sessions))
	for id, session := range r.sessions {
		cp := *session
		out[id] = &cp
	}
	return out
}

// Restore 以快照內容取代註冊表
func (r *Registry) Restore(sessions map[types.SessionID]*types.RuntimeSession) error {
	restored := make(map[types.SessionID]*types.RuntimeSession, len(sessions))
	for id, session := range sessions {
		if session == nil || session.SessionID != id || !session.Status.Valid() {
			return fmt.Errorf("%w: snapshot session %s is inconsistent", ErrInvalidSession, id)
		}
		cp := *session
		cp.IsActive = cp.Status != types.SessionTerminated
		restored[id] = &cp
	}
	r.sessions = restored
	return nil
}
