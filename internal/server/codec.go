package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/cellqueue/internal/cellorder"
	"github.com/ChuLiYu/cellqueue/internal/controller"
	"github.com/ChuLiYu/cellqueue/internal/eventlog"
	"github.com/ChuLiYu/cellqueue/internal/execqueue"
	"github.com/ChuLiYu/cellqueue/internal/registry"
)

// ============================================================================
// Struct 編解碼
// ============================================================================

// ToStruct 將任意可 JSON 序列化的值轉為 google.protobuf.Struct
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := sonic.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// FromStruct 將 Struct 解碼到 v
func FromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return errors.New("server: nil struct")
	}
	data, err := sonic.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return sonic.Unmarshal(data, v)
}

// field 取得子 Struct，缺少時回傳 nil
func field(s *structpb.Struct, name string) *structpb.Struct {
	if s == nil {
		return nil
	}
	return s.GetFields()[name].GetStructValue()
}

func stringField(s *structpb.Struct, name string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[name].GetStringValue()
}

func numberField(s *structpb.Struct, name string) float64 {
	if s == nil {
		return 0
	}
	return s.GetFields()[name].GetNumberValue()
}

// ============================================================================
// 錯誤對應
// ============================================================================

// errorCodes 將 sentinel 錯誤對應到 gRPC 狀態碼；客戶端依訊息還原 sentinel
var errorCodes = []struct {
	err  error
	code codes.Code
}{
	{execqueue.ErrDuplicateInFlight, codes.AlreadyExists},
	{execqueue.ErrDuplicateQueueID, codes.AlreadyExists},
	{cellorder.ErrDuplicateCell, codes.AlreadyExists},
	{cellorder.ErrKeyInUse, codes.AlreadyExists},

	{execqueue.ErrUnknownQueueEntry, codes.NotFound},
	{registry.ErrUnknownSession, codes.NotFound},
	{cellorder.ErrUnknownCell, codes.NotFound},

	{execqueue.ErrInvalidTransition, codes.FailedPrecondition},
	{execqueue.ErrSessionMismatch, codes.FailedPrecondition},
	{registry.ErrSessionTerminated, codes.FailedPrecondition},
	{controller.ErrSessionUnavailable, codes.FailedPrecondition},
	{controller.ErrCapabilityMismatch, codes.FailedPrecondition},

	{execqueue.ErrNotExecutable, codes.InvalidArgument},
	{execqueue.ErrInvalidRequest, codes.InvalidArgument},
	{registry.ErrInvalidStatus, codes.InvalidArgument},
	{registry.ErrInvalidSession, codes.InvalidArgument},
	{cellorder.ErrInvalidKey, codes.InvalidArgument},
	{eventlog.ErrUnknownType, codes.InvalidArgument},
	{eventlog.ErrBadPayload, codes.InvalidArgument},

	{controller.ErrStopped, codes.Unavailable},
}

// ToStatus 將領域錯誤轉為 gRPC status 錯誤
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return status.Error(ec.code, err.Error())
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// RemoteError 由遠端狀態還原的錯誤，保留原始訊息並可用 errors.Is 判斷 sentinel
type RemoteError struct {
	Code    codes.Code
	Message string
	cause   error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc %s: %s", e.Code, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return e.cause
}

// FromStatus 將 gRPC status 錯誤還原為領域錯誤
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK {
		return err
	}

	remote := &RemoteError{Code: st.Code(), Message: st.Message(), cause: err}
	switch st.Code() {
	case codes.DeadlineExceeded:
		remote.cause = context.DeadlineExceeded
		return remote
	case codes.Canceled:
		remote.cause = context.Canceled
		return remote
	}
	for _, ec := range errorCodes {
		if ec.code == st.Code() && strings.Contains(st.Message(), ec.err.Error()) {
			remote.cause = ec.err
			return remote
		}
	}
	return remote
}
