// ============================================================================
// cellqueue gRPC 閘道
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 讓遠端 runtime 透過 gRPC 讀寫共享事件日誌
//
// 服務 cellqueue.v1.Scheduler 不依賴 protoc 產生的程式碼，所有訊息都是
// google.protobuf.Struct:
//
//   Append      {"event": {...}}                    -> {"seq": n}
//   Assignment  {"session_id": "..."}               -> {"found": bool, "entry": {...}}
//   Entry       {"queue_id": "..."}                 -> {"found": bool, "entry": {...}}
//   Wait        {"queue_id": "...", "timeout_ms": n} -> {"entry": {...}}
//   Status      {}                                  -> Report
//
// 錯誤以 gRPC status 回傳，訊息保留原始錯誤文字，客戶端用 FromStatus 還原。
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/cellqueue/internal/controller"
	"github.com/ChuLiYu/cellqueue/internal/eventlog"
	"github.com/ChuLiYu/cellqueue/pkg/types"
)

var log = slog.Default()

const shutdownGrace = 5 * time.Second

// ServiceName gRPC 服務全名
const ServiceName = "cellqueue.v1.Scheduler"

// 完整方法名稱，客戶端以 conn.Invoke 呼叫
const (
	AppendMethod     = "/" + ServiceName + "/Append"
	AssignmentMethod = "/" + ServiceName + "/Assignment"
	EntryMethod      = "/" + ServiceName + "/Entry"
	WaitMethod       = "/" + ServiceName + "/Wait"
	StatusMethod     = "/" + ServiceName + "/Status"
)

// Backend 閘道背後的協調器，*controller.Controller 實作此介面
type Backend interface {
	Append(ctx context.Context, event eventlog.Event) (eventlog.Event, error)
	Assignment(ctx context.Context, sessionID types.SessionID) (types.QueueEntry, bool, error)
	Entry(queueID types.QueueID) (types.QueueEntry, bool)
	WaitForTerminal(ctx context.Context, queueID types.QueueID) (types.QueueEntry, error)
	Status() controller.Report
}

// SchedulerServer 服務端介面
type SchedulerServer interface {
	Append(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Assignment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Entry(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Wait(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Server 實作 SchedulerServer
type Server struct {
	backend Backend
}

var _ SchedulerServer = (*Server)(nil)

// NewServer creates a new gateway over backend.
func NewServer(backend Backend) *Server {
	return &Server{backend: backend}
}

// Append 寫入事件並回傳分配到的序號
func (s *Server) Append(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	raw := field(req, "event")
	if raw == nil {
		return nil, status.Error(codes.InvalidArgument, "event is required")
	}

	var event eventlog.Event
	if err := FromStruct(raw, &event); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v: %v", eventlog.ErrBadPayload, err)
	}
	event.Seq = 0
	event.Checksum = 0

	appended, err := s.backend.Append(ctx, event)
	if err != nil {
		return nil, ToStatus(err)
	}
	return ToStruct(map[string]any{"seq": appended.Seq})
}

// Assignment 回傳綁定於 session 的項目
func (s *Server) Assignment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sessionID := types.SessionID(stringField(req, "session_id"))
	if sessionID == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id is required")
	}

	entry, found, err := s.backend.Assignment(ctx, sessionID)
	if err != nil {
		return nil, ToStatus(err)
	}
	return entryResponse(entry, found)
}

// Entry 查詢單一佇列項目
func (s *Server) Entry(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	queueID := types.QueueID(stringField(req, "queue_id"))
	if queueID == "" {
		return nil, status.Error(codes.InvalidArgument, "queue_id is required")
	}
	entry, found := s.backend.Entry(queueID)
	return entryResponse(entry, found)
}

// Wait 阻塞直到項目進入終止狀態、逾時或連線中斷
func (s *Server) Wait(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	queueID := types.QueueID(stringField(req, "queue_id"))
	if queueID == "" {
		return nil, status.Error(codes.InvalidArgument, "queue_id is required")
	}

	if ms := numberField(req, "timeout_ms"); ms > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}

	entry, err := s.backend.WaitForTerminal(ctx, queueID)
	if err != nil {
		return nil, ToStatus(err)
	}
	return ToStruct(map[string]any{"entry": entry})
}

// Status 回傳協調器狀態摘要
func (s *Server) Status(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return ToStruct(s.backend.Status())
}

func entryResponse(entry types.QueueEntry, found bool) (*structpb.Struct, error) {
	resp := map[string]any{"found": found}
	if found {
		resp["entry"] = entry
	}
	return ToStruct(resp)
}

// ============================================================================
// 服務註冊
// ============================================================================

// ServiceDesc 手寫的服務描述，等同 protoc-gen-go-grpc 的輸出
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SchedulerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Append", Handler: unaryHandler(AppendMethod, SchedulerServer.Append)},
		{MethodName: "Assignment", Handler: unaryHandler(AssignmentMethod, SchedulerServer.Assignment)},
		{MethodName: "Entry", Handler: unaryHandler(EntryMethod, SchedulerServer.Entry)},
		{MethodName: "Wait", Handler: unaryHandler(WaitMethod, SchedulerServer.Wait)},
		{MethodName: "Status", Handler: unaryHandler(StatusMethod, SchedulerServer.Status)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cellqueue/v1/scheduler",
}

type unaryMethod func(SchedulerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, method unaryMethod) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(srv.(SchedulerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return method(srv.(SchedulerServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Register 將 Server 註冊到 gRPC 伺服器
func Register(s grpc.ServiceRegistrar, srv SchedulerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// LoggingInterceptor 以 slog 記錄每次呼叫的耗時與狀態碼
func LoggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)

	attrs := []any{"method", info.FullMethod, "code", code.String(), "duration", time.Since(start)}
	switch code {
	case codes.OK:
		log.Debug("rpc", attrs...)
	case codes.Internal, codes.Unknown:
		log.Error("rpc failed", append(attrs, "error", err)...)
	default:
		log.Info("rpc rejected", append(attrs, "error", err)...)
	}
	return resp, err
}

// NewGRPCServer 建立已註冊服務與日誌攔截器的 gRPC 伺服器
func NewGRPCServer(backend Backend, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(LoggingInterceptor)}, opts...)
	gs := grpc.NewServer(opts...)
	Register(gs, NewServer(backend))
	return gs
}

// Serve 在 lis 上提供服務直到 ctx 取消
func Serve(ctx context.Context, lis net.Listener, backend Backend) error {
	gs := NewGRPCServer(backend)

	errCh := make(chan error, 1)
	go func() {
		errCh <- gs.Serve(lis)
	}()
	log.Info("gRPC server listening", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		log.Info("Stopping gRPC server")
		stopped := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(stopped)
		}()
		// Wait 呼叫可能長時間阻塞，超過寬限期就強制關閉
		select {
		case <-stopped:
		case <-time.After(shutdownGrace):
			gs.Stop()
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}
