package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/carechat/internal/model"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "carechat.v1.SyncService"

// Stream names.
const (
	streamWatchEvents = "WatchEvents"
	streamSubscribe   = "Subscribe"
)

type syncServer interface {
	Send(context.Context, *SendRequest) (*SendResponse, error)
	QueueStatus(context.Context, *Empty) (*model.QueueStatus, error)
}

// ServiceDesc describes SyncService. Messages are google.protobuf.Struct
// values, so the default proto codec carries them.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*syncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Send", (*SyncService).Send),
		unary("QueueStatus", (*SyncService).QueueStatus),
		unary("Drain", (*SyncService).Drain),
		unary("RetryFailed", (*SyncService).RetryFailed),
		unary("ClearFailed", (*SyncService).ClearFailed),
		unary("Pending", (*SyncService).Pending),
		unary("SetOnline", (*SyncService).SetOnline),
		unary("GetMessages", (*SyncService).GetMessages),
		unary("GetOlder", (*SyncService).GetOlder),
		unary("GetNewer", (*SyncService).GetNewer),
		unary("Acknowledge", (*SyncService).Acknowledge),
		unary("MarkAllRead", (*SyncService).MarkAllRead),
		unary("DeleteMessage", (*SyncService).DeleteMessage),
		unary("ListConversations", (*SyncService).ListConversations),
	},
	Streams: []grpc.StreamDesc{
		{StreamName: streamWatchEvents, Handler: watchEventsHandler, ServerStreams: true},
		{StreamName: streamSubscribe, Handler: subscribeHandler, ServerStreams: true},
	},
}

// RegisterSyncService registers svc on s.
func RegisterSyncService(s grpc.ServiceRegistrar, svc *SyncService) {
	s.RegisterService(&ServiceDesc, svc)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(*SyncService, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handle := func(ctx context.Context, raw any) (any, error) {
				req := new(Req)
				if err := fromStruct(raw.(*structpb.Struct), req); err != nil {
					return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
				}
				resp, err := call(srv.(*SyncService), ctx, req)
				if err != nil {
					return nil, statusError(err)
				}
				out, err := toStruct(resp)
				if err != nil {
					return nil, grpcstatus.Error(codes.Internal, err.Error())
				}
				return out, nil
			}
			if interceptor == nil {
				return handle(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, handle)
		},
	}
}

func recvRequest(stream grpc.ServerStream, v any) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	if err := fromStruct(in, v); err != nil {
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

func sendStruct(stream grpc.ServerStream, v any) error {
	out, err := toStruct(v)
	if err != nil {
		return grpcstatus.Error(codes.Internal, err.Error())
	}
	return stream.SendMsg(out)
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	req := new(WatchRequest)
	if err := recvRequest(stream, req); err != nil {
		return err
	}
	send := func(evt *Event) error { return sendStruct(stream, evt) }
	return statusError(srv.(*SyncService).WatchEvents(req, send, stream.Context().Done()))
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(SubscribeRequest)
	if err := recvRequest(stream, req); err != nil {
		return err
	}
	send := func(m *model.Message) error { return sendStruct(stream, m) }
	return statusError(srv.(*SyncService).Subscribe(stream.Context(), req, send))
}
