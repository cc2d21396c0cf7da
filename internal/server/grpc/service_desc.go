package grpcserver

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "nodex.v1.Nodex"

// NodexServer is the server API of nodex.v1.Nodex.
type NodexServer interface {
	GetDevice(context.Context, *DeviceIDRequest) (*DeviceResponse, error)
	ListDevices(context.Context, *Empty) (*ListDevicesResponse, error)
	RegisterDevice(context.Context, *RegisterDeviceRequest) (*DeviceResponse, error)
	UpdateDevice(context.Context, *UpdateDeviceRequest) (*DeviceResponse, error)
	RemoveDevice(context.Context, *DeviceIDRequest) (*Empty, error)
	ScanNetwork(context.Context, *Empty) (*ScanNetworkResponse, error)

	StartRemoteSession(*StartRemoteSessionRequest, grpc.ServerStream) error
	SendRemoteInput(context.Context, *SessionInputRequest) (*Empty, error)
	ResizeRemoteSession(context.Context, *ResizeSessionRequest) (*Empty, error)
	StopRemoteSession(context.Context, *SessionRequest) (*Empty, error)

	StartLocalSession(*StartLocalSessionRequest, grpc.ServerStream) error
	SendLocalInput(context.Context, *SessionInputRequest) (*Empty, error)
	ResizeLocalSession(context.Context, *ResizeSessionRequest) (*Empty, error)
	StopLocalSession(context.Context, *SessionRequest) (*Empty, error)
}

// ServiceDesc describes nodex.v1.Nodex for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*NodexServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetDevice", NodexServer.GetDevice),
		unary("ListDevices", NodexServer.ListDevices),
		unary("RegisterDevice", NodexServer.RegisterDevice),
		unary("UpdateDevice", NodexServer.UpdateDevice),
		unary("RemoveDevice", NodexServer.RemoveDevice),
		unary("ScanNetwork", NodexServer.ScanNetwork),
		unary("SendRemoteInput", NodexServer.SendRemoteInput),
		unary("ResizeRemoteSession", NodexServer.ResizeRemoteSession),
		unary("StopRemoteSession", NodexServer.StopRemoteSession),
		unary("SendLocalInput", NodexServer.SendLocalInput),
		unary("ResizeLocalSession", NodexServer.ResizeLocalSession),
		unary("StopLocalSession", NodexServer.StopLocalSession),
	},
	Streams: []grpc.StreamDesc{
		serverStream("StartRemoteSession", NodexServer.StartRemoteSession),
		serverStream("StartLocalSession", NodexServer.StartLocalSession),
	},
	Metadata: "nodex/v1/nodex.proto",
}

// RegisterNodexServer registers srv on s.
func RegisterNodexServer(s grpc.ServiceRegistrar, srv NodexServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

func unary[Req, Resp any](name string, call func(NodexServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if ic == nil {
				return call(srv.(NodexServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return ic(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(NodexServer), ctx, req.(*Req))
			})
		},
	}
}

func serverStream[Req any](name string, call func(NodexServer, *Req, grpc.ServerStream) error) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    name,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(Req)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return call(srv.(NodexServer), in, stream)
		},
	}
}
