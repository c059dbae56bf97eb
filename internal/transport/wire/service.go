package wire

import (
	"context"

	"google.golang.org/grpc"
)

const (
	CommandServiceName     = "ndb.Command"
	ReplicationServiceName = "ndb.Replication"

	ExecuteMethod = "/" + CommandServiceName + "/Execute"
	SyncMethod    = "/" + ReplicationServiceName + "/Sync"
)

type CommandServer interface {
	Execute(ctx context.Context, cmd *Command) (*Reply, error)
}

// SyncStream is the server side of the replication stream.
type SyncStream interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	grpc.ServerStream
}

type ReplicationServer interface {
	Sync(stream SyncStream) error
}

var CommandServiceDesc = grpc.ServiceDesc{
	ServiceName: CommandServiceName,
	HandlerType: (*CommandServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Execute",
			Handler:    executeHandler,
		},
	},
	Metadata: "ndb.proto",
}

var ReplicationServiceDesc = grpc.ServiceDesc{
	ServiceName: ReplicationServiceName,
	HandlerType: (*ReplicationServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Sync",
			Handler:       syncHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "ndb.proto",
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Command)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CommandServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ExecuteMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CommandServer).Execute(ctx, req.(*Command))
	}
	return interceptor(ctx, in, info, handler)
}

func syncHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ReplicationServer).Sync(&syncServerStream{stream})
}

type syncServerStream struct {
	grpc.ServerStream
}

func (s *syncServerStream) Send(f *Frame) error { return s.ServerStream.SendMsg(f) }

func (s *syncServerStream) Recv() (*Frame, error) {
	f := new(Frame)
	if err := s.ServerStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

// SyncClient is the replica side of the replication stream.
type SyncClient interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	CloseSend() error
}

// CallOption selects the ndb codec for a call.
func CallOption() grpc.CallOption { return grpc.CallContentSubtype(CodecName) }

func Execute(ctx context.Context, cc grpc.ClientConnInterface, cmd *Command) (*Reply, error) {
	out := new(Reply)
	if err := cc.Invoke(ctx, ExecuteMethod, cmd, out, CallOption()); err != nil {
		return nil, err
	}
	return out, nil
}

func OpenSync(ctx context.Context, cc grpc.ClientConnInterface) (SyncClient, error) {
	stream, err := cc.NewStream(ctx, &ReplicationServiceDesc.Streams[0], SyncMethod, CallOption())
	if err != nil {
		return nil, err
	}
	return &syncClientStream{stream}, nil
}

type syncClientStream struct {
	grpc.ClientStream
}

func (s *syncClientStream) Send(f *Frame) error { return s.ClientStream.SendMsg(f) }

func (s *syncClientStream) Recv() (*Frame, error) {
	f := new(Frame)
	if err := s.ClientStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}
