package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Call invokes a unary method and decodes the reply into out.
func Call(ctx context.Context, conn grpc.ClientConnInterface, service, method string, in, out proto.Message) error {
	return conn.Invoke(ctx, MethodPath(service, method), in, out)
}

// CallStruct invokes a method that takes and returns google.protobuf.Struct.
func CallStruct(ctx context.Context, conn grpc.ClientConnInterface, service, method string, fields map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := Call(ctx, conn, service, method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}
