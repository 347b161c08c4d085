// Package rpc registers unary gRPC services whose messages are protobuf
// well-known types. Service descriptors are built at runtime and added to
// the global registry so server reflection and grpcurl can see them.
package rpc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// HandlerFunc serves one call. req is a fresh message of the method's input type.
type HandlerFunc func(ctx context.Context, req proto.Message) (proto.Message, error)

type Method struct {
	Name    string
	Input   proto.Message
	Output  proto.Message
	Handler HandlerFunc
}

type Service struct {
	Package string
	Name    string
	Methods []Method
}

func (s Service) FullName() string {
	return s.Package + "." + s.Name
}

// FileName is the synthetic .proto path the descriptor is registered under.
func (s Service) FileName() string {
	return strings.ReplaceAll(s.Package, ".", "/") + "/" + snakeCase(s.Name) + ".proto"
}

// MethodPath returns the wire path used by grpc.ClientConn.Invoke.
func (s Service) MethodPath(method string) string {
	return MethodPath(s.FullName(), method)
}

func MethodPath(service, method string) string {
	return "/" + service + "/" + method
}

var registerMu sync.Mutex

// Register publishes the service descriptor and attaches the handlers to registrar.
func Register(registrar grpc.ServiceRegistrar, svc Service) error {
	if err := publishDescriptor(svc); err != nil {
		return err
	}

	desc := &grpc.ServiceDesc{
		ServiceName: svc.FullName(),
		HandlerType: (*any)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    svc.FileName(),
	}
	for _, m := range svc.Methods {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: m.Name,
			Handler:    unaryHandler(svc.FullName(), m),
		})
	}
	registrar.RegisterService(desc, svc)
	return nil
}

func unaryHandler(service string, m Method) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := m.Input.ProtoReflect().New().Interface()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return m.Handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: MethodPath(service, m.Name),
		}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return m.Handler(ctx, req.(proto.Message))
		})
	}
}

func publishDescriptor(svc Service) error {
	if svc.Package == "" || svc.Name == "" {
		return fmt.Errorf("service package and name are required")
	}

	registerMu.Lock()
	defer registerMu.Unlock()

	if _, err := protoregistry.GlobalFiles.FindFileByPath(svc.FileName()); err == nil {
		return nil
	}

	deps := map[string]bool{}
	serviceProto := &descriptorpb.ServiceDescriptorProto{Name: proto.String(svc.Name)}
	for _, m := range svc.Methods {
		if m.Input == nil || m.Output == nil || m.Handler == nil {
			return fmt.Errorf("method %s: input, output and handler are required", m.Name)
		}
		in := m.Input.ProtoReflect().Descriptor()
		out := m.Output.ProtoReflect().Descriptor()
		deps[in.ParentFile().Path()] = true
		deps[out.ParentFile().Path()] = true
		serviceProto.Method = append(serviceProto.Method, &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(m.Name),
			InputType:  proto.String(typeName(in)),
			OutputType: proto.String(typeName(out)),
		})
	}

	fileProto := &descriptorpb.FileDescriptorProto{
		Name:    proto.String(svc.FileName()),
		Package: proto.String(svc.Package),
		Syntax:  proto.String("proto3"),
		Service: []*descriptorpb.ServiceDescriptorProto{serviceProto},
	}
	for dep := range deps {
		fileProto.Dependency = append(fileProto.Dependency, dep)
	}

	file, err := protodesc.NewFile(fileProto, protoregistry.GlobalFiles)
	if err != nil {
		return fmt.Errorf("build descriptor for %s: %w", svc.FullName(), err)
	}
	if err := protoregistry.GlobalFiles.RegisterFile(file); err != nil {
		return fmt.Errorf("register descriptor for %s: %w", svc.FullName(), err)
	}
	return nil
}

func typeName(d protoreflect.MessageDescriptor) string {
	return "." + string(d.FullName())
}

func snakeCase(name string) string {
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
