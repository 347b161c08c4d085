package ebeco

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joshp123/gohome-ebeco/internal/rpc"
)

const (
	ServicePackage = "gohome.plugins.ebeco.v1"
	ServiceName    = "EbecoService"
)

// ServiceFullName is the name clients dial.
var ServiceFullName = ServicePackage + "." + ServiceName

type service struct {
	entries entrySet
}

// RegisterEbecoService exposes the entries over gRPC.
func RegisterEbecoService(server grpc.ServiceRegistrar, entries []*Entry) error {
	return rpc.Register(server, newService(entries).descriptor())
}

func newService(entries []*Entry) *service {
	return &service{entries: newEntrySet(entries)}
}

func (s *service) descriptor() rpc.Service {
	methods := []struct {
		name    string
		handler func(context.Context, *structpb.Struct) (*structpb.Struct, error)
	}{
		{"ListEntries", s.ListEntries},
		{"GetState", s.GetState},
		{"ListDevices", s.ListDevices},
		{"Refresh", s.Refresh},
		{"SetPower", s.SetPower},
		{"SetTemperature", s.SetTemperature},
		{"SetPreset", s.SetPreset},
		{"SetHVACMode", s.SetHVACMode},
	}

	svc := rpc.Service{Package: ServicePackage, Name: ServiceName}
	for _, m := range methods {
		handler := m.handler
		svc.Methods = append(svc.Methods, rpc.Method{
			Name:   m.name,
			Input:  &structpb.Struct{},
			Output: &structpb.Struct{},
			Handler: func(ctx context.Context, req proto.Message) (proto.Message, error) {
				return handler(ctx, req.(*structpb.Struct))
			},
		})
	}
	return svc
}

func (s *service) ListEntries(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(map[string]any{"entries": s.entries.states()})
}

func (s *service) GetState(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	entry, err := s.entry(req)
	if err != nil {
		return nil, err
	}
	return toStruct(entry.State())
}

func (s *service) ListDevices(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	entry, err := s.entry(req)
	if err != nil {
		return nil, err
	}
	devices, err := entry.Devices(ctx)
	if errors.Is(err, ErrNoDevices) {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "list devices: %v", err)
	}
	return toStruct(map[string]any{"devices": devices})
}

func (s *service) Refresh(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	entry, err := s.entry(req)
	if err != nil {
		return nil, err
	}
	state, err := entry.Refresh(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "refresh: %v", err)
	}
	return toStruct(state)
}

func (s *service) SetPower(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	field, ok := req.GetFields()["on"]
	if _, isBool := field.GetKind().(*structpb.Value_BoolValue); !ok || !isBool {
		return nil, status.Error(codes.InvalidArgument, "on must be a boolean")
	}
	on := field.GetBoolValue()
	return s.execute(ctx, req, Command{Power: &on})
}

func (s *service) SetTemperature(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	field, ok := req.GetFields()["temperature"]
	if _, isNumber := field.GetKind().(*structpb.Value_NumberValue); !ok || !isNumber {
		return nil, status.Error(codes.InvalidArgument, "temperature must be a number")
	}
	value := field.GetNumberValue()
	return s.execute(ctx, req, Command{Temperature: &value})
}

func (s *service) SetPreset(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.execute(ctx, req, Command{Preset: stringField(req, "preset")})
}

func (s *service) SetHVACMode(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.execute(ctx, req, Command{Mode: stringField(req, "mode")})
}

func (s *service) execute(ctx context.Context, req *structpb.Struct, cmd Command) (*structpb.Struct, error) {
	entry, err := s.entry(req)
	if err != nil {
		return nil, err
	}
	state, err := entry.Execute(ctx, cmd)
	switch {
	case errors.Is(err, ErrInvalidCommand):
		return nil, status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrChangeRejected):
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	case err != nil:
		return nil, status.Errorf(codes.Internal, "execute: %v", err)
	}
	return toStruct(state)
}

func (s *service) entry(req *structpb.Struct) (*Entry, error) {
	entry, err := s.entries.resolve(stringField(req, "entry"))
	switch {
	case errors.Is(err, ErrUnknownEntry):
		return nil, status.Error(codes.NotFound, err.Error())
	case err != nil:
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return entry, nil
}

func stringField(req *structpb.Struct, key string) string {
	return req.GetFields()[key].GetStringValue()
}

func toStruct(v any) (*structpb.Struct, error) {
	out, err := rpc.ToStruct(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}
