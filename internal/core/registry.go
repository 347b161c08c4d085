package core

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/joshp123/gohome-ebeco/internal/rpc"
)

const (
	RegistryPackage = "gohome.registry.v1"
	RegistryName    = "Registry"
)

// RegistryServiceName is the fully qualified gRPC service name.
const RegistryServiceName = RegistryPackage + "." + RegistryName

// PluginSummary is one row of ListPlugins.
type PluginSummary struct {
	PluginID    string `json:"plugin_id"`
	DisplayName string `json:"display_name"`
	Version     string `json:"version"`
	Status      string `json:"status"`
}

type DashboardRef struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// PluginDescriptor is the DescribePlugin payload.
type PluginDescriptor struct {
	PluginID      string         `json:"plugin_id"`
	DisplayName   string         `json:"display_name"`
	Version       string         `json:"version"`
	Services      []string       `json:"services"`
	AgentsMD      string         `json:"agents_md"`
	Status        string         `json:"status"`
	HealthMessage string         `json:"health_message,omitempty"`
	Dashboards    []DashboardRef `json:"dashboards"`
}

// RegistryService provides plugin discovery to clients.
type RegistryService struct {
	plugins []Plugin
	mu      sync.RWMutex
}

func NewRegistryService(plugins []Plugin) *RegistryService {
	return &RegistryService{plugins: plugins}
}

func (r *RegistryService) ListPlugins(ctx context.Context) []PluginSummary {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	resp := make([]PluginSummary, 0, len(r.plugins))
	for _, p := range r.plugins {
		manifest := p.Manifest()
		resp = append(resp, PluginSummary{
			PluginID:    manifest.PluginID,
			DisplayName: manifest.DisplayName,
			Version:     manifest.Version,
			Status:      string(p.Health()),
		})
	}
	return resp
}

func (r *RegistryService) DescribePlugin(ctx context.Context, pluginID string) (PluginDescriptor, bool) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		manifest := p.Manifest()
		if manifest.PluginID != pluginID {
			continue
		}

		descriptor := PluginDescriptor{
			PluginID:      manifest.PluginID,
			DisplayName:   manifest.DisplayName,
			Version:       manifest.Version,
			Services:      manifest.Services,
			AgentsMD:      p.AgentsMD(),
			Status:        string(p.Health()),
			HealthMessage: p.HealthMessage(),
		}
		for _, d := range p.Dashboards() {
			descriptor.Dashboards = append(descriptor.Dashboards, DashboardRef{
				Name: d.Name,
				Path: "/dashboards/" + manifest.PluginID + "/" + d.Name + ".json",
			})
		}
		return descriptor, true
	}

	return PluginDescriptor{}, false
}

// Service exposes the registry over gRPC. Replies are google.protobuf.Struct.
func (r *RegistryService) Service() rpc.Service {
	return rpc.Service{
		Package: RegistryPackage,
		Name:    RegistryName,
		Methods: []rpc.Method{
			{
				Name:   "ListPlugins",
				Input:  &emptypb.Empty{},
				Output: &structpb.Struct{},
				Handler: func(ctx context.Context, _ proto.Message) (proto.Message, error) {
					return rpc.ToStruct(map[string]any{"plugins": r.ListPlugins(ctx)})
				},
			},
			{
				Name:   "DescribePlugin",
				Input:  &wrapperspb.StringValue{},
				Output: &structpb.Struct{},
				Handler: func(ctx context.Context, req proto.Message) (proto.Message, error) {
					id := req.(*wrapperspb.StringValue).GetValue()
					descriptor, ok := r.DescribePlugin(ctx, id)
					if !ok {
						return nil, status.Errorf(codes.NotFound, "plugin %q not found", id)
					}
					return rpc.ToStruct(descriptor)
				},
			},
		},
	}
}
