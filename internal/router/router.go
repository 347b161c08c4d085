package router

import (
	"fmt"

	"google.golang.org/grpc"

	"github.com/joshp123/gohome-ebeco/internal/core"
	"github.com/joshp123/gohome-ebeco/internal/rpc"
)

// RegisterPlugins registers plugin services and core services on the gRPC server.
func RegisterPlugins(server grpc.ServiceRegistrar, plugins []core.Plugin) error {
	if err := rpc.Register(server, core.NewRegistryService(plugins).Service()); err != nil {
		return fmt.Errorf("register registry: %w", err)
	}

	for _, p := range plugins {
		if err := p.RegisterGRPC(server); err != nil {
			return fmt.Errorf("register %s: %w", p.ID(), err)
		}
	}
	return nil
}
