package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/joshp123/gohome-ebeco/internal/core"
	"github.com/joshp123/gohome-ebeco/internal/rpc"
)

func pluginsCmd(ctx context.Context, conn *grpc.ClientConn, args []string, out printer) {
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	switch args[0] {
	case "list":
		var list struct {
			Plugins []core.PluginSummary `json:"plugins"`
		}
		registryCall(ctx, conn, "ListPlugins", &emptypb.Empty{}, &list)
		if out.json {
			out.printJSON(list)
			return
		}
		rows := [][]string{{"ID", "NAME", "VERSION", "STATUS"}}
		for _, plugin := range list.Plugins {
			rows = append(rows, []string{plugin.PluginID, plugin.DisplayName, plugin.Version, plugin.Status})
		}
		out.table(rows)
	case "describe":
		if len(args) < 2 {
			fatal("describe", fmt.Errorf("missing plugin id"))
		}
		var plugin core.PluginDescriptor
		registryCall(ctx, conn, "DescribePlugin", wrapperspb.String(args[1]), &plugin)
		if out.json {
			out.printJSON(plugin)
			return
		}
		fmt.Fprint(out.w, describePlugin(plugin))
	default:
		usage()
		os.Exit(2)
	}
}

func registryCall(ctx context.Context, conn *grpc.ClientConn, method string, req proto.Message, out any) {
	resp := &structpb.Struct{}
	if err := rpc.Call(ctx, conn, core.RegistryServiceName, method, req, resp); err != nil {
		fatal(method, err)
	}
	if err := rpc.FromStruct(resp, out); err != nil {
		fatal(method, err)
	}
}

func describePlugin(plugin core.PluginDescriptor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s) %s\n", plugin.DisplayName, plugin.PluginID, plugin.Version)
	fmt.Fprintf(&b, "status: %s", plugin.Status)
	if plugin.HealthMessage != "" {
		fmt.Fprintf(&b, " (%s)", plugin.HealthMessage)
	}
	b.WriteString("\n")
	for _, svc := range plugin.Services {
		fmt.Fprintf(&b, "service: %s\n", svc)
	}
	for _, dash := range plugin.Dashboards {
		fmt.Fprintf(&b, "dashboard: %s %s\n", dash.Name, dash.Path)
	}
	if plugin.AgentsMD != "" {
		b.WriteString("\n" + strings.TrimSpace(plugin.AgentsMD) + "\n")
	}
	return b.String()
}
