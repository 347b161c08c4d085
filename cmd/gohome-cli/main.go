package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fullstorydev/grpcurl"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/joshp123/gohome-ebeco/internal/config"
)

const defaultGRPCAddr = "gohome:9000"

func main() {
	global := flag.NewFlagSet("gohome-cli", flag.ExitOnError)
	jsonOutput := global.Bool("json", false, "Print JSON instead of tables")
	addrFlag := global.String("addr", "", "gRPC address (default: $GOHOME_GRPC_ADDR, config, "+defaultGRPCAddr+")")
	timeout := global.Duration("timeout", 10*time.Second, "Deadline for the whole command")
	global.Usage = usage
	_ = global.Parse(os.Args[1:])
	if global.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	command, args := global.Arg(0), global.Args()[1:]

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn, err := grpcurl.BlockingDial(ctx, "tcp", grpcAddr(*addrFlag), insecure.NewCredentials())
	if err != nil {
		fatal("dial", err)
	}
	defer conn.Close()

	out := newPrinter(*jsonOutput)
	switch command {
	case "plugins":
		pluginsCmd(ctx, conn, args, out)
	case "ebeco":
		ebecoCmd(ctx, conn, args, out)
	case "services", "methods", "call":
		reflectCmd(ctx, conn, command, args)
	default:
		usage()
		os.Exit(2)
	}
}

// grpcAddr picks the first address found: flag, environment, the server
// config, then the default.
func grpcAddr(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if value := os.Getenv("GOHOME_GRPC_ADDR"); value != "" {
		return value
	}
	paths := []string{config.DefaultPath}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "gohome", "config.yaml"))
	}
	for _, path := range paths {
		if cfg, err := config.Load(path); err == nil && cfg.Core.GRPCAddr != "" {
			return cfg.Core.GRPCAddr
		}
	}
	return defaultGRPCAddr
}

func usage() {
	fmt.Print(`gohome-cli [--json] [--addr host:port] <command> [args]

Commands:
  plugins list
  plugins describe <plugin_id>
  ebeco <command>            (see gohome-cli ebeco)
  services
  methods <service>
  call <service/method> --data '{}'   (or pipe JSON via stdin)
`)
}

func fatal(action string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
	os.Exit(1)
}
