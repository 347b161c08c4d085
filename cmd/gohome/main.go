package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joshp123/gohome-ebeco/internal/config"
	"github.com/joshp123/gohome-ebeco/internal/core"
	"github.com/joshp123/gohome-ebeco/internal/logging"
	"github.com/joshp123/gohome-ebeco/internal/oauth"
	"github.com/joshp123/gohome-ebeco/internal/plugins"
	"github.com/joshp123/gohome-ebeco/internal/rate"
	"github.com/joshp123/gohome-ebeco/internal/router"
	"github.com/joshp123/gohome-ebeco/internal/server"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "ebeco":
			ebecoMain(os.Args[2:])
			return
		case "help", "-h", "--help":
			usage()
			return
		}
	}
	serveCmd(os.Args[1:])
}

func usage() {
	fmt.Println("gohome [--config path]")
	fmt.Println("gohome ebeco <command> [args]")
}

func serveCmd(args []string) {
	flags := flag.NewFlagSet("gohome", flag.ExitOnError)
	configPath := flags.String("config", config.DefaultPath, "Path to config.yaml")
	_ = flags.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load config", err)
	}

	logger, err := logging.New(cfg.Core.Debug)
	if err != nil {
		fatal("init logger", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Fatal("gohome stopped", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	enabled := config.EnabledPlugins(cfg)
	compiled := plugins.Compiled(cfg, logger)
	if err := core.ValidateEnabledPlugins(compiled, enabled, false); err != nil {
		return err
	}
	active := core.FilterPlugins(compiled, enabled, false)
	if err := core.ValidatePlugins(active); err != nil {
		return err
	}
	for _, p := range active {
		if p.Health() == core.HealthError {
			logger.Error("plugin misconfigured", zap.String("plugin", p.ID()), zap.String("reason", p.HealthMessage()))
		}
	}

	shared := append(oauth.MetricsCollectors(), rate.MetricsCollectors()...)
	shared = append(shared, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "gohome_build_info",
		Help:        "Build information",
		ConstLabels: prometheus.Labels{"version": version},
	}, func() float64 { return 1 }))
	registry, err := core.MetricsRegistry(active, shared...)
	if err != nil {
		return err
	}

	if written, err := core.WriteDashboards(cfg.Core.DashboardDir, active); err != nil {
		logger.Warn("write dashboards", zap.Error(err))
	} else if len(written) > 0 {
		logger.Info("dashboards provisioned", zap.Strings("paths", written))
	}

	grpcServer, err := server.NewGRPCServer(cfg.Core.GRPCAddr, logger)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	if err := router.RegisterPlugins(grpcServer.Server, active); err != nil {
		return err
	}
	httpServer := server.NewHTTPServer(cfg.Core.HTTPAddr, server.NewRouter(logger, registry, active))

	logger.Info("gohome starting",
		zap.String("grpc_addr", cfg.Core.GRPCAddr),
		zap.String("http_addr", cfg.Core.HTTPAddr),
		zap.Int("plugins", len(active)),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return grpcServer.Serve(ctx) })
	g.Go(func() error { return httpServer.Run(ctx) })
	for _, p := range active {
		runner, ok := p.(core.Runner)
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := runner.Run(ctx); err != nil {
				return fmt.Errorf("plugin %s: %w", p.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func fatal(action string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
	os.Exit(1)
}
