package ebeco

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/joshp123/gohome-ebeco/internal/config"
	"github.com/joshp123/gohome-ebeco/internal/core"
	"github.com/joshp123/gohome-ebeco/internal/ws"
)

//go:embed AGENTS.md
var agentsMD string

//go:embed dashboard.json
var dashboardJSON []byte

const PluginID = "ebeco"

// Plugin implements the GoHome plugin contract for Ebeco thermostats.
type Plugin struct {
	entries  entrySet
	hub      *ws.Hub
	mqtt     *MQTTBridge
	modbus   *ModbusBridge
	logger   *zap.Logger
	setupErr error
}

// NewPlugin constructs the plugin from config. It reports false when no
// entry is configured.
func NewPlugin(cfg *config.Config, logger *zap.Logger) (*Plugin, bool) {
	if cfg == nil || len(cfg.Ebeco) == 0 {
		return nil, false
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named(PluginID)

	p := &Plugin{hub: ws.NewHub(logger), logger: logger}
	var errs []error
	entries := make([]*Entry, 0, len(cfg.Ebeco))
	for _, raw := range cfg.Ebeco {
		runtimeCfg, err := ConfigFromEntry(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %q: %w", raw.Name, err))
			continue
		}
		entry, err := NewEntry(runtimeCfg, logger)
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %q: %w", raw.Name, err))
			continue
		}
		entry.Coordinator().OnUpdateFailed = func(err error) {
			p.hub.BroadcastMessage(ws.MsgTypeError, map[string]string{
				"entry": entry.Name(),
				"error": err.Error(),
			})
		}
		entries = append(entries, entry)
	}
	p.entries = newEntrySet(entries)
	p.hub.SetInitDataProvider(func() any { return p.entries.states() })

	if cfg.MQTT.Enabled {
		bridge, err := NewMQTTBridge(MQTTConfig{
			BrokerURL:       cfg.MQTT.BrokerURL,
			ClientID:        cfg.MQTT.ClientID,
			DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
			BaseTopic:       cfg.MQTT.BaseTopic,
			QoS:             byte(cfg.MQTT.QoS),
			Username:        cfg.MQTT.Username,
			Password:        cfg.MQTT.Password,
		}, entries, logger)
		if err != nil {
			errs = append(errs, err)
		}
		p.mqtt = bridge
	}

	if cfg.Modbus.Enabled {
		if err := p.setupModbus(cfg.Modbus, logger); err != nil {
			errs = append(errs, err)
		}
	}

	p.setupErr = errors.Join(errs...)
	return p, true
}

func (p *Plugin) setupModbus(cfg config.ModbusConfig, logger *zap.Logger) error {
	if len(p.entries.list) == 0 {
		return errors.New("modbus: no usable entry")
	}
	target := p.entries.list[0]
	if cfg.Entry != "" {
		entry, err := p.entries.resolve(cfg.Entry)
		if err != nil {
			return fmt.Errorf("modbus: %w", err)
		}
		target = entry
	}
	bridge, err := NewModbusBridge(ModbusConfig{Addr: cfg.Addr, UnitID: byte(cfg.UnitID)}, target, logger)
	if err != nil {
		return err
	}
	p.modbus = bridge
	return nil
}

func (p *Plugin) ID() string {
	return PluginID
}

func (p *Plugin) Manifest() core.Manifest {
	return core.Manifest{
		PluginID:    PluginID,
		DisplayName: "Ebeco",
		Version:     "0.1.0",
		Services:    []string{ServiceFullName},
	}
}

func (p *Plugin) AgentsMD() string {
	return agentsMD
}

func (p *Plugin) Dashboards() []core.Dashboard {
	return []core.Dashboard{{Name: "ebeco-overview", JSON: dashboardJSON}}
}

func (p *Plugin) RegisterGRPC(server grpc.ServiceRegistrar) error {
	return RegisterEbecoService(server, p.entries.list)
}

func (p *Plugin) RegisterHTTP(group *gin.RouterGroup) {
	(&httpHandlers{entries: p.entries, hub: p.hub}).register(group)
}

func (p *Plugin) Collectors() []prometheus.Collector {
	if len(p.entries.list) == 0 {
		return nil
	}
	return []prometheus.Collector{NewMetricsCollector(p.entries.coordinators())}
}

// Health is an error on bad config, degraded while any entry lacks a
// successful last poll.
func (p *Plugin) Health() core.HealthStatus {
	status, _ := p.health()
	return status
}

func (p *Plugin) HealthMessage() string {
	_, msg := p.health()
	return msg
}

func (p *Plugin) health() (core.HealthStatus, string) {
	if p.setupErr != nil {
		return core.HealthError, p.setupErr.Error()
	}
	var problems []string
	for _, name := range p.entries.names() {
		coordinator := p.entries.byName[name].Coordinator()
		stats := coordinator.Stats()
		switch {
		case !coordinator.Ready():
			problems = append(problems, name+": waiting for first refresh")
		case !stats.LastPollOK && stats.LastError != "":
			problems = append(problems, name+": "+stats.LastError)
		}
	}
	if len(problems) > 0 {
		return core.HealthDegraded, strings.Join(problems, "; ")
	}
	return core.HealthHealthy, ""
}

// Run refreshes every entry once, then polls and serves the bridges until
// ctx is cancelled.
func (p *Plugin) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, entry := range p.entries.list {
		g.Go(func() error {
			coordinator := entry.Coordinator()
			if err := coordinator.FirstRefresh(ctx); err != nil {
				p.logger.Warn("entry not ready, retrying on schedule", zap.String("entry", entry.Name()), zap.Error(err))
			}
			return ignoreCanceled(coordinator.Run(ctx))
		})
	}
	g.Go(func() error {
		return ignoreCanceled(p.hub.Run(ctx))
	})
	g.Go(func() error {
		bridgeHub(ctx, p.hub, p.entries.list)
		return nil
	})
	if p.mqtt != nil {
		g.Go(func() error {
			return ignoreCanceled(p.mqtt.Run(ctx))
		})
	}
	if p.modbus != nil {
		g.Go(func() error {
			return ignoreCanceled(p.modbus.Run(ctx))
		})
	}
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
