package plugins

import (
	"go.uber.org/zap"

	"github.com/joshp123/gohome-ebeco/internal/config"
	"github.com/joshp123/gohome-ebeco/internal/core"
	"github.com/joshp123/gohome-ebeco/plugins/ebeco"
)

func init() {
	Register(ebeco.PluginID, func(cfg *config.Config, logger *zap.Logger) (core.Plugin, bool) {
		p, ok := ebeco.NewPlugin(cfg, logger)
		if !ok {
			return nil, false
		}
		return p, true
	})
}
