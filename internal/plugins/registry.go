package plugins

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/joshp123/gohome-ebeco/internal/config"
	"github.com/joshp123/gohome-ebeco/internal/core"
)

// Factory builds a plugin from the loaded config. It reports false when the
// config has nothing for the plugin to do.
type Factory func(*config.Config, *zap.Logger) (core.Plugin, bool)

var compiled = map[string]Factory{}

// Register adds a compiled-in plugin factory. Registering the same id twice
// is a programming error.
func Register(id string, factory Factory) {
	if _, dup := compiled[id]; dup {
		panic(fmt.Sprintf("plugin %q registered twice", id))
	}
	compiled[id] = factory
}

// Compiled builds the configured plugins in id order.
func Compiled(cfg *config.Config, logger *zap.Logger) []core.Plugin {
	if cfg == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ids := make([]string, 0, len(compiled))
	for id := range compiled {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]core.Plugin, 0, len(ids))
	for _, id := range ids {
		plugin, ok := compiled[id](cfg, logger)
		if !ok {
			logger.Debug("plugin not configured", zap.String("plugin", id))
			continue
		}
		out = append(out, plugin)
	}
	return out
}
