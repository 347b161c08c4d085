package core

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DashboardKey identifies a dashboard by plugin and file name ("<name>.json").
type DashboardKey struct {
	PluginID string
	File     string
}

// DashboardsMap indexes dashboard JSON for the HTTP handler.
func DashboardsMap(plugins []Plugin) map[DashboardKey][]byte {
	result := make(map[DashboardKey][]byte)
	for _, plugin := range plugins {
		id := plugin.Manifest().PluginID
		for _, dash := range plugin.Dashboards() {
			result[DashboardKey{PluginID: id, File: dash.Name + ".json"}] = dash.JSON
		}
	}
	return result
}

// WriteDashboards provisions dashboards under dir/<plugin>/<name>.json for
// Grafana. Files whose content is unchanged are left alone so Grafana's
// file watcher does not reload them on every restart. It returns the paths
// that were written.
func WriteDashboards(dir string, plugins []Plugin) ([]string, error) {
	if dir == "" {
		return nil, nil
	}

	var written []string
	for key, data := range DashboardsMap(plugins) {
		path := filepath.Join(dir, key.PluginID, key.File)
		changed, err := writeIfChanged(path, data)
		if err != nil {
			return written, err
		}
		if changed {
			written = append(written, path)
		}
	}
	return written, nil
}

func writeIfChanged(path string, data []byte) (bool, error) {
	current, err := os.ReadFile(path)
	switch {
	case err == nil && bytes.Equal(current, data):
		return false, nil
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return false, fmt.Errorf("read dashboard %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create dashboard dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".dashboard-*")
	if err != nil {
		return false, fmt.Errorf("write dashboard %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, fmt.Errorf("write dashboard %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return false, fmt.Errorf("write dashboard %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("write dashboard %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return false, fmt.Errorf("write dashboard %s: %w", path, err)
	}
	return true, nil
}
