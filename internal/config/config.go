// Package config loads the two configuration layers: the per-user app
// config (TOML, device identity and sync endpoint) and the per-workspace
// config (YAML under .diaryx/, currently the link format).
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/diaryx/diaryx-go/internal/link"
	"github.com/diaryx/diaryx-go/internal/vfs"
)

// WorkspaceConfigPath is the workspace config location, relative to the
// workspace root.
const WorkspaceConfigPath = ".diaryx/workspace.yaml"

// WorkspaceConfig is the per-workspace configuration.
type WorkspaceConfig struct {
	// LinkFormat selects how part_of/contents links render on disk.
	LinkFormat link.Format `yaml:"link_format"`
	// DailyFolder is the optional subfolder for daily entries.
	DailyFolder string `yaml:"daily_folder,omitempty"`
}

// DefaultWorkspaceConfig returns the defaults for a new workspace.
func DefaultWorkspaceConfig() WorkspaceConfig {
	return WorkspaceConfig{LinkFormat: link.PlainRelative}
}

// LoadWorkspaceConfig reads the workspace config through fs, falling
// back to defaults when the file is absent.
func LoadWorkspaceConfig(ctx context.Context, fs vfs.FileSystem) (WorkspaceConfig, error) {
	cfg := DefaultWorkspaceConfig()
	raw, err := fs.ReadFile(ctx, WorkspaceConfigPath)
	if err != nil {
		if vfs.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", WorkspaceConfigPath, err)
	}
	if !cfg.LinkFormat.Valid() {
		return cfg, fmt.Errorf("config: unknown link_format %q", cfg.LinkFormat)
	}
	return cfg, nil
}

// SaveWorkspaceConfig writes the workspace config through fs.
func SaveWorkspaceConfig(ctx context.Context, fs vfs.FileSystem, cfg WorkspaceConfig) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal workspace config: %w", err)
	}
	return fs.WriteFile(ctx, WorkspaceConfigPath, raw)
}

// AppConfig is the per-user configuration.
type AppConfig struct {
	// DeviceName labels this device in update attribution.
	DeviceName string `toml:"device_name"`
	// SyncServerURL is the websocket endpoint for live sync; empty
	// disables the transport.
	SyncServerURL string `toml:"sync_server_url"`
	// LogFile enables rotated file logging when set.
	LogFile string `toml:"log_file"`
}

// DefaultAppConfigPath returns the app config path under the user config
// directory.
func DefaultAppConfigPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: user config dir: %w", err)
	}
	return filepath.Join(base, "diaryx", "config.toml"), nil
}

// LoadAppConfig reads the TOML app config at path. A missing file yields
// the zero config. Unknown keys are logged, not fatal.
func LoadAppConfig(path string, logger *slog.Logger) (AppConfig, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var cfg AppConfig
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	for _, key := range meta.Undecoded() {
		logger.Warn("unknown config key", "path", path, "key", key.String())
	}
	return cfg, nil
}

// SaveAppConfig writes the TOML app config, creating parent directories.
func SaveAppConfig(path string, cfg AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("config: encode %s: %w", path, err)
	}
	return nil
}
