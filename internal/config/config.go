package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Backup contains the templates and policies driving backup runs.
type Backup struct {
	MountPointTemplate string `toml:"mount_point_template"`
	TargetPathTemplate string `toml:"target_path_template"`
	// Filesystems is the allowlist of filesystem types eligible for
	// automatic backup.
	Filesystems []string `toml:"filesystems"`
	// AutoUnmount controls whether devices mounted by the daemon are
	// unmounted once their run reaches a terminal state.
	AutoUnmount bool `toml:"auto_unmount"`
}

// Paths contains directory and bind address configuration.
type Paths struct {
	LogDir  string `toml:"log_dir"`
	APIBind string `toml:"api_bind"`
	// APIToken, when set, is the bearer token the HTTP API requires.
	APIToken string `toml:"api_token"`
}

// Transfer contains settings for the external synchronization process.
type Transfer struct {
	RsyncBinary        string `toml:"rsync_binary"`
	CancelGraceSeconds int    `toml:"cancel_grace_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
	// EventBufferSize bounds the in-memory event stream kept for replay.
	EventBufferSize int `toml:"event_buffer_size"`
}

// Notifications configures push notifications for backup lifecycle events.
type Notifications struct {
	// NtfyTopic is the full ntfy topic URL. Empty disables notifications.
	NtfyTopic             string `toml:"ntfy_topic"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// History contains configuration for the run-history database.
type History struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Config encapsulates all configuration values for cardbackup.
type Config struct {
	Backup        Backup        `toml:"backup"`
	Paths         Paths         `toml:"paths"`
	Transfer      Transfer      `toml:"transfer"`
	Logging       Logging       `toml:"logging"`
	Notifications Notifications `toml:"notifications"`
	History       History       `toml:"history"`
}

// DefaultConfigPath returns the absolute path to the default configuration
// file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/cardbackup/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. The second return is
// the resolved path, the third whether the file existed.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

// Save writes the configuration to path as TOML, creating parent
// directories as needed.
func (c *Config) Save(path string) error {
	if path == "" {
		return errors.New("config path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure config directory: %w", err)
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// WriteSample writes the embedded sample configuration to path. It refuses
// to overwrite an existing file.
func WriteSample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure config directory: %w", err)
	}
	return os.WriteFile(path, []byte(sampleConfig), 0o644)
}

// EnsureDirectories creates the directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.LogDir}
	if c.History.Enabled && c.History.Path != "" {
		dirs = append(dirs, filepath.Dir(c.History.Path))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Clone returns a deep copy, used when handing read-only snapshots to the
// orchestrator and watcher.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Backup.Filesystems = append([]string(nil), c.Backup.Filesystems...)
	return &clone
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}
