package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	var err error

	c.Backup.MountPointTemplate = strings.TrimSpace(c.Backup.MountPointTemplate)
	if c.Backup.MountPointTemplate == "" {
		c.Backup.MountPointTemplate = defaultMountPointTemplate
	}
	c.Backup.TargetPathTemplate = strings.TrimSpace(c.Backup.TargetPathTemplate)
	if c.Backup.TargetPathTemplate == "" {
		c.Backup.TargetPathTemplate = defaultTargetPathTemplate
	}
	if len(c.Backup.Filesystems) == 0 {
		c.Backup.Filesystems = defaultFilesystems()
	}
	for i, fstype := range c.Backup.Filesystems {
		c.Backup.Filesystems[i] = strings.ToLower(strings.TrimSpace(fstype))
	}

	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}

	c.Transfer.RsyncBinary = strings.TrimSpace(c.Transfer.RsyncBinary)
	if c.Transfer.RsyncBinary == "" {
		c.Transfer.RsyncBinary = defaultRsyncBinary
	}
	if c.Transfer.CancelGraceSeconds <= 0 {
		c.Transfer.CancelGraceSeconds = defaultCancelGrace
	}

	c.normalizeLogging()

	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeoutSeconds <= 0 {
		c.Notifications.RequestTimeoutSeconds = defaultNtfyTimeout
	}

	if strings.TrimSpace(c.History.Path) == "" {
		c.History.Path = defaultHistoryPath
	}
	if c.History.Path, err = expandPath(c.History.Path); err != nil {
		return fmt.Errorf("history.path: %w", err)
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.EventBufferSize <= 0 {
		c.Logging.EventBufferSize = defaultEventBufferSize
	}
}

// ExpandPath resolves ~ and relative segments to an absolute path.
func ExpandPath(path string) (string, error) {
	return expandPath(path)
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if trimmed == "~" {
			return home, nil
		}
		return filepath.Join(home, trimmed[2:]), nil
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path: %w", err)
	}
	return abs, nil
}
