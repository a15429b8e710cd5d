package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"cardbackup/internal/pathtemplate"
)

// ErrInvalidConfigKey indicates an update referenced a key the config does
// not expose.
var ErrInvalidConfigKey = errors.New("invalid config key")

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateTemplates(); err != nil {
		return err
	}
	if err := c.validateBind(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	for _, fstype := range c.Backup.Filesystems {
		if strings.TrimSpace(fstype) == "" {
			return errors.New("backup.filesystems must not contain empty entries")
		}
	}
	return nil
}

func (c *Config) validateTemplates() error {
	probe := pathtemplate.Context{Timestamp: time.Now(), UUID: "0000-0000"}
	if _, err := pathtemplate.Resolve(c.Backup.MountPointTemplate, probe); err != nil {
		return fmt.Errorf("backup.mount_point_template: %w", err)
	}
	if _, err := pathtemplate.Resolve(c.Backup.TargetPathTemplate, probe); err != nil {
		return fmt.Errorf("backup.target_path_template: %w", err)
	}
	return nil
}

func (c *Config) validateBind() error {
	host, port, err := net.SplitHostPort(c.Paths.APIBind)
	if err != nil {
		return fmt.Errorf("paths.api_bind: %w", err)
	}
	if host == "" || port == "" {
		return errors.New("paths.api_bind must be host:port")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}

// UpdateKey sets a single configuration value addressed by its dotted TOML
// key. Only scalar keys the API exposes for live update are supported.
func (c *Config) UpdateKey(key, value string) error {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "backup.mount_point_template":
		c.Backup.MountPointTemplate = value
	case "backup.target_path_template":
		c.Backup.TargetPathTemplate = value
	case "backup.auto_unmount":
		switch strings.ToLower(value) {
		case "true":
			c.Backup.AutoUnmount = true
		case "false":
			c.Backup.AutoUnmount = false
		default:
			return fmt.Errorf("backup.auto_unmount: expected true or false, got %q", value)
		}
	case "paths.api_bind":
		c.Paths.APIBind = value
	case "paths.api_token":
		c.Paths.APIToken = value
	case "transfer.rsync_binary":
		c.Transfer.RsyncBinary = value
	case "logging.level":
		c.Logging.Level = value
	case "logging.format":
		c.Logging.Format = value
	case "notifications.ntfy_topic":
		c.Notifications.NtfyTopic = value
	default:
		return fmt.Errorf("%w: %q", ErrInvalidConfigKey, key)
	}
	if err := c.normalize(); err != nil {
		return err
	}
	return c.Validate()
}
