package mounts

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"cardbackup/internal/logging"
	"cardbackup/internal/pathtemplate"
)

var (
	// ErrMountFailed indicates the mount syscall failed.
	ErrMountFailed = errors.New("mount failed")
	// ErrPermissionDenied indicates the daemon lacks privileges to mount.
	ErrPermissionDenied = errors.New("mount permission denied")
	// ErrUnmountFailed indicates the unmount syscall failed.
	ErrUnmountFailed = errors.New("unmount failed")
)

// Syscall seams, overridable in tests.
var (
	mountFn   = unix.Mount
	unmountFn = unix.Unmount
)

// Controller mounts and unmounts block devices at template-derived mount
// points. A device already mounted elsewhere is reused rather than mounted a
// second time.
type Controller struct {
	logger *slog.Logger

	// ProcMountsPath is where the kernel mount table is read from.
	// Overridable for tests.
	ProcMountsPath string
}

// NewController constructs a mount controller.
func NewController(logger *slog.Logger) *Controller {
	return &Controller{
		logger:         logging.NewComponentLogger(logger, "mounts"),
		ProcMountsPath: "/proc/mounts",
	}
}

// Mount ensures devicePath is mounted and returns its mount point. When the
// device already appears in the mount table the existing mount point is
// returned and reused reports true. Otherwise the mount point is derived
// from template, created if missing, and the device mounted with fsType.
func (c *Controller) Mount(ctx context.Context, devicePath, fsType, template string, tctx pathtemplate.Context) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	if existing, err := c.findExisting(devicePath); err != nil {
		c.logger.Warn("mount table unreadable", logging.Error(err))
	} else if existing != "" {
		c.logger.Info("device already mounted",
			logging.String(logging.FieldDevice, devicePath),
			logging.String("mount_point", existing),
		)
		return existing, true, nil
	}

	mountPoint, err := pathtemplate.Resolve(template, tctx)
	if err != nil {
		return "", false, fmt.Errorf("resolve mount point: %w", err)
	}
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return "", false, fmt.Errorf("create mount point %s: %w", mountPoint, err)
	}

	if err := mountFn(devicePath, mountPoint, fsType, 0, ""); err != nil {
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
			return "", false, fmt.Errorf("%w: mount %s at %s: %v", ErrPermissionDenied, devicePath, mountPoint, err)
		}
		return "", false, fmt.Errorf("%w: mount %s at %s: %v", ErrMountFailed, devicePath, mountPoint, err)
	}

	c.logger.Info("device mounted",
		logging.String(logging.FieldDevice, devicePath),
		logging.String("mount_point", mountPoint),
		logging.String("fstype", fsType),
	)
	return mountPoint, false, nil
}

// Unmount detaches the filesystem at mountPoint.
func (c *Controller) Unmount(ctx context.Context, mountPoint string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := unmountFn(mountPoint, 0); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnmountFailed, mountPoint, err)
	}
	c.logger.Info("device unmounted", logging.String("mount_point", mountPoint))
	return nil
}

// findExisting scans the kernel mount table for devicePath and returns its
// mount point, or empty when not mounted.
func (c *Controller) findExisting(devicePath string) (string, error) {
	file, err := os.Open(c.ProcMountsPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", c.ProcMountsPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if fields[0] == devicePath {
			return unescapeMountPath(fields[1]), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read %s: %w", c.ProcMountsPath, err)
	}
	return "", nil
}

// unescapeMountPath decodes the octal escapes /proc/mounts uses for spaces
// and other special characters.
func unescapeMountPath(path string) string {
	if !strings.Contains(path, `\`) {
		return path
	}
	var b strings.Builder
	for i := 0; i < len(path); i++ {
		if path[i] == '\\' && i+3 < len(path) {
			if value, ok := parseOctal(path[i+1 : i+4]); ok {
				b.WriteByte(value)
				i += 3
				continue
			}
		}
		b.WriteByte(path[i])
	}
	return b.String()
}

func parseOctal(s string) (byte, bool) {
	var value int
	for _, ch := range s {
		if ch < '0' || ch > '7' {
			return 0, false
		}
		value = value*8 + int(ch-'0')
	}
	if value > 0xff {
		return 0, false
	}
	return byte(value), true
}
