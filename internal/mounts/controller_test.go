package mounts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"cardbackup/internal/pathtemplate"
)

func writeMountTable(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mounts")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func stubMount(t *testing.T, fn func(source, target, fstype string, flags uintptr, data string) error) {
	t.Helper()
	orig := mountFn
	mountFn = fn
	t.Cleanup(func() { mountFn = orig })
}

func stubUnmount(t *testing.T, fn func(target string, flags int) error) {
	t.Helper()
	orig := unmountFn
	unmountFn = fn
	t.Cleanup(func() { unmountFn = orig })
}

func testContext() pathtemplate.Context {
	return pathtemplate.Context{
		Timestamp: time.Date(2023, 11, 23, 10, 0, 0, 0, time.Local),
		UUID:      "4A1C-9F02",
	}
}

func TestMountReusesExistingMount(t *testing.T) {
	ctrl := NewController(nil)
	ctrl.ProcMountsPath = writeMountTable(t,
		"/dev/sda1 / ext4 rw 0 0\n/dev/sdb1 /media/existing exfat rw 0 0\n")

	stubMount(t, func(string, string, string, uintptr, string) error {
		t.Fatal("mount syscall must not run for an already-mounted device")
		return nil
	})

	mountPoint, reused, err := ctrl.Mount(context.Background(), "/dev/sdb1", "exfat", "/media/card-{uuid}", testContext())
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if !reused {
		t.Error("expected reuse of the existing mount")
	}
	if mountPoint != "/media/existing" {
		t.Errorf("expected /media/existing, got %s", mountPoint)
	}
}

func TestMountEscapedMountPoint(t *testing.T) {
	ctrl := NewController(nil)
	ctrl.ProcMountsPath = writeMountTable(t, "/dev/sdb1 /media/my\\040card exfat rw 0 0\n")

	mountPoint, reused, err := ctrl.Mount(context.Background(), "/dev/sdb1", "exfat", "/media/card-{uuid}", testContext())
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if !reused || mountPoint != "/media/my card" {
		t.Errorf("expected decoded mount point, got %q (reused=%v)", mountPoint, reused)
	}
}

func TestMountCreatesMountPointAndMounts(t *testing.T) {
	ctrl := NewController(nil)
	ctrl.ProcMountsPath = writeMountTable(t, "/dev/sda1 / ext4 rw 0 0\n")

	base := t.TempDir()
	template := filepath.Join(base, "card-{uuid_short}")

	var gotSource, gotTarget, gotFstype string
	stubMount(t, func(source, target, fstype string, flags uintptr, data string) error {
		gotSource, gotTarget, gotFstype = source, target, fstype
		return nil
	})

	mountPoint, reused, err := ctrl.Mount(context.Background(), "/dev/sdb1", "exfat", template, testContext())
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if reused {
		t.Error("expected a fresh mount")
	}
	want := filepath.Join(base, "card-4A1C")
	if mountPoint != want {
		t.Errorf("expected %s, got %s", want, mountPoint)
	}
	if info, err := os.Stat(mountPoint); err != nil || !info.IsDir() {
		t.Errorf("expected mount point directory to exist: %v", err)
	}
	if gotSource != "/dev/sdb1" || gotTarget != want || gotFstype != "exfat" {
		t.Errorf("unexpected mount args %s %s %s", gotSource, gotTarget, gotFstype)
	}
}

func TestMountErrorMapping(t *testing.T) {
	t.Run("permission denied", func(t *testing.T) {
		ctrl := NewController(nil)
		ctrl.ProcMountsPath = writeMountTable(t, "")
		stubMount(t, func(string, string, string, uintptr, string) error {
			return unix.EPERM
		})
		_, _, err := ctrl.Mount(context.Background(), "/dev/sdb1", "exfat", filepath.Join(t.TempDir(), "mp"), testContext())
		if !errors.Is(err, ErrPermissionDenied) {
			t.Fatalf("expected ErrPermissionDenied, got %v", err)
		}
	})

	t.Run("generic failure", func(t *testing.T) {
		ctrl := NewController(nil)
		ctrl.ProcMountsPath = writeMountTable(t, "")
		stubMount(t, func(string, string, string, uintptr, string) error {
			return unix.EINVAL
		})
		_, _, err := ctrl.Mount(context.Background(), "/dev/sdb1", "exfat", filepath.Join(t.TempDir(), "mp"), testContext())
		if !errors.Is(err, ErrMountFailed) {
			t.Fatalf("expected ErrMountFailed, got %v", err)
		}
	})

	t.Run("unknown placeholder in template", func(t *testing.T) {
		ctrl := NewController(nil)
		ctrl.ProcMountsPath = writeMountTable(t, "")
		_, _, err := ctrl.Mount(context.Background(), "/dev/sdb1", "exfat", "/media/{bogus}", testContext())
		if !errors.Is(err, pathtemplate.ErrUnknownPlaceholder) {
			t.Fatalf("expected ErrUnknownPlaceholder, got %v", err)
		}
	})
}

func TestUnmount(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		ctrl := NewController(nil)
		var got string
		stubUnmount(t, func(target string, flags int) error {
			got = target
			return nil
		})
		if err := ctrl.Unmount(context.Background(), "/media/card"); err != nil {
			t.Fatalf("Unmount: %v", err)
		}
		if got != "/media/card" {
			t.Errorf("unexpected target %s", got)
		}
	})

	t.Run("failure wraps ErrUnmountFailed", func(t *testing.T) {
		ctrl := NewController(nil)
		stubUnmount(t, func(string, int) error { return unix.EBUSY })
		if err := ctrl.Unmount(context.Background(), "/media/card"); !errors.Is(err, ErrUnmountFailed) {
			t.Fatalf("expected ErrUnmountFailed, got %v", err)
		}
	})

	t.Run("cancelled context short-circuits", func(t *testing.T) {
		ctrl := NewController(nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		stubUnmount(t, func(string, int) error {
			t.Fatal("syscall must not run with cancelled context")
			return nil
		})
		if err := ctrl.Unmount(ctx, "/media/card"); err == nil {
			t.Fatal("expected context error")
		}
	})
}
