package pathtemplate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestResolve(t *testing.T) {
	ctx := Context{
		Timestamp: time.Date(2023, 11, 23, 10, 5, 0, 0, time.Local),
		UUID:      "4A1C-9F02",
	}

	t.Run("date placeholder with home expansion", func(t *testing.T) {
		got, err := Resolve("~/backups/{date}", ctx)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		home, err := os.UserHomeDir()
		if err != nil {
			t.Fatalf("UserHomeDir: %v", err)
		}
		want := filepath.Join(home, "backups", "20231123")
		if got != want {
			t.Errorf("expected %s, got %s", want, got)
		}
	})

	t.Run("all placeholders", func(t *testing.T) {
		got, err := Resolve("/media/{date}-{hour}{minute}-{uuid}-{uuid_short}", ctx)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		want := "/media/20231123-1005-4A1C-9F02-4A1C"
		if got != want {
			t.Errorf("expected %s, got %s", want, got)
		}
	})

	t.Run("short uuid shorter than four chars", func(t *testing.T) {
		got, err := Resolve("{uuid_short}", Context{UUID: "ab"})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if got != "ab" {
			t.Errorf("expected ab, got %s", got)
		}
	})

	t.Run("unknown placeholder fails", func(t *testing.T) {
		_, err := Resolve("/backups/{weekday}", ctx)
		if !errors.Is(err, ErrUnknownPlaceholder) {
			t.Fatalf("expected ErrUnknownPlaceholder, got %v", err)
		}
	})

	t.Run("idempotent for fixed context", func(t *testing.T) {
		first, err := Resolve("~/backups/{date}/{uuid_short}", ctx)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		second, err := Resolve("~/backups/{date}/{uuid_short}", ctx)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if first != second {
			t.Errorf("re-resolving with the same context changed the path: %s vs %s", first, second)
		}
	})

	t.Run("template without placeholders passes through", func(t *testing.T) {
		got, err := Resolve("/var/backups/cards", ctx)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if got != "/var/backups/cards" {
			t.Errorf("expected passthrough, got %s", got)
		}
	})
}

func TestEarliestModTime(t *testing.T) {
	t.Run("picks earliest file", func(t *testing.T) {
		dir := t.TempDir()
		old := filepath.Join(dir, "nested", "old.jpg")
		if err := os.MkdirAll(filepath.Dir(old), 0o755); err != nil {
			t.Fatal(err)
		}
		for _, name := range []string{old, filepath.Join(dir, "new.jpg")} {
			if err := os.WriteFile(name, []byte("x"), 0o644); err != nil {
				t.Fatal(err)
			}
		}
		oldTime := time.Date(2023, 11, 23, 10, 0, 0, 0, time.Local)
		if err := os.Chtimes(old, oldTime, oldTime); err != nil {
			t.Fatal(err)
		}

		got, found, err := EarliestModTime(dir)
		if err != nil {
			t.Fatalf("EarliestModTime: %v", err)
		}
		if !found {
			t.Fatal("expected files to be found")
		}
		if !got.Equal(oldTime) {
			t.Errorf("expected %v, got %v", oldTime, got)
		}
	})

	t.Run("empty tree reports not found", func(t *testing.T) {
		_, found, err := EarliestModTime(t.TempDir())
		if err != nil {
			t.Fatalf("EarliestModTime: %v", err)
		}
		if found {
			t.Error("expected no files in empty tree")
		}
	})

	t.Run("missing root errors", func(t *testing.T) {
		if _, _, err := EarliestModTime(filepath.Join(t.TempDir(), "missing")); err == nil {
			t.Error("expected error for missing root")
		}
	})
}

func TestContextFromSource(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.Local)

	t.Run("uses earliest mtime when available", func(t *testing.T) {
		dir := t.TempDir()
		file := filepath.Join(dir, "a.raw")
		if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		stamp := time.Date(2023, 1, 2, 3, 4, 0, 0, time.Local)
		if err := os.Chtimes(file, stamp, stamp); err != nil {
			t.Fatal(err)
		}

		ctx := ContextFromSource(dir, "u", now)
		if !ctx.Timestamp.Equal(stamp) {
			t.Errorf("expected %v, got %v", stamp, ctx.Timestamp)
		}
	})

	t.Run("falls back to now for empty tree", func(t *testing.T) {
		ctx := ContextFromSource(t.TempDir(), "u", now)
		if !ctx.Timestamp.Equal(now) {
			t.Errorf("expected fallback to %v, got %v", now, ctx.Timestamp)
		}
	})
}
