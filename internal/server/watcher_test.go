package server

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestConfigWatcher_ReloadsDisplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "display:\n  y_max: 1024\n")

	cfg := LoadConfig(path, zerolog.Nop())
	var changes atomic.Int32
	w := NewConfigWatcher(cfg, func() { changes.Add(1) }, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register before editing.
	time.Sleep(50 * time.Millisecond)
	writeFile(t, path, "display:\n  y_max: 4096\n  label: volts\nupload:\n  user: ignored\n")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && cfg.DisplaySettings().YMax != 4096 {
		time.Sleep(20 * time.Millisecond)
	}

	if d := cfg.DisplaySettings(); d.YMax != 4096 || d.Label != "volts" {
		t.Fatalf("display not reloaded: %+v", d)
	}
	if cfg.Upload.User != "proba2" {
		t.Errorf("non-display section reloaded: user %q", cfg.Upload.User)
	}
	if changes.Load() == 0 {
		t.Error("onChange not called")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(time.Second):
		t.Error("watcher did not stop")
	}
}

func TestConfigWatcher_RejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "display:\n  y_max: 512\n")
	cfg := LoadConfig(path, zerolog.Nop())

	called := false
	w := NewConfigWatcher(cfg, func() { called = true }, zerolog.Nop())

	writeFile(t, path, "display:\n  y_max: -1\n")
	if err := w.Reload(); err == nil {
		t.Error("Reload() accepted y_max below y_min")
	}
	writeFile(t, path, "display: [")
	if err := w.Reload(); err == nil {
		t.Error("Reload() accepted unparseable file")
	}

	if cfg.DisplaySettings().YMax != 512 {
		t.Errorf("YMax = %g, want 512 kept", cfg.DisplaySettings().YMax)
	}
	if called {
		t.Error("onChange called for rejected reload")
	}
}
