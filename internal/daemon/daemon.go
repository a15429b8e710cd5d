package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"

	"cardbackup/internal/bus"
	"cardbackup/internal/config"
	"cardbackup/internal/deps"
	"cardbackup/internal/devevent"
	"cardbackup/internal/history"
	"cardbackup/internal/logging"
	"cardbackup/internal/orchestrator"
)

// Daemon coordinates the device watcher, the backup orchestrator, and the
// HTTP API, and enforces single-instance execution through a lock file.
type Daemon struct {
	logger  *slog.Logger
	orch    *orchestrator.Orchestrator
	watcher *Watcher
	store   *history.Store
	hub     *bus.Hub
	api     *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	mu         sync.Mutex
	cfg        *config.Config
	configPath string
}

// Status represents daemon runtime information.
type Status struct {
	Running        bool
	PID            int
	WatcherRunning bool
	Backup         orchestrator.Snapshot
	Dependencies   []deps.Status
	LockFilePath   string
	HistoryDBPath  string
}

// New constructs a daemon with initialized dependencies. configPath is where
// config updates are persisted; store and hub may be nil.
func New(cfg *config.Config, configPath string, logger *slog.Logger, orch *orchestrator.Orchestrator, store *history.Store, hub *bus.Hub) (*Daemon, error) {
	if cfg == nil || logger == nil || orch == nil {
		return nil, errors.New("daemon requires config, logger, and orchestrator")
	}

	lockPath := filepath.Join(cfg.Paths.LogDir, "cardbackupd.lock")
	d := &Daemon{
		logger:     logger,
		orch:       orch,
		store:      store,
		hub:        hub,
		lockPath:   lockPath,
		lock:       flock.New(lockPath),
		cfg:        cfg.Clone(),
		configPath: configPath,
	}
	d.watcher = NewWatcher(deviceFilter(cfg), logger, d.handleDeviceEvent)

	server, err := newAPIServer(cfg, d, logger)
	if err != nil {
		return nil, err
	}
	d.api = server
	return d, nil
}

// Start acquires the daemon lock and launches the watcher and API server.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another cardbackup daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	if err := d.watcher.Start(d.ctx); err != nil {
		_ = d.lock.Unlock()
		d.cancel()
		d.ctx = nil
		d.cancel = nil
		return fmt.Errorf("start device watcher: %w", err)
	}
	if err := d.api.start(d.ctx); err != nil {
		d.watcher.Stop()
		_ = d.lock.Unlock()
		d.cancel()
		d.ctx = nil
		d.cancel = nil
		return err
	}

	if missing := deps.MissingRequired(deps.CheckBinaries(deps.ForConfig(d.Config()))); len(missing) > 0 {
		d.logger.Warn("required tools missing; backups will fail until installed",
			logging.String("missing", strings.Join(missing, ", ")),
		)
	}

	d.running.Store(true)
	d.logger.Info("cardbackup daemon started",
		logging.String("lock", d.lockPath),
		logging.String(logging.FieldEventType, "daemon_started"),
	)
	return nil
}

// Stop cancels the active backup, shuts down the watcher and API server, and
// releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	d.orch.Cancel()
	d.watcher.Stop()
	d.api.stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("cardbackup daemon stopped",
		logging.String(logging.FieldEventType, "daemon_stopped"),
	)
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	cfg := d.cfg
	historyPath := ""
	if cfg.History.Enabled {
		historyPath = cfg.History.Path
	}
	d.mu.Unlock()

	return Status{
		Running:        d.running.Load(),
		PID:            os.Getpid(),
		WatcherRunning: d.watcher.Running(),
		Backup:         d.orch.Status(),
		Dependencies:   deps.CheckBinaries(deps.ForConfig(cfg)),
		LockFilePath:   d.lockPath,
		HistoryDBPath:  historyPath,
	}
}

// Hub exposes the daemon's event stream for the API.
func (d *Daemon) Hub() *bus.Hub {
	return d.hub
}

// Config returns a copy of the active configuration.
func (d *Daemon) Config() *config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Clone()
}

// UpdateConfig validates and applies a single configuration change,
// persists the full configuration, and notifies the components that hold
// config snapshots. Runs already in flight keep their original settings.
func (d *Daemon) UpdateConfig(key, value string) (*config.Config, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	updated := d.cfg.Clone()
	if err := updated.UpdateKey(key, value); err != nil {
		return nil, err
	}
	if err := updated.Validate(); err != nil {
		return nil, err
	}
	if d.configPath != "" {
		if err := updated.Save(d.configPath); err != nil {
			return nil, err
		}
	}

	d.cfg = updated
	d.orch.OnConfigChanged(updated)
	d.watcher.SetFilter(deviceFilter(updated))
	d.logger.Info("configuration updated",
		logging.String("key", key),
		logging.String(logging.FieldEventType, "config_updated"),
	)
	return updated.Clone(), nil
}

func (d *Daemon) apiToken() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Paths.APIToken
}

// handleDeviceEvent starts an automatic backup for an eligible card. A card
// inserted while a backup is active is ignored, not queued.
func (d *Daemon) handleDeviceEvent(evt devevent.Event) {
	id, err := d.orch.Start(orchestrator.Request{
		SourcePath: evt.DevicePath,
		Origin:     orchestrator.OriginAutomatic,
		Device:     &evt,
	})
	switch {
	case errors.Is(err, orchestrator.ErrBackupInProgress):
		d.logger.Info("card ignored; a backup is already in progress",
			logging.String(logging.FieldDevice, evt.DevicePath),
			logging.String(logging.FieldEventType, "card_ignored"),
		)
	case err != nil:
		d.logger.Warn("failed to start automatic backup",
			logging.Error(err),
			logging.String(logging.FieldDevice, evt.DevicePath),
		)
	default:
		d.logger.Info("automatic backup started",
			logging.String(logging.FieldCorrelationID, id),
			logging.String(logging.FieldDevice, evt.DevicePath),
		)
	}
}

func deviceFilter(cfg *config.Config) devevent.Filter {
	filter := devevent.DefaultFilter()
	if len(cfg.Backup.Filesystems) > 0 {
		filter.Filesystems = append([]string(nil), cfg.Backup.Filesystems...)
	}
	return filter
}
