package daemon

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"cardbackup/internal/devevent"
	"cardbackup/internal/logging"
)

// Watcher listens for udev netlink events, filters them down to
// backup-eligible card insertions, and dispatches matches. Dispatch is
// fire-and-forget: the netlink read loop never waits on a backup.
type Watcher struct {
	logger   *slog.Logger
	dispatch func(devevent.Event)

	mu      sync.Mutex
	filter  devevent.Filter
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

// NewWatcher creates a device watcher applying filter to every event.
func NewWatcher(filter devevent.Filter, logger *slog.Logger, dispatch func(devevent.Event)) *Watcher {
	return &Watcher{
		logger:   logging.NewComponentLogger(logger, "device-watcher"),
		dispatch: dispatch,
		filter:   filter,
	}
}

// Start begins listening for udev netlink events. A failure to open the
// netlink socket is logged but not fatal: manual backups keep working.
func (w *Watcher) Start(ctx context.Context) error {
	if w == nil {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		w.logger.Warn("failed to connect to netlink socket; automatic backups unavailable",
			logging.Error(err),
			logging.String(logging.FieldEventType, "netlink_connect_failed"),
		)
		return nil
	}

	w.conn = conn
	w.quit = make(chan struct{})
	w.running = true

	quit := w.quit
	go w.monitorLoop(ctx, conn, quit)

	w.logger.Info("device watcher started",
		logging.String(logging.FieldEventType, "device_watcher_started"),
	)
	return nil
}

// Stop shuts down the watcher.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	if w.quit != nil {
		close(w.quit)
		w.quit = nil
	}
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
	w.running = false

	w.logger.Info("device watcher stopped",
		logging.String(logging.FieldEventType, "device_watcher_stopped"),
	)
}

// Running reports whether the watcher is active.
func (w *Watcher) Running() bool {
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// SetFilter swaps the eligibility filter, used on config changes.
func (w *Watcher) SetFilter(filter devevent.Filter) {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.filter = filter
	w.mu.Unlock()
}

func (w *Watcher) currentFilter() devevent.Filter {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.filter
}

func (w *Watcher) monitorLoop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)

	monitorQuit := conn.Monitor(queue, errs, w.buildMatcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-queue:
			w.handleEvent(uevent)
		case err := <-errs:
			w.logger.Warn("device watcher error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "device_watcher_error"),
			)
		}
	}
}

// buildMatcher narrows the kernel feed to partition add events; the full
// eligibility filter runs in handleEvent.
func (w *Watcher) buildMatcher() netlink.Matcher {
	action := "add"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "block",
			"DEVTYPE":   "partition",
		},
	})
	return rules
}

// handleEvent normalizes and filters one uevent, dispatching matches on
// their own goroutine. Dispatch errors are the dispatcher's to log; a failed
// event never stops the loop.
func (w *Watcher) handleEvent(uevent netlink.UEvent) {
	evt := normalizeEvent(uevent)
	if evt.DevicePath == "" {
		w.logger.Debug("ignoring event without device name",
			logging.String("action", evt.Action),
		)
		return
	}

	if !w.currentFilter().Matches(evt) {
		w.logger.Debug("ignoring ineligible device event",
			logging.String(logging.FieldDevice, evt.DevicePath),
			logging.String("action", evt.Action),
			logging.String("fstype", evt.FilesystemType),
		)
		return
	}

	w.logger.Info("backup-eligible card detected",
		logging.String(logging.FieldEventType, "card_detected"),
		logging.String(logging.FieldDevice, evt.DevicePath),
		logging.String("label", devevent.DisplayLabel(evt.Label)),
		logging.String("fstype", evt.FilesystemType),
	)

	if w.dispatch == nil {
		return
	}
	go w.dispatch(evt)
}

// normalizeEvent converts a raw uevent into the internal device event
// record.
func normalizeEvent(uevent netlink.UEvent) devevent.Event {
	evt := devevent.Event{
		Subsystem:       uevent.Env["SUBSYSTEM"],
		Action:          string(uevent.Action),
		DeviceType:      uevent.Env["DEVTYPE"],
		Bus:             uevent.Env["ID_BUS"],
		PartitionNumber: uevent.Env["PARTN"],
		FilesystemType:  uevent.Env["ID_FS_TYPE"],
		FilesystemUUID:  uevent.Env["ID_FS_UUID"],
		DevicePath:      uevent.Env["DEVNAME"],
		Label:           uevent.Env["ID_FS_LABEL"],
	}
	if evt.DevicePath == "" {
		if devpath := uevent.Env["DEVPATH"]; devpath != "" {
			parts := strings.Split(devpath, "/")
			if name := parts[len(parts)-1]; name != "" {
				evt.DevicePath = "/dev/" + name
			}
		}
	}
	return evt
}
