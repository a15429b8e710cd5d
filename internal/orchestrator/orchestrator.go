package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"cardbackup/internal/config"
	"cardbackup/internal/devevent"
	"cardbackup/internal/history"
	"cardbackup/internal/logging"
	"cardbackup/internal/notifications"
	"cardbackup/internal/pathtemplate"
	"cardbackup/internal/transfer"
)

var (
	// ErrBackupInProgress rejects a start attempt while another run is
	// active. Requests are never queued.
	ErrBackupInProgress = errors.New("a backup is already in progress")
	// ErrInvalidPath rejects a manual request whose source is not an
	// existing directory.
	ErrInvalidPath = errors.New("invalid source path")
)

// Origin distinguishes device-triggered runs from operator-triggered ones.
type Origin string

const (
	OriginAutomatic Origin = "automatic"
	OriginManual    Origin = "manual"
)

// State is the lifecycle position of a backup run.
type State string

const (
	StateIdle         State = "idle"
	StateMounting     State = "mounting"
	StateResolving    State = "resolving"
	StateTransferring State = "transferring"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// Terminal reports whether the state ends a run.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Request describes one backup to perform. Automatic requests carry the
// device event that triggered them; their source is the device path and the
// actual source directory is known only after mounting. Manual requests name
// an existing directory and an explicit target.
type Request struct {
	SourcePath     string
	TargetTemplate string
	Origin         Origin
	Device         *devevent.Event
}

// Snapshot is the externally visible status, always consistent with the
// current run's state.
type Snapshot struct {
	Active        bool      `json:"active"`
	State         State     `json:"state"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	FinishedAt    time.Time `json:"finished_at,omitzero"`
}

// Mounter is the mount facility the orchestrator drives.
type Mounter interface {
	Mount(ctx context.Context, devicePath, fsType, template string, tctx pathtemplate.Context) (string, bool, error)
	Unmount(ctx context.Context, mountPoint string) error
}

// TransferHandle supervises one running transfer.
type TransferHandle interface {
	Cancel()
	Wait() transfer.Result
}

// Transferer launches the external copy process.
type Transferer interface {
	Start(ctx context.Context, source, target string, onLine func(string)) (TransferHandle, error)
}

// RunnerAdapter adapts *transfer.Runner to the Transferer interface.
type RunnerAdapter struct {
	Runner *transfer.Runner
}

func (a RunnerAdapter) Start(ctx context.Context, source, target string, onLine func(string)) (TransferHandle, error) {
	handle, err := a.Runner.Start(ctx, source, target, onLine)
	if err != nil {
		return nil, err
	}
	return handle, nil
}

type run struct {
	id              string
	req             Request
	state           State
	ctx             context.Context
	cancel          context.CancelFunc
	cancelRequested bool
	handle          TransferHandle
	mountPoint      string
	mountedByUs     bool
	fsUUID          string
	sourceDir       string
	targetPath      string
	startedAt       time.Time
	finishedAt      time.Time
}

// Orchestrator owns the single-active-run invariant: admission, state
// transitions, and the status snapshot all pass through one mutex.
type Orchestrator struct {
	logger     *slog.Logger
	lineLogger *slog.Logger
	mounter    Mounter
	transferer Transferer
	store      *history.Store

	// newNotifier builds the push-notification service for a run's config
	// snapshot. Overridable for tests.
	newNotifier func(*config.Config) notifications.Service

	mu      sync.Mutex
	cfg     *config.Config
	current *run
	last    Snapshot
}

// New constructs an orchestrator. store may be nil to disable history.
func New(cfg *config.Config, logger *slog.Logger, mounter Mounter, transferer Transferer, store *history.Store) *Orchestrator {
	return &Orchestrator{
		logger:      logging.NewComponentLogger(logger, "orchestrator"),
		lineLogger:  logging.NewComponentLogger(logger, "rsync"),
		mounter:     mounter,
		transferer:  transferer,
		store:       store,
		newNotifier: notifications.NewService,
		cfg:         cfg.Clone(),
		last:        Snapshot{State: StateIdle, Message: "Idle"},
	}
}

// Start admits and launches a backup run. It returns the run's correlation
// ID once admitted; the run itself proceeds on its own goroutine. A second
// start while a run is active fails with ErrBackupInProgress.
func (o *Orchestrator) Start(req Request) (string, error) {
	if req.Origin == "" {
		req.Origin = OriginManual
	}
	if req.Origin == OriginManual {
		info, err := os.Stat(req.SourcePath)
		if err != nil || !info.IsDir() {
			return "", fmt.Errorf("%w: %s is not an existing directory", ErrInvalidPath, req.SourcePath)
		}
	}

	o.mu.Lock()
	if o.current != nil {
		o.mu.Unlock()
		return "", ErrBackupInProgress
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:        uuid.NewString(),
		req:       req,
		state:     StateIdle,
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now().UTC(),
	}
	if req.Device != nil {
		r.fsUUID = req.Device.FilesystemUUID
	}
	o.current = r
	cfg := o.cfg
	o.mu.Unlock()

	go o.execute(r, cfg)
	return r.id, nil
}

// Cancel requests cancellation of the active run. It always succeeds: with
// no run active it is a no-op and the status snapshot is left untouched.
func (o *Orchestrator) Cancel() string {
	o.mu.Lock()
	r := o.current
	if r == nil {
		o.mu.Unlock()
		return "no backup in progress"
	}
	r.cancelRequested = true
	handle := r.handle
	cancel := r.cancel
	id := r.id
	o.mu.Unlock()

	o.logger.Info("cancellation requested", logging.String(logging.FieldCorrelationID, id))
	if handle != nil {
		handle.Cancel()
	}
	cancel()
	return "cancellation requested"
}

// Status returns the current snapshot.
func (o *Orchestrator) Status() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// OnConfigChanged swaps the read-only configuration snapshot. Runs already
// in flight keep the snapshot they were admitted with.
func (o *Orchestrator) OnConfigChanged(cfg *config.Config) {
	if cfg == nil {
		return
	}
	o.mu.Lock()
	o.cfg = cfg.Clone()
	o.mu.Unlock()
}

func (o *Orchestrator) execute(r *run, cfg *config.Config) {
	if err := o.newNotifier(cfg).NotifyBackupStarted(r.ctx, r.req.SourcePath); err != nil {
		o.logger.Warn("notification delivery failed",
			logging.Error(err),
			logging.String(logging.FieldCorrelationID, r.id),
		)
	}
	if !o.stageMount(r, cfg) {
		return
	}
	if !o.stageResolve(r, cfg) {
		return
	}
	o.stageTransfer(r, cfg)
}

// stageMount moves the run through Mounting. Automatic runs mount the
// device; manual runs already have a readable source directory.
func (o *Orchestrator) stageMount(r *run, cfg *config.Config) bool {
	if r.req.Origin == OriginManual {
		o.transition(r, StateMounting, fmt.Sprintf("Using existing source %s", r.req.SourcePath))
		r.sourceDir = r.req.SourcePath
		return !o.finishIfCancelled(r, cfg)
	}

	device := r.req.Device
	o.transition(r, StateMounting, fmt.Sprintf("Mounting %s", r.req.SourcePath))
	tctx := pathtemplate.Context{Timestamp: time.Now(), UUID: r.fsUUID}
	fsType := ""
	if device != nil {
		fsType = device.FilesystemType
	}
	mountPoint, reused, err := o.mounter.Mount(r.ctx, r.req.SourcePath, fsType, cfg.Backup.MountPointTemplate, tctx)
	if err != nil {
		if o.finishIfCancelled(r, cfg) {
			return false
		}
		o.finish(r, cfg, StateFailed, fmt.Sprintf("Mount failed: %v", err), err)
		return false
	}
	r.mountPoint = mountPoint
	r.mountedByUs = !reused
	r.sourceDir = mountPoint
	return !o.finishIfCancelled(r, cfg)
}

// stageResolve computes and prepares the target path.
func (o *Orchestrator) stageResolve(r *run, cfg *config.Config) bool {
	o.transition(r, StateResolving, "Resolving target path")

	template := r.req.TargetTemplate
	if template == "" {
		template = cfg.Backup.TargetPathTemplate
	}
	tctx := pathtemplate.ContextFromSource(r.sourceDir, r.fsUUID, time.Now())
	target, err := pathtemplate.Resolve(template, tctx)
	if err != nil {
		o.finish(r, cfg, StateFailed, fmt.Sprintf("Target resolution failed: %v", err), err)
		return false
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		o.finish(r, cfg, StateFailed, fmt.Sprintf("Cannot create target %s: %v", target, err), err)
		return false
	}
	r.targetPath = target
	return !o.finishIfCancelled(r, cfg)
}

// stageTransfer drives the external copy process to a terminal state.
func (o *Orchestrator) stageTransfer(r *run, cfg *config.Config) {
	o.transition(r, StateTransferring, fmt.Sprintf("Copying %s to %s", r.sourceDir, r.targetPath))

	lineLogger := o.lineLogger.With(logging.String(logging.FieldCorrelationID, r.id))
	handle, err := o.transferer.Start(context.WithoutCancel(r.ctx), r.sourceDir, r.targetPath, func(line string) {
		lineLogger.Info(line)
	})
	if err != nil {
		o.finish(r, cfg, StateFailed, fmt.Sprintf("Could not launch transfer: %v", err), err)
		return
	}

	o.mu.Lock()
	r.handle = handle
	pendingCancel := r.cancelRequested
	o.mu.Unlock()
	if pendingCancel {
		handle.Cancel()
	}

	result := handle.Wait()
	switch result.Outcome {
	case transfer.OutcomeSuccess:
		o.finish(r, cfg, StateCompleted, fmt.Sprintf("Backup completed: %s", r.targetPath), nil)
	case transfer.OutcomeCancelled:
		o.finish(r, cfg, StateCancelled, "Backup cancelled", nil)
	default:
		err := fmt.Errorf("transfer exited with code %d", result.ExitCode)
		o.finish(r, cfg, StateFailed, fmt.Sprintf("Backup failed: %v", err), err)
	}
}

// finishIfCancelled settles the run as Cancelled when cancellation was
// requested during a non-transfer stage.
func (o *Orchestrator) finishIfCancelled(r *run, cfg *config.Config) bool {
	o.mu.Lock()
	requested := r.cancelRequested
	o.mu.Unlock()
	if !requested && r.ctx.Err() == nil {
		return false
	}
	o.finish(r, cfg, StateCancelled, "Backup cancelled", nil)
	return true
}

// finish publishes the terminal transition, performs cleanup, records the
// run, and releases the admission gate so the next backup can start.
func (o *Orchestrator) finish(r *run, cfg *config.Config, state State, message string, cause error) {
	r.finishedAt = time.Now().UTC()
	o.transition(r, state, message)

	if r.mountedByUs && cfg.Backup.AutoUnmount {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := o.mounter.Unmount(ctx, r.mountPoint); err != nil {
			o.logger.Warn("unmount after backup failed",
				logging.Error(err),
				logging.String(logging.FieldCorrelationID, r.id),
			)
		}
		cancel()
	}

	if o.store != nil {
		record := history.RunRecord{
			CorrelationID: r.id,
			Origin:        string(r.req.Origin),
			SourcePath:    r.req.SourcePath,
			TargetPath:    r.targetPath,
			State:         string(state),
			StartedAt:     r.startedAt,
			FinishedAt:    r.finishedAt,
		}
		if r.req.Device != nil {
			record.DevicePath = r.req.Device.DevicePath
		}
		if cause != nil {
			record.Error = cause.Error()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := o.store.Record(ctx, record); err != nil {
			o.logger.Warn("failed to record run history",
				logging.Error(err),
				logging.String(logging.FieldCorrelationID, r.id),
			)
		}
		cancel()
	}

	r.cancel()

	o.mu.Lock()
	o.current = nil
	o.last = Snapshot{
		Active:        false,
		State:         StateIdle,
		Message:       message,
		CorrelationID: r.id,
		StartedAt:     r.startedAt,
		FinishedAt:    r.finishedAt,
	}
	o.mu.Unlock()

	// Delivery may take seconds against a slow endpoint; the gate is already
	// released, so a new backup is never held up by a notification.
	notifyCtx, cancelNotify := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelNotify()
	notifier := o.newNotifier(cfg)
	var notifyErr error
	switch state {
	case StateCompleted:
		notifyErr = notifier.NotifyBackupCompleted(notifyCtx, r.targetPath, r.finishedAt.Sub(r.startedAt))
	case StateCancelled:
		notifyErr = notifier.NotifyBackupCancelled(notifyCtx)
	case StateFailed:
		notifyErr = notifier.NotifyBackupFailed(notifyCtx, cause)
	}
	if notifyErr != nil {
		o.logger.Warn("notification delivery failed",
			logging.Error(notifyErr),
			logging.String(logging.FieldCorrelationID, r.id),
		)
	}
}

// transition moves the run to state and updates the snapshot atomically with
// respect to Status readers. The log record doubles as the published event.
func (o *Orchestrator) transition(r *run, state State, message string) {
	o.mu.Lock()
	r.state = state
	o.last = Snapshot{
		Active:        !state.Terminal(),
		State:         state,
		Message:       message,
		CorrelationID: r.id,
		StartedAt:     r.startedAt,
		FinishedAt:    r.finishedAt,
	}
	o.mu.Unlock()

	o.logger.Info(message,
		logging.String(logging.FieldCorrelationID, r.id),
		logging.String(logging.FieldState, string(state)),
		logging.String("origin", string(r.req.Origin)),
	)
}
