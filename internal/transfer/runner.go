package transfer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"cardbackup/internal/logging"
)

var commandContext = exec.CommandContext

// ErrAlreadyRunning indicates a transfer was started while another was still
// in flight. Transfers never queue; the caller decides what to do.
var ErrAlreadyRunning = errors.New("a transfer is already running")

// Outcome classifies how a transfer ended.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeCancelled Outcome = "cancelled"
)

// Result describes a finished transfer.
type Result struct {
	Outcome  Outcome
	ExitCode int
	Err      error
}

// Runner launches and supervises the external synchronization process. At
// most one invocation is in flight per runner.
type Runner struct {
	binary string
	grace  time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	active *Handle
}

// NewRunner constructs a runner invoking binary, waiting grace between
// SIGTERM and SIGKILL on cancellation.
func NewRunner(binary string, grace time.Duration, logger *slog.Logger) *Runner {
	if binary == "" {
		binary = "rsync"
	}
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Runner{
		binary: binary,
		grace:  grace,
		logger: logging.NewComponentLogger(logger, "transfer"),
	}
}

// Start launches the synchronization process copying the contents of source
// into target. Every raw output line is passed to onLine in order. The
// returned handle owns the process until Wait returns.
func (r *Runner) Start(ctx context.Context, source, target string, onLine func(string)) (*Handle, error) {
	r.mu.Lock()
	if r.active != nil && !r.active.finished() {
		r.mu.Unlock()
		return nil, ErrAlreadyRunning
	}

	// Trailing slash: copy the directory contents, not the directory.
	src := strings.TrimSuffix(source, "/") + "/"
	dst := strings.TrimSuffix(target, "/") + "/"

	cmd := commandContext(ctx, r.binary, "-av", "--info=progress2", src, dst)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("start %s: %w", r.binary, err)
	}

	handle := &Handle{
		cmd:       cmd,
		grace:     r.grace,
		logger:    r.logger,
		cancelled: make(chan struct{}),
		done:      make(chan struct{}),
	}
	r.active = handle
	r.mu.Unlock()

	r.logger.Info("transfer started",
		logging.String("source", src),
		logging.String("target", dst),
	)

	go handle.supervise(stdout, onLine)
	return handle, nil
}

// CancelActive cancels the in-flight transfer if there is one. Calling it
// with nothing running is a no-op; the boolean reports whether a transfer
// was actually signalled.
func (r *Runner) CancelActive() bool {
	r.mu.Lock()
	handle := r.active
	r.mu.Unlock()
	if handle == nil || handle.finished() {
		return false
	}
	handle.Cancel()
	return true
}

// Handle supervises one transfer process from start to exit.
type Handle struct {
	cmd    *exec.Cmd
	grace  time.Duration
	logger *slog.Logger

	cancelOnce sync.Once
	cancelled  chan struct{}

	done   chan struct{}
	result Result
}

// Cancel requests termination: SIGTERM immediately, SIGKILL once the grace
// period expires without the process exiting. Safe to call repeatedly and
// after the process has already finished.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.cancelOnce.Do(func() {
		close(h.cancelled)
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Signal(syscall.SIGTERM)
		}
		go func() {
			select {
			case <-h.done:
			case <-time.After(h.grace):
				if h.cmd.Process != nil {
					_ = h.cmd.Process.Kill()
				}
			}
		}()
	})
}

// Wait blocks until the process exits and returns its result. Safe to call
// from multiple goroutines.
func (h *Handle) Wait() Result {
	<-h.done
	return h.result
}

func (h *Handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Handle) wasCancelled() bool {
	select {
	case <-h.cancelled:
		return true
	default:
		return false
	}
}

// scanOutputLines splits on newline or carriage return. Progress updates
// are terminated with a bare \r so the line is overwritten in place; a
// newline-only scanner would hold them back until the process exits.
func scanOutputLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		advance := i + 1
		if data[i] == '\r' && advance < len(data) && data[advance] == '\n' {
			advance++
		}
		return advance, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (h *Handle) supervise(stdout io.Reader, onLine func(string)) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanOutputLines)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if onLine != nil {
			onLine(line)
		}
	}
	if err := scanner.Err(); err != nil {
		h.logger.Warn("transfer output stream interrupted", logging.Error(err))
		// Drain so the process never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, stdout)
	}

	err := h.cmd.Wait()
	switch {
	case h.wasCancelled():
		h.result = Result{Outcome: OutcomeCancelled, ExitCode: h.cmd.ProcessState.ExitCode()}
	case err == nil:
		h.result = Result{Outcome: OutcomeSuccess}
	default:
		h.result = Result{
			Outcome:  OutcomeFailure,
			ExitCode: h.cmd.ProcessState.ExitCode(),
			Err:      err,
		}
	}
	close(h.done)
}
