package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cardbackup/internal/config"
)

const userAgent = "cardbackup/0.1.0"

// Service defines the notification surface exposed to the orchestrator.
type Service interface {
	NotifyBackupStarted(ctx context.Context, source string) error
	NotifyBackupCompleted(ctx context.Context, target string, duration time.Duration) error
	NotifyBackupFailed(ctx context.Context, cause error) error
	NotifyBackupCancelled(ctx context.Context) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) NotifyBackupStarted(ctx context.Context, source string) error {
	data := payload{
		title:   "cardbackup - Backup Started",
		message: fmt.Sprintf("Backing up %s", strings.TrimSpace(source)),
		tags:    []string{"cardbackup", "backup", "started"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyBackupCompleted(ctx context.Context, target string, duration time.Duration) error {
	duration = duration.Round(time.Second)
	if duration < 0 {
		duration = 0
	}
	data := payload{
		title:   "cardbackup - Backup Complete",
		message: fmt.Sprintf("Copied to %s in %s", strings.TrimSpace(target), duration),
		tags:    []string{"cardbackup", "backup", "completed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyBackupFailed(ctx context.Context, cause error) error {
	message := "Backup failed"
	if cause != nil {
		message = fmt.Sprintf("Backup failed: %s", strings.TrimSpace(cause.Error()))
	}
	data := payload{
		title:    "cardbackup - Backup Failed",
		message:  message,
		tags:     []string{"cardbackup", "backup", "failed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyBackupCancelled(ctx context.Context) error {
	data := payload{
		title:   "cardbackup - Backup Cancelled",
		message: "Backup cancelled before completion",
		tags:    []string{"cardbackup", "backup", "cancelled"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "cardbackup - Test",
		message:  "Notification system test",
		tags:     []string{"cardbackup", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyBackupStarted(context.Context, string) error                  { return nil }
func (noopService) NotifyBackupCompleted(context.Context, string, time.Duration) error { return nil }
func (noopService) NotifyBackupFailed(context.Context, error) error                    { return nil }
func (noopService) NotifyBackupCancelled(context.Context) error                        { return nil }
func (noopService) TestNotification(context.Context) error                             { return nil }
