package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bibwatch/internal/config"
)

const userAgent = "bibwatch/0.1"

// Event names a job milestone that can be published.
type Event string

const (
	EventJobCompleted      Event = "job_completed"
	EventDownloadCompleted Event = "download_completed"
	EventJobCancelled      Event = "job_cancelled"
	EventError             Event = "error"
	EventTest              Event = "test"
)

// Payload carries the values an event message is rendered from.
type Payload map[string]any

// Service publishes job milestones.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds an ntfy-backed Service, or a no-op when no topic is set.
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

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	msg, ok := render(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

// render returns false for events that are not worth a push.
func render(event Event, payload Payload) (message, bool) {
	switch event {
	case EventJobCompleted:
		confirmed := intValue(payload, "confirmed")
		body := fmt.Sprintf("Processing complete: %d finisher", confirmed)
		if confirmed != 1 {
			body += "s"
		}
		body += " confirmed"
		if elapsed := stringValue(payload, "elapsed"); elapsed != "" {
			body += " in " + elapsed
		}
		return message{
			title:    "bibwatch - Complete",
			body:     body,
			tags:     []string{"bibwatch", "job", "completed"},
			priority: "high",
		}, true
	case EventDownloadCompleted:
		body := "Download complete"
		if video := stringValue(payload, "video"); video != "" {
			body += ": " + video
		}
		return message{
			title: "bibwatch - Downloaded",
			body:  body,
			tags:  []string{"bibwatch", "download", "completed"},
		}, true
	case EventError:
		var b strings.Builder
		b.WriteString("Error")
		if label := stringValue(payload, "context"); label != "" {
			b.WriteString(" during ")
			b.WriteString(label)
		}
		b.WriteString(": ")
		if text := stringValue(payload, "error"); text != "" {
			b.WriteString(text)
		} else {
			b.WriteString("unknown")
		}
		return message{
			title:    "bibwatch - Error",
			body:     b.String(),
			tags:     []string{"bibwatch", "error", "alert"},
			priority: "high",
		}, true
	case EventTest:
		return message{
			title:    "bibwatch - Test",
			body:     "Notification system test",
			tags:     []string{"bibwatch", "test"},
			priority: "low",
		}, true
	default:
		return message{}, false
	}
}

func stringValue(payload Payload, key string) string {
	if payload == nil {
		return ""
	}
	switch v := payload[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func intValue(payload Payload, key string) int {
	if payload == nil {
		return 0
	}
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" {
		req.Header.Set("Priority", msg.priority)
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

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
