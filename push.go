package alwaysoffline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// ErrInvalidPayload is returned for push payloads that cannot be shown.
var ErrInvalidPayload = errors.New("invalid push payload")

// PushPayload is the JSON document carried by a push event.
type PushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// ParsePushPayload decodes and validates a push payload.
func ParsePushPayload(data []byte) (PushPayload, error) {
	var p PushPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return PushPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(p.Title) == "" {
		return PushPayload{}, fmt.Errorf("%w: title is required", ErrInvalidPayload)
	}
	return p, nil
}

// NotificationOptions are the display options of a notification.
type NotificationOptions struct {
	Body  string
	Icon  string
	Badge string
}

// Notifier displays user notifications.
type Notifier interface {
	ShowNotification(ctx context.Context, title string, opts NotificationOptions) error
}

// LogNotifier "displays" notifications by logging them.
type LogNotifier struct {
	Logger zerolog.Logger
}

// ShowNotification logs the notification at info level.
func (n LogNotifier) ShowNotification(_ context.Context, title string, opts NotificationOptions) error {
	n.Logger.Info().
		Str("title", title).
		Str("body", opts.Body).
		Str("icon", opts.Icon).
		Str("badge", opts.Badge).
		Msg("Notification")
	return nil
}

// Push shows the notification carried by a push event, at most once.
// A malformed payload is returned as ErrInvalidPayload and nothing is shown.
func (w *Worker) Push(ctx context.Context, data []byte) error {
	w.log.Debug().Int("bytes", len(data)).Msg("Push received")
	p, err := ParsePushPayload(data)
	if err != nil {
		w.log.Error().Err(err).Msg("Could not parse push payload")
		return err
	}
	return w.notifier.ShowNotification(ctx, p.Title, NotificationOptions{
		Body:  p.Body,
		Icon:  w.icon,
		Badge: w.badge,
	})
}

// NotificationClick handles a click on the notification with the given tag.
func (w *Worker) NotificationClick(tag string) {
	w.log.Info().Str("notification", tag).Msg("Notification clicked")
}

// NotificationClose handles the dismissal of the notification with the given tag.
func (w *Worker) NotificationClose(tag string) {
	w.log.Info().Str("notification", tag).Msg("Notification closed")
}
