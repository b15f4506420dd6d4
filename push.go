package transportepwa

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// Defaults for notifications with missing fields.
const (
	defaultTitle = "Transporte"
	defaultBody  = "Nueva notificación"
	defaultIcon  = "/icons/icon-192x192.png"
	defaultBadge = "/icons/badge-72x72.png"
	defaultTag   = "notification"
)

// NotificationAction is a button rendered on a notification.
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// Notification is what gets handed to the notification surface.
// Notifications are ephemeral; they are not persisted past delivery.
type Notification struct {
	Title              string
	Body               string
	Icon               string
	Badge              string
	Tag                string
	RequireInteraction bool
	Actions            []NotificationAction
	Data               map[string]any
	Vibrate            []int
}

// Notifier renders user-visible notifications. Show must not return
// until the notification is displayed; the platform awaits it before
// considering the push event handled.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, tag string) error
}

// logNotifier is the fallback notification surface used when the worker
// runs without a UI.
type logNotifier struct {
	log zerolog.Logger
}

func (l logNotifier) Show(_ context.Context, n Notification) error {
	l.log.Info().Str("tag", n.Tag).Str("title", n.Title).Str("body", n.Body).Msg("Notification")
	return nil
}

func (l logNotifier) Close(context.Context, string) error { return nil }

// Client is an open application view.
type Client interface {
	URL() string
	Focus(ctx context.Context) error
}

// Clients is the set of views the worker may control.
type Clients interface {
	List(ctx context.Context) ([]Client, error)
	OpenWindow(ctx context.Context, url string) error
	// Claim takes control of all open views.
	Claim(ctx context.Context) error
}

type noopClients struct{}

func (noopClients) List(context.Context) ([]Client, error)   { return nil, nil }
func (noopClients) OpenWindow(context.Context, string) error { return nil }
func (noopClients) Claim(context.Context) error              { return nil }

// PushMessage is the payload of an out-of-band push delivery.
type PushMessage struct {
	Title              string               `json:"title"`
	Body               string               `json:"body"`
	Icon               string               `json:"icon"`
	Badge              string               `json:"badge"`
	Tag                string               `json:"tag"`
	RequireInteraction bool                 `json:"requireInteraction"`
	Actions            []NotificationAction `json:"actions"`
	Data               map[string]any       `json:"data"`
}

// HandlePush renders an incoming push payload as a notification.
// A payload that is not valid JSON degrades to a plain-text body with
// default title and icons instead of being dropped.
func (w *Worker) HandlePush(ctx context.Context, payload []byte) error {
	n := Notification{
		Title:   defaultTitle,
		Body:    defaultBody,
		Icon:    defaultIcon,
		Badge:   defaultBadge,
		Tag:     defaultTag,
		Actions: []NotificationAction{},
		Data:    map[string]any{},
		Vibrate: []int{200, 100, 200},
	}
	if len(payload) > 0 {
		var msg PushMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			w.log.Error().Err(err).Msg("Could not parse push payload")
			n.Body = string(payload)
		} else {
			if msg.Title != "" {
				n.Title = msg.Title
			}
			if msg.Body != "" {
				n.Body = msg.Body
			}
			if msg.Icon != "" {
				n.Icon = msg.Icon
			}
			if msg.Badge != "" {
				n.Badge = msg.Badge
			}
			if msg.Tag != "" {
				n.Tag = msg.Tag
			}
			n.RequireInteraction = msg.RequireInteraction
			if msg.Actions != nil {
				n.Actions = msg.Actions
			}
			if msg.Data != nil {
				n.Data = msg.Data
			}
		}
	}
	w.log.Debug().Str("tag", n.Tag).Msg("Push notification received")
	return w.notifier.Show(ctx, n)
}

// NotificationClick describes a user interaction with a displayed
// notification.
type NotificationClick struct {
	// Action is the identifier of the clicked action button, if any.
	Action string
	Tag    string
	Data   map[string]any
}

// HandleNotificationClick closes the notification and routes the user
// to the target view: an exactly matching open view is focused,
// otherwise a new one is opened.
func (w *Worker) HandleNotificationClick(ctx context.Context, click NotificationClick) error {
	w.log.Debug().Str("tag", click.Tag).Str("action", click.Action).Msg("Notification clicked")
	if err := w.notifier.Close(ctx, click.Tag); err != nil {
		w.log.Warn().Err(err).Str("tag", click.Tag).Msg("Could not close notification")
	}

	target := "/"
	if click.Action != "" {
		target = click.Action
	} else if url, ok := click.Data["url"].(string); ok && url != "" {
		target = url
	}

	clients, err := w.clients.List(ctx)
	if err != nil {
		return fmt.Errorf("list clients: %w", err)
	}
	for _, c := range clients {
		if c.URL() == target {
			return c.Focus(ctx)
		}
	}
	return w.clients.OpenWindow(ctx, target)
}
