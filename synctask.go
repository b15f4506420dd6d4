package transportepwa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Tags of the built-in sync tasks.
const (
	SyncTagTrips         = "sync-trips"
	SyncTagNotifications = "sync-notifications"
)

// SyncHandler is a deferred unit of work executed when the platform
// grants a sync opportunity for its tag. A returned error tells the
// platform to reschedule the grant.
type SyncHandler func(ctx context.Context) error

// TripSource supplies trip mutations queued while offline. Populating
// the queue is owned by the embedding application.
type TripSource interface {
	Pending(ctx context.Context) ([]json.RawMessage, error)
}

type emptyTripSource struct{}

func (emptyTripSource) Pending(context.Context) ([]json.RawMessage, error) {
	return nil, nil
}

// RegisterSyncHandler registers the handler executed for a sync tag.
// The built-in tags may be overridden.
func (w *Worker) RegisterSyncHandler(tag string, handler SyncHandler) {
	w.syncMu.Lock()
	defer w.syncMu.Unlock()
	w.syncHandlers[tag] = handler
}

// HandleSync runs the handler registered for the tag once.
// Handler failures are propagated so the platform can retry.
func (w *Worker) HandleSync(ctx context.Context, tag string) error {
	w.syncMu.Lock()
	handler, ok := w.syncHandlers[tag]
	w.syncMu.Unlock()
	if !ok {
		return fmt.Errorf("no sync handler for tag %q", tag)
	}
	w.log.Debug().Str("tag", tag).Msg("Running sync task")
	if err := handler(ctx); err != nil {
		w.log.Error().Err(err).Str("tag", tag).Msg("Sync task failed")
		return err
	}
	w.log.Debug().Str("tag", tag).Msg("Sync task done")
	return nil
}

// syncTrips replays queued trip mutations sequentially against the data
// API. The first failure aborts the remainder; items already sent stay
// sent, there is no rollback.
func (w *Worker) syncTrips(ctx context.Context) error {
	trips, err := w.trips.Pending(ctx)
	if err != nil {
		return fmt.Errorf("pending trips: %w", err)
	}
	for _, trip := range trips {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/api/trips/sync", bytes.NewReader(trip))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		res, err := w.fetch(req)
		if err != nil {
			return fmt.Errorf("sync trip: %w", err)
		}
		res.Body.Close()
		if res.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("sync trip: unexpected status %d", res.StatusCode)
		}
	}
	w.log.Info().Int("count", len(trips)).Msg("Trips synchronized")
	return nil
}

// syncNotifications polls the data API for unread notifications and
// raises a single summary notification when any exist.
func (w *Worker) syncNotifications(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/api/notifications?unread=true", nil)
	if err != nil {
		return err
	}
	res, err := w.fetch(req)
	if err != nil {
		return fmt.Errorf("fetch notifications: %w", err)
	}
	defer res.Body.Close()
	var notifications []json.RawMessage
	if err := json.NewDecoder(res.Body).Decode(&notifications); err != nil {
		return fmt.Errorf("decode notifications: %w", err)
	}
	if len(notifications) == 0 {
		return nil
	}
	return w.notifier.Show(ctx, Notification{
		Title: "Nuevas notificaciones",
		Body:  fmt.Sprintf("Tienes %d notificaciones sin leer", len(notifications)),
		Icon:  defaultIcon,
		Badge: defaultBadge,
		Tag:   "notifications-sync",
	})
}
