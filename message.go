package transportepwa

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Control message tags exchanged with the page-side facade.
const (
	// MessageSkipWaiting forces activation of a waiting generation.
	MessageSkipWaiting = "SKIP_WAITING"
	// MessageClearCache deletes all cache generations.
	MessageClearCache = "CLEAR_CACHE"
	// MessageCacheURLs bulk-inserts URLs into the current generation.
	MessageCacheURLs = "CACHE_URLS"
	// MessageCacheUpdated announces a refreshed cache entry (outbound).
	MessageCacheUpdated = "CACHE_UPDATED"
)

// Message is a tagged control message.
type Message struct {
	Type string   `json:"type"`
	URL  string   `json:"url,omitempty"`
	URLs []string `json:"urls,omitempty"`
}

// HandleMessage processes a control message from the facade.
// Unknown message types are logged and ignored.
func (w *Worker) HandleMessage(ctx context.Context, msg Message) error {
	w.log.Debug().Str("type", msg.Type).Msg("Message received")
	switch msg.Type {
	case MessageSkipWaiting:
		return w.SkipWaiting(ctx)
	case MessageClearCache:
		return w.clearCache()
	case MessageCacheURLs:
		return w.cacheURLs(ctx, msg.URLs)
	default:
		w.log.Warn().Str("type", msg.Type).Msg("Unknown message type")
		return nil
	}
}

// clearCache deletes every generation, including the active one.
func (w *Worker) clearCache() error {
	generations, err := w.cache.Generations()
	if err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	for _, generation := range generations {
		if err := w.cache.DeleteGeneration(generation); err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
	}
	w.log.Info().Int("generations", len(generations)).Msg("Cache cleared")
	return nil
}

// cacheURLs fetches the given URLs and stores them in the current
// generation.
func (w *Worker) cacheURLs(ctx context.Context, urls []string) error {
	generation := w.generation()
	g, gctx := errgroup.WithContext(ctx)
	for _, u := range urls {
		u := u
		g.Go(func() error {
			return w.prefetch(gctx, generation, u)
		})
	}
	return g.Wait()
}
