package transportepwa

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"
)

// Strategy is a deterministic policy for satisfying a request from the
// network and/or the cache store.
type Strategy int

const (
	NetworkFirst Strategy = iota
	CacheFirst
	StaleWhileRevalidate
	NetworkOnly
	CacheOnly
)

func (s Strategy) String() string {
	switch s {
	case NetworkFirst:
		return "network-first"
	case CacheFirst:
		return "cache-first"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	case NetworkOnly:
		return "network-only"
	case CacheOnly:
		return "cache-only"
	}
	return "unknown"
}

// ErrNotCached is returned by the cache-only strategy when no stored
// response exists for the request.
var ErrNotCached = errors.New("response not in cache")

var errNetworkTimeout = errors.New("network timeout")

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".svg":  true,
	".gif":  true,
	".webp": true,
	".ico":  true,
}

var assetExtensions = map[string]bool{
	".css": true,
	".js":  true,
}

// Classify maps a request to its caching strategy. Classification is
// total and deterministic; the first matching rule wins.
func (w *Worker) Classify(r *http.Request) Strategy {
	if r.Method != http.MethodGet {
		return NetworkOnly
	}
	if strings.HasPrefix(r.URL.Path, w.apiPrefix) {
		return NetworkFirst
	}
	ext := strings.ToLower(path.Ext(r.URL.Path))
	if imageExtensions[ext] {
		return CacheFirst
	}
	if assetExtensions[ext] {
		return StaleWhileRevalidate
	}
	// documents and navigation
	return NetworkFirst
}

// HandleFetch executes the strategy assigned to the request and returns
// the response to serve. An error means every fallback was exhausted.
func (w *Worker) HandleFetch(r *http.Request) (*http.Response, error) {
	strategy := w.Classify(r)
	w.log.Trace().Str("strategy", strategy.String()).Str("url", r.URL.String()).Msg("Handling fetch")
	switch strategy {
	case CacheFirst:
		return w.cacheFirst(r)
	case StaleWhileRevalidate:
		return w.staleWhileRevalidate(r)
	case NetworkOnly:
		return w.networkOnly(r)
	case CacheOnly:
		return w.cacheOnly(r)
	default:
		return w.networkFirst(r)
	}
}

// networkFirst races the network against the configured timeout and
// falls back to the store, the offline document, or a synthesized
// offline error, in that order.
func (w *Worker) networkFirst(r *http.Request) (*http.Response, error) {
	res, err := w.fetchWithTimeout(r)
	if err == nil {
		w.store(r, res)
		return res, nil
	}
	w.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Network failed, using cache")
	if stored, ok := w.lookup(r); ok {
		return stored, nil
	}
	if acceptsHTML(r) {
		if offline, ok := w.lookupPath(w.offlinePath); ok {
			return offline, nil
		}
	}
	if strings.HasPrefix(r.URL.Path, w.apiPrefix) {
		return offlineAPIResponse(), nil
	}
	return nil, err
}

// cacheFirst serves a stored copy younger than the max age without
// touching the network. Older or missing entries trigger a fetch; a
// failed fetch falls back to a stale copy before giving up.
func (w *Worker) cacheFirst(r *http.Request) (*http.Response, error) {
	entry, ok := w.lookupEntry(r)
	if ok && time.Since(entry.StoredAt) < w.maxCacheAge {
		if res, err := bytesToResponse(entry.Bytes); err == nil {
			return res, nil
		}
	}
	res, err := w.fetch(r)
	if err == nil {
		w.store(r, res)
		return res, nil
	}
	if ok {
		if stale, derr := bytesToResponse(entry.Bytes); derr == nil {
			return stale, nil
		}
	}
	return nil, err
}

// staleWhileRevalidate returns the stored copy immediately and refreshes
// it in the background. Without a stored copy the caller awaits the
// network fetch.
func (w *Worker) staleWhileRevalidate(r *http.Request) (*http.Response, error) {
	stored, ok := w.lookup(r)
	if ok {
		go w.revalidate(r.Clone(context.WithoutCancel(r.Context())))
		return stored, nil
	}
	res, err := w.fetch(r)
	if err != nil {
		return nil, err
	}
	w.store(r, res)
	return res, nil
}

// revalidate refreshes the stored copy for a request and announces the
// update to the facade.
func (w *Worker) revalidate(r *http.Request) {
	res, err := w.fetch(r)
	if err != nil {
		w.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Background refresh failed")
		return
	}
	defer res.Body.Close()
	if w.store(r, res) {
		w.notify(Message{Type: MessageCacheUpdated, URL: r.URL.String()})
	}
}

// networkOnly always fetches; failures synthesize an offline error.
func (w *Worker) networkOnly(r *http.Request) (*http.Response, error) {
	res, err := w.fetch(r)
	if err != nil {
		w.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Network-only request failed")
		return connectionRequiredResponse(), nil
	}
	return res, nil
}

// cacheOnly never touches the network. It is not assigned by Classify
// but is available for explicit invocation.
func (w *Worker) cacheOnly(r *http.Request) (*http.Response, error) {
	if res, ok := w.lookup(r); ok {
		return res, nil
	}
	return nil, ErrNotCached
}

// fetchWithTimeout fetches from the network, giving up after the
// configured timeout. A timed-out fetch is not cancelled: a late
// response may still land in the cache for the next caller.
func (w *Worker) fetchWithTimeout(r *http.Request) (*http.Response, error) {
	r = r.Clone(context.WithoutCancel(r.Context()))
	type result struct {
		res *http.Response
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := w.fetch(r)
		done <- result{res, err}
	}()
	timer := time.NewTimer(w.networkTimeout)
	defer timer.Stop()
	select {
	case rs := <-done:
		return rs.res, rs.err
	case <-timer.C:
		go func() {
			rs := <-done
			if rs.err != nil {
				return
			}
			w.store(r, rs.res)
			rs.res.Body.Close()
		}()
		return nil, errNetworkTimeout
	}
}

func acceptsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
