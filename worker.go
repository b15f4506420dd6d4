package transportepwa

import (
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/MrGys1986/transporte-pwa/cache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

// DefaultStaticAssets is the install-time manifest of the transporte app.
// Every path must fetch successfully for installation to succeed.
var DefaultStaticAssets = []string{
	"/",
	"/manifest.json",
	"/offline.html",
	"/css/styles.css",
	"/js/app.js",
	"/icons/icon-192x192.png",
	"/icons/icon-512x512.png",
}

const (
	DefaultAppName        = "transporte-pwa"
	DefaultVersion        = "v1.0.0"
	DefaultAPIPrefix      = "/api/"
	DefaultOfflinePath    = "/offline.html"
	DefaultNetworkTimeout = 5 * time.Second
	DefaultMaxCacheAge    = 24 * time.Hour
)

type Config struct {
	// Storage for cache generations.
	Cache cache.Provider
	// URL of the origin server hosting the data API and static assets.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Version names the cache generation together with AppName.
	Version string
	AppName string
	// StaticAssets overrides the install-time manifest.
	StaticAssets []string
	// APIPrefix is the data-API namespace (network-first territory).
	APIPrefix string
	// OfflinePath is the reserved offline fallback document.
	OfflinePath string
	// NetworkTimeout bounds network-first fetches.
	NetworkTimeout time.Duration
	// MaxCacheAge bounds the age of cache-first entries.
	MaxCacheAge time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Notifier renders user-visible notifications. Logged if nil.
	Notifier Notifier
	// Clients is the set of application views under worker control.
	Clients Clients
	// Trips supplies trip mutations queued while offline.
	Trips TripSource
	// OnMessage receives outbound control messages, e.g. CACHE_UPDATED.
	OnMessage func(Message)
}

// Worker is the request interception layer. It classifies every request
// into a caching strategy, owns the cache generation lifecycle, and
// relays push and background-sync events.
type Worker struct {
	cache          cache.Provider
	originURL      url.URL
	version        string
	appName        string
	staticAssets   []string
	apiPrefix      string
	offlinePath    string
	networkTimeout time.Duration
	maxCacheAge    time.Duration
	log            zerolog.Logger
	notifier       Notifier
	clients        Clients
	trips          TripSource
	onMessage      func(Message)
	httpClient     http.Client

	// mu serializes install and activate.
	mu sync.Mutex

	stateMu sync.RWMutex
	state   State
	active  string

	syncMu       sync.Mutex
	syncHandlers map[string]SyncHandler
}

// CreateWorker initializes the worker instance and registers the
// built-in sync task handlers.
func CreateWorker(config Config) *Worker {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	if config.AppName == "" {
		config.AppName = DefaultAppName
	}
	if config.Version == "" {
		config.Version = DefaultVersion
	}
	if config.StaticAssets == nil {
		config.StaticAssets = DefaultStaticAssets
	}
	if config.APIPrefix == "" {
		config.APIPrefix = DefaultAPIPrefix
	}
	if config.OfflinePath == "" {
		config.OfflinePath = DefaultOfflinePath
	}
	if config.NetworkTimeout == 0 {
		config.NetworkTimeout = DefaultNetworkTimeout
	}
	if config.MaxCacheAge == 0 {
		config.MaxCacheAge = DefaultMaxCacheAge
	}

	logger = logger.With().
		Str("version", config.Version).
		Logger()

	w := &Worker{
		cache:          config.Cache,
		originURL:      config.OriginURL,
		version:        config.Version,
		appName:        config.AppName,
		staticAssets:   config.StaticAssets,
		apiPrefix:      config.APIPrefix,
		offlinePath:    config.OfflinePath,
		networkTimeout: config.NetworkTimeout,
		maxCacheAge:    config.MaxCacheAge,
		log:            logger,
		notifier:       config.Notifier,
		clients:        config.Clients,
		trips:          config.Trips,
		onMessage:      config.OnMessage,
		httpClient: http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		state:        Uninstalled,
		syncHandlers: make(map[string]SyncHandler),
	}
	if w.notifier == nil {
		w.notifier = logNotifier{logger}
	}
	if w.clients == nil {
		w.clients = noopClients{}
	}
	if w.trips == nil {
		w.trips = emptyTripSource{}
	}

	w.RegisterSyncHandler(SyncTagTrips, w.syncTrips)
	w.RegisterSyncHandler(SyncTagNotifications, w.syncNotifications)

	return w
}

// ServeHTTP implements the http.Handler interface.
// It is the request-intercept entry point.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	logger := getLogger(r)
	res, err := w.HandleFetch(r)
	if err != nil {
		logger.Error().Err(err).Str("url", r.URL.String()).Msg("Fetch failed with no fallback")
		http.Error(rw, "Could not get response", http.StatusBadGateway)
		return
	}
	if err := send(rw, res); err != nil {
		logger.Error().Err(err).Msg("Could not write response body to client")
	}
}

// fetch gets the resource specified in the request from the origin.
func (w *Worker) fetch(r *http.Request) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, w.originURL.String()+r.URL.RequestURI(), r.Body)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, r.Header)
	req.Host = w.originURL.Host
	return w.httpClient.Do(req)
}

// requestKey returns the normalized cache key for a request:
// the origin plus the (method, URL) pair.
func (w *Worker) requestKey(r *http.Request) string {
	return w.originURL.String() + ":" + r.Method + ":" + r.URL.RequestURI()
}

// store writes a copy of the response to the current generation.
// Only successful GET responses are ever stored. The response body is
// left readable for the caller.
func (w *Worker) store(r *http.Request, res *http.Response) bool {
	if r.Method != http.MethodGet || res.StatusCode != http.StatusOK {
		return false
	}
	return w.storeIn(w.generation(), r, res)
}

func (w *Worker) storeIn(generation string, r *http.Request, res *http.Response) bool {
	bts, err := responseToBytes(res)
	if err != nil {
		w.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not serialize response")
		return false
	}
	entry := cache.Entry{
		Key:      w.requestKey(r),
		StoredAt: time.Now(),
		Bytes:    bts,
	}
	w.log.Trace().Str("key", entry.Key).Str("generation", generation).Msg("Writing to cache")
	if err := w.cache.Put(generation, entry); err != nil {
		// storage fails open: the response is still served from network
		w.log.Error().Err(err).Str("key", entry.Key).Msg("Could not write to cache")
		return false
	}
	return true
}

// lookupEntry reads the stored entry for a request from the current
// generation. Storage errors are treated as cache misses.
func (w *Worker) lookupEntry(r *http.Request) (cache.Entry, bool) {
	key := w.requestKey(r)
	entry, ok, err := w.cache.Get(w.generation(), key)
	if err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("Could not read from cache")
		return cache.Entry{}, false
	}
	return entry, ok
}

// lookup returns the stored response for a request, if any.
func (w *Worker) lookup(r *http.Request) (*http.Response, bool) {
	entry, ok := w.lookupEntry(r)
	if !ok {
		return nil, false
	}
	res, err := bytesToResponse(entry.Bytes)
	if err != nil {
		// corrupted entries are purged and treated as misses
		w.log.Error().Err(err).Str("key", entry.Key).Msg("Could not read stored response")
		if derr := w.cache.Delete(w.generation(), entry.Key); derr != nil {
			w.log.Error().Err(derr).Str("key", entry.Key).Msg("Could not purge entry")
		}
		return nil, false
	}
	return res, true
}

// lookupPath returns the stored response for a GET of the given path.
func (w *Worker) lookupPath(path string) (*http.Response, bool) {
	req, err := http.NewRequest(http.MethodGet, path, nil)
	if err != nil {
		return nil, false
	}
	return w.lookup(req)
}

func (w *Worker) notify(msg Message) {
	if w.onMessage != nil {
		w.onMessage(msg)
	}
}

// getLogger returns the logger from the request context.
// If no logger is found, it will return the default logger.
func getLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &log.Logger
	}
	return logger
}

func send(w http.ResponseWriter, res *http.Response) error {
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	_, err := io.Copy(w, res.Body)
	return err
}

func copyHeader(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}
