// Package client is the page-side controller facade. It owns the worker
// registration, surfaces install and upgrade prompts, tracks
// connectivity, and manages the push subscription against the data API.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	transportepwa "github.com/MrGys1986/transporte-pwa"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultUpdateInterval is how often the registration is polled for a
// new worker version.
const DefaultUpdateInterval = time.Hour

// Registration is the handle to the registered worker.
type Registration interface {
	// Update polls for a new worker version. It reports whether a new
	// generation is installed and waiting to activate.
	Update(ctx context.Context) (waiting bool, err error)
	// SendMessage delivers a control message to the worker.
	SendMessage(ctx context.Context, msg transportepwa.Message) error
	// RegisterSync registers a tagged background sync task.
	RegisterSync(ctx context.Context, tag string) error
}

// InstallPrompt is a deferred platform install prompt.
type InstallPrompt interface {
	Prompt(ctx context.Context) (accepted bool, err error)
}

// PushManager creates push subscriptions against the platform.
type PushManager interface {
	Subscribe(ctx context.Context, applicationServerKey []byte) (Subscription, error)
	Unsubscribe(ctx context.Context) error
}

// Subscription is a push subscription owned by the current user.
type Subscription struct {
	ID       uuid.UUID        `json:"id"`
	Endpoint string           `json:"endpoint"`
	Keys     SubscriptionKeys `json:"keys"`
}

type SubscriptionKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

type Config struct {
	Registration Registration
	PushManager  PushManager
	// BaseURL of the data API.
	BaseURL string
	// HTTPClient used to reach the data API. http.DefaultClient if nil.
	HTTPClient *http.Client
	// UpdateInterval between registration update polls.
	UpdateInterval time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Online seeds the connectivity flag from the environment.
	Online bool
	// Reload reloads the page after a forced activation.
	Reload func()
	// Notice shows a transient connectivity notice.
	Notice func(online bool)
	// OnUpdateAvailable surfaces a dismissible upgrade prompt.
	OnUpdateAvailable func(accept, dismiss func())
}

// Manager is the process-wide facade state. Init happens in New plus
// Run; teardown happens when the Run context is cancelled.
type Manager struct {
	reg            Registration
	push           PushManager
	baseURL        string
	httpClient     *http.Client
	updateInterval time.Duration
	log            zerolog.Logger
	reload         func()
	notice         func(bool)
	onUpdate       func(accept, dismiss func())

	mu             sync.Mutex
	online         bool
	deferredPrompt InstallPrompt
	subscribers    []chan bool
	subscription   *Subscription
}

func New(config Config) *Manager {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	if config.UpdateInterval == 0 {
		config.UpdateInterval = DefaultUpdateInterval
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	return &Manager{
		reg:            config.Registration,
		push:           config.PushManager,
		baseURL:        strings.TrimSuffix(config.BaseURL, "/"),
		httpClient:     config.HTTPClient,
		updateInterval: config.UpdateInterval,
		log:            logger,
		reload:         config.Reload,
		notice:         config.Notice,
		onUpdate:       config.OnUpdateAvailable,
		online:         config.Online,
	}
}

// Run registers the worker once and polls for updates until the context
// is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.log.Info().Msg("Service worker registered")
	ticker := time.NewTicker(m.updateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.checkForUpdate(ctx)
		}
	}
}

// checkForUpdate polls the registration and, when a new generation is
// waiting, surfaces the upgrade prompt. Accepting sends the
// skip-waiting message and reloads the page.
func (m *Manager) checkForUpdate(ctx context.Context) {
	waiting, err := m.reg.Update(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("Update check failed")
		return
	}
	if !waiting {
		return
	}
	m.log.Info().Msg("New version available")
	accept := func() {
		msg := transportepwa.Message{Type: transportepwa.MessageSkipWaiting}
		if err := m.reg.SendMessage(ctx, msg); err != nil {
			m.log.Error().Err(err).Msg("Could not send skip-waiting message")
			return
		}
		if m.reload != nil {
			m.reload()
		}
	}
	if m.onUpdate != nil {
		m.onUpdate(accept, func() {})
	} else {
		accept()
	}
}

// Online reports the current connectivity flag.
func (m *Manager) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a connectivity transition. Going online registers
// the standard sync tags so queued work is replayed.
func (m *Manager) SetOnline(ctx context.Context, online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subscribers := append([]chan bool(nil), m.subscribers...)
	m.mu.Unlock()

	if online {
		m.log.Info().Msg("Connection restored")
	} else {
		m.log.Warn().Msg("Connection lost, offline mode")
	}
	if m.notice != nil {
		m.notice(online)
	}
	for _, sub := range subscribers {
		select {
		case sub <- online:
		default:
		}
	}
	if online {
		m.syncOfflineData(ctx)
	}
}

// ConnectivityChanges returns a channel receiving connectivity
// transitions. Slow subscribers miss intermediate transitions.
func (m *Manager) ConnectivityChanges() <-chan bool {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

func (m *Manager) syncOfflineData(ctx context.Context) {
	for _, tag := range []string{transportepwa.SyncTagTrips, transportepwa.SyncTagNotifications} {
		if err := m.reg.RegisterSync(ctx, tag); err != nil {
			m.log.Error().Err(err).Str("tag", tag).Msg("Could not register sync task")
			continue
		}
		m.log.Debug().Str("tag", tag).Msg("Sync task registered")
	}
}

// HandleInstallAvailable caches the platform install prompt so a UI
// affordance can invoke it later. The platform's default prompt is
// expected to be suppressed by the caller.
func (m *Manager) HandleInstallAvailable(prompt InstallPrompt) {
	m.mu.Lock()
	m.deferredPrompt = prompt
	m.mu.Unlock()
	m.log.Info().Msg("Install prompt available")
}

// PromptInstall shows the cached install prompt. The prompt is single
// use; it is discarded whatever the outcome.
func (m *Manager) PromptInstall(ctx context.Context) (bool, error) {
	m.mu.Lock()
	prompt := m.deferredPrompt
	m.deferredPrompt = nil
	m.mu.Unlock()
	if prompt == nil {
		return false, errors.New("install prompt not available")
	}
	accepted, err := prompt.Prompt(ctx)
	if err != nil {
		return false, err
	}
	if accepted {
		m.log.Info().Msg("Install accepted")
	} else {
		m.log.Info().Msg("Install dismissed")
	}
	return accepted, nil
}

// ClearCache asks the worker to delete all cache generations.
func (m *Manager) ClearCache(ctx context.Context) error {
	return m.reg.SendMessage(ctx, transportepwa.Message{Type: transportepwa.MessageClearCache})
}

// CacheURLs asks the worker to bulk-insert the given URLs into the
// current generation.
func (m *Manager) CacheURLs(ctx context.Context, urls []string) error {
	return m.reg.SendMessage(ctx, transportepwa.Message{
		Type: transportepwa.MessageCacheURLs,
		URLs: urls,
	})
}

// SubscribeToPush opts the user in to push notifications: it fetches
// the server's VAPID public key, creates a platform subscription, and
// registers it with the data API.
func (m *Manager) SubscribeToPush(ctx context.Context) (Subscription, error) {
	if m.push == nil {
		return Subscription{}, errors.New("push not supported")
	}
	key, err := m.vapidPublicKey(ctx)
	if err != nil {
		return Subscription{}, err
	}
	sub, err := m.push.Subscribe(ctx, key)
	if err != nil {
		return Subscription{}, fmt.Errorf("subscribe: %w", err)
	}
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if err := m.postJSON(ctx, "/api/notifications/subscribe", sub); err != nil {
		return Subscription{}, err
	}
	m.mu.Lock()
	m.subscription = &sub
	m.mu.Unlock()
	m.log.Info().Str("endpoint", sub.Endpoint).Msg("Subscribed to push notifications")
	return sub, nil
}

// UnsubscribePush opts the user out and deletes the local subscription
// state.
func (m *Manager) UnsubscribePush(ctx context.Context) error {
	m.mu.Lock()
	sub := m.subscription
	m.mu.Unlock()
	if sub == nil {
		return errors.New("no active subscription")
	}
	if err := m.push.Unsubscribe(ctx); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	payload := map[string]string{"endpoint": sub.Endpoint}
	if err := m.postJSON(ctx, "/api/notifications/unsubscribe", payload); err != nil {
		return err
	}
	m.mu.Lock()
	m.subscription = nil
	m.mu.Unlock()
	m.log.Info().Msg("Unsubscribed from push notifications")
	return nil
}

func (m *Manager) vapidPublicKey(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/api/notifications/vapid-public-key", nil)
	if err != nil {
		return nil, err
	}
	res, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vapid key: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vapid key: unexpected status %d", res.StatusCode)
	}
	var body struct {
		PublicKey string `json:"publicKey"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("vapid key: %w", err)
	}
	return decodeServerKey(body.PublicKey)
}

// decodeServerKey decodes a base64url-encoded VAPID public key into the
// raw bytes the platform subscription call expects.
func decodeServerKey(key string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(key, "="))
}

func (m *Manager) postJSON(ctx context.Context, path string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer res.Body.Close()
	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("post %s: unexpected status %d", path, res.StatusCode)
	}
	return nil
}
