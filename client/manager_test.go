package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	transportepwa "github.com/MrGys1986/transporte-pwa"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type fakeRegistration struct {
	waiting   bool
	updateErr error
	messages  []transportepwa.Message
	syncTags  []string
}

func (f *fakeRegistration) Update(context.Context) (bool, error) {
	return f.waiting, f.updateErr
}

func (f *fakeRegistration) SendMessage(_ context.Context, msg transportepwa.Message) error {
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeRegistration) RegisterSync(_ context.Context, tag string) error {
	f.syncTags = append(f.syncTags, tag)
	return nil
}

type fakePrompt struct {
	accepted bool
	prompted int
}

func (f *fakePrompt) Prompt(context.Context) (bool, error) {
	f.prompted++
	return f.accepted, nil
}

type fakePushManager struct {
	serverKey    []byte
	subscription Subscription
	unsubscribed bool
}

func (f *fakePushManager) Subscribe(_ context.Context, applicationServerKey []byte) (Subscription, error) {
	f.serverKey = applicationServerKey
	return f.subscription, nil
}

func (f *fakePushManager) Unsubscribe(context.Context) error {
	f.unsubscribed = true
	return nil
}

func newTestManager(t *testing.T, mutate func(*Config)) (*Manager, *fakeRegistration) {
	t.Helper()
	logger := zerolog.Nop()
	reg := &fakeRegistration{}
	config := Config{
		Registration: reg,
		Logger:       &logger,
		Online:       true,
	}
	if mutate != nil {
		mutate(&config)
	}
	return New(config), reg
}

func TestSetOnlineRegistersSyncTags(t *testing.T) {
	m, reg := newTestManager(t, func(c *Config) {
		c.Online = false
	})

	m.SetOnline(context.Background(), true)

	if len(reg.syncTags) != 2 {
		t.Fatalf("registered tags: %v", reg.syncTags)
	}
	if reg.syncTags[0] != transportepwa.SyncTagTrips || reg.syncTags[1] != transportepwa.SyncTagNotifications {
		t.Fatalf("registered tags: %v", reg.syncTags)
	}
}

func TestSetOnlineIgnoresRepeatedState(t *testing.T) {
	var notices []bool
	m, reg := newTestManager(t, func(c *Config) {
		c.Online = false
		c.Notice = func(online bool) { notices = append(notices, online) }
	})

	m.SetOnline(context.Background(), true)
	m.SetOnline(context.Background(), true)
	m.SetOnline(context.Background(), false)

	if len(reg.syncTags) != 2 {
		t.Fatalf("registered tags: %v", reg.syncTags)
	}
	if len(notices) != 2 || notices[0] != true || notices[1] != false {
		t.Fatalf("notices: %v", notices)
	}
	if m.Online() {
		t.Fatal("manager still online")
	}
}

func TestConnectivityChangesBroadcast(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ch := m.ConnectivityChanges()

	m.SetOnline(context.Background(), false)

	select {
	case online := <-ch:
		if online {
			t.Fatal("received online transition")
		}
	default:
		t.Fatal("no transition received")
	}
}

func TestCheckForUpdateAcceptsDirectly(t *testing.T) {
	reloaded := false
	m, reg := newTestManager(t, func(c *Config) {
		c.Reload = func() { reloaded = true }
	})
	reg.waiting = true

	m.checkForUpdate(context.Background())

	if len(reg.messages) != 1 || reg.messages[0].Type != transportepwa.MessageSkipWaiting {
		t.Fatalf("messages sent: %v", reg.messages)
	}
	if !reloaded {
		t.Fatal("page not reloaded")
	}
}

func TestCheckForUpdateSurfacesPrompt(t *testing.T) {
	var accept func()
	m, reg := newTestManager(t, func(c *Config) {
		c.OnUpdateAvailable = func(a, _ func()) { accept = a }
	})
	reg.waiting = true

	m.checkForUpdate(context.Background())

	if accept == nil {
		t.Fatal("prompt not surfaced")
	}
	if len(reg.messages) != 0 {
		t.Fatalf("messages sent before acceptance: %v", reg.messages)
	}
	accept()
	if len(reg.messages) != 1 || reg.messages[0].Type != transportepwa.MessageSkipWaiting {
		t.Fatalf("messages sent: %v", reg.messages)
	}
}

func TestCheckForUpdateNoopWithoutWaitingWorker(t *testing.T) {
	m, reg := newTestManager(t, nil)

	m.checkForUpdate(context.Background())

	if len(reg.messages) != 0 {
		t.Fatalf("messages sent: %v", reg.messages)
	}
}

func TestPromptInstallIsSingleUse(t *testing.T) {
	m, _ := newTestManager(t, nil)
	prompt := &fakePrompt{accepted: true}
	m.HandleInstallAvailable(prompt)

	accepted, err := m.PromptInstall(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !accepted {
		t.Fatal("install not accepted")
	}
	if prompt.prompted != 1 {
		t.Fatalf("prompted %d times", prompt.prompted)
	}

	if _, err := m.PromptInstall(context.Background()); err == nil {
		t.Fatal("expected error on second prompt")
	}
}

func TestPromptInstallWithoutPrompt(t *testing.T) {
	m, _ := newTestManager(t, nil)
	if _, err := m.PromptInstall(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestClearCacheSendsMessage(t *testing.T) {
	m, reg := newTestManager(t, nil)
	if err := m.ClearCache(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(reg.messages) != 1 || reg.messages[0].Type != transportepwa.MessageClearCache {
		t.Fatalf("messages sent: %v", reg.messages)
	}
}

func TestCacheURLsSendsMessage(t *testing.T) {
	m, reg := newTestManager(t, nil)
	if err := m.CacheURLs(context.Background(), []string{"/routes/5"}); err != nil {
		t.Fatal(err)
	}
	msg := reg.messages[0]
	if msg.Type != transportepwa.MessageCacheURLs || len(msg.URLs) != 1 || msg.URLs[0] != "/routes/5" {
		t.Fatalf("message is %v", msg)
	}
}

func TestSubscribeToPush(t *testing.T) {
	serverKey := []byte("vapid-public-key-bytes")
	var registered Subscription
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/notifications/vapid-public-key":
			json.NewEncoder(w).Encode(map[string]string{
				"publicKey": base64.RawURLEncoding.EncodeToString(serverKey),
			})
		case "/api/notifications/subscribe":
			if err := json.NewDecoder(r.Body).Decode(&registered); err != nil {
				t.Error(err)
			}
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer api.Close()

	push := &fakePushManager{subscription: Subscription{
		Endpoint: "https://push.example/sub/1",
		Keys:     SubscriptionKeys{P256dh: "p256dh", Auth: "auth"},
	}}
	m, _ := newTestManager(t, func(c *Config) {
		c.PushManager = push
		c.BaseURL = api.URL
	})

	sub, err := m.SubscribeToPush(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if string(push.serverKey) != string(serverKey) {
		t.Fatalf("server key is %q", push.serverKey)
	}
	if sub.ID == uuid.Nil {
		t.Fatal("subscription has no id")
	}
	if registered.Endpoint != "https://push.example/sub/1" {
		t.Fatalf("registered endpoint is %s", registered.Endpoint)
	}
}

func TestSubscribeToPushWithoutManager(t *testing.T) {
	m, _ := newTestManager(t, nil)
	if _, err := m.SubscribeToPush(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestUnsubscribePush(t *testing.T) {
	var unsubscribed map[string]string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/notifications/vapid-public-key":
			json.NewEncoder(w).Encode(map[string]string{
				"publicKey": base64.RawURLEncoding.EncodeToString([]byte("key")),
			})
		case "/api/notifications/subscribe":
		case "/api/notifications/unsubscribe":
			if err := json.NewDecoder(r.Body).Decode(&unsubscribed); err != nil {
				t.Error(err)
			}
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer api.Close()

	push := &fakePushManager{subscription: Subscription{Endpoint: "https://push.example/sub/1"}}
	m, _ := newTestManager(t, func(c *Config) {
		c.PushManager = push
		c.BaseURL = api.URL
	})

	if _, err := m.SubscribeToPush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.UnsubscribePush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !push.unsubscribed {
		t.Fatal("platform subscription not removed")
	}
	if unsubscribed["endpoint"] != "https://push.example/sub/1" {
		t.Fatalf("unsubscribed endpoint is %s", unsubscribed["endpoint"])
	}

	if err := m.UnsubscribePush(context.Background()); err == nil {
		t.Fatal("expected error without active subscription")
	}
}

func TestDecodeServerKey(t *testing.T) {
	raw := []byte{0x04, 0xff, 0x00, 0x7b}
	padded := base64.URLEncoding.EncodeToString(raw)

	decoded, err := decodeServerKey(padded)
	if err != nil {
		t.Fatal(err)
	}
	if string(decoded) != string(raw) {
		t.Fatalf("decoded %v", decoded)
	}
}
