package transportepwa

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MrGys1986/transporte-pwa/cache"

	"github.com/rs/zerolog"
)

// newTestWorker creates a worker backed by a memory provider, proxying
// to the given origin server.
func newTestWorker(t *testing.T, origin *httptest.Server, mutate func(*Config)) (*Worker, cache.Provider) {
	t.Helper()
	originURL, err := url.Parse(origin.URL)
	if err != nil {
		t.Fatal(err)
	}
	logger := zerolog.Nop()
	provider := cache.NewMemProvider()
	config := Config{
		Cache:     provider,
		OriginURL: *originURL,
		Logger:    &logger,
	}
	if mutate != nil {
		mutate(&config)
	}
	return CreateWorker(config), provider
}

// unreachableOrigin returns a server that is already closed, so every
// fetch against it fails immediately.
func unreachableOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	origin.Close()
	return origin
}

// storeEntry puts a synthetic 200 response for a GET of path directly
// into the worker's current generation.
func storeEntry(t *testing.T, w *Worker, p cache.Provider, path, body string) {
	t.Helper()
	storeEntryAt(t, w, p, path, body, time.Now())
}

func storeEntryAt(t *testing.T, w *Worker, p cache.Provider, path, body string, storedAt time.Time) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	res := &http.Response{
		Status:        http.StatusText(http.StatusOK),
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	bts, err := responseToBytes(res)
	if err != nil {
		t.Fatal(err)
	}
	err = p.Put(w.generation(), cache.Entry{
		Key:      w.requestKey(req),
		StoredAt: storedAt,
		Bytes:    bts,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

type fakeNotifier struct {
	shown  []Notification
	closed []string
}

func (f *fakeNotifier) Show(_ context.Context, n Notification) error {
	f.shown = append(f.shown, n)
	return nil
}

func (f *fakeNotifier) Close(_ context.Context, tag string) error {
	f.closed = append(f.closed, tag)
	return nil
}

type fakeClient struct {
	url     string
	focused bool
}

func (f *fakeClient) URL() string                { return f.url }
func (f *fakeClient) Focus(context.Context) error { f.focused = true; return nil }

type fakeClients struct {
	clients []*fakeClient
	opened  []string
	claimed bool
}

func (f *fakeClients) List(context.Context) ([]Client, error) {
	clients := make([]Client, len(f.clients))
	for i, c := range f.clients {
		clients[i] = c
	}
	return clients, nil
}

func (f *fakeClients) OpenWindow(_ context.Context, url string) error {
	f.opened = append(f.opened, url)
	return nil
}

func (f *fakeClients) Claim(context.Context) error {
	f.claimed = true
	return nil
}

func TestStoredResponseRoundTrip(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Custom", "value")
		w.Write([]byte(`{"routes":[]}`))
	}))
	defer origin.Close()
	w, _ := newTestWorker(t, origin, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/routes", nil)
	res, err := w.HandleFetch(req)
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, res); body != `{"routes":[]}` {
		t.Fatalf("body is %s", body)
	}

	stored, ok := w.lookup(httptest.NewRequest(http.MethodGet, "/api/routes", nil))
	if !ok {
		t.Fatal("response not stored")
	}
	if body := readBody(t, stored); body != `{"routes":[]}` {
		t.Fatalf("stored body is %s", body)
	}
	if ct := stored.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type is %s", ct)
	}
	if custom := stored.Header.Get("X-Custom"); custom != "value" {
		t.Fatalf("X-Custom is %s", custom)
	}
}

func TestStoreLeavesBodyReadable(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer origin.Close()
	w, _ := newTestWorker(t, origin, nil)

	res, err := w.HandleFetch(httptest.NewRequest(http.MethodGet, "/api/vehicles", nil))
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, res); body != "payload" {
		t.Fatalf("body is %s", body)
	}
}

func TestServeHTTPWritesResponse(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("Hello world"))
	}))
	defer origin.Close()
	w, _ := newTestWorker(t, origin, nil)

	rr := httptest.NewRecorder()
	w.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/index.html", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status is %d", rr.Code)
	}
	if body := rr.Body.String(); body != "Hello world" {
		t.Fatalf("body is %s", body)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("Content-Type is %s", ct)
	}
}
