package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phax/phase4-sub000/internal/config"
	"github.com/phax/phase4-sub000/internal/storage"
)

type stubHandler struct {
	calls atomic.Int32
	waits atomic.Int32
}

func (h *stubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.calls.Add(1)
	w.WriteHeader(http.StatusNoContent)
}

func (h *stubHandler) Wait() { h.waits.Add(1) }

type pingFailStore struct {
	*storage.MemoryStore
}

func (pingFailStore) Ping(context.Context) error { return errors.New("down") }

func testConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte("pmodes: {file: p.yaml}\n" + yaml))
	require.NoError(t, err)
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, store storage.Store) (*Server, *stubHandler, *httptest.Server) {
	t.Helper()
	h := &stubHandler{}
	s, err := New(cfg, h, store, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, h, ts
}

func get(t *testing.T, url, token string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestNew_RequiresHandler(t *testing.T) {
	_, err := New(testConfig(t, ""), nil, nil, nil)
	assert.Error(t, err)
}

func TestServer_AS4Endpoint(t *testing.T) {
	_, h, ts := newTestServer(t, testConfig(t, "server: {path: /as4/receive}\n"), nil)

	resp, err := http.Post(ts.URL+"/as4/receive", "application/soap+xml", strings.NewReader("<x/>"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.EqualValues(t, 1, h.calls.Load())

	resp, _ = get(t, ts.URL+"/as4", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Health(t *testing.T) {
	s, _, ts := newTestServer(t, testConfig(t, ""), storage.NewMemoryStore())

	resp, body := get(t, ts.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, _ = get(t, ts.URL+"/ready", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s.AddReadinessCheck("registry", func(context.Context) error { return errors.New("unreachable") })
	resp, body = get(t, ts.URL+"/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "registry not ready")
}

func TestServer_ReadyStoreDown(t *testing.T) {
	_, _, ts := newTestServer(t, testConfig(t, ""), pingFailStore{storage.NewMemoryStore()})

	resp, body := get(t, ts.URL+"/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "store not ready")
}

func TestServer_Metrics(t *testing.T) {
	_, _, ts := newTestServer(t, testConfig(t, "observability: {metrics: {enabled: true}}\n"), nil)
	resp, body := get(t, ts.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")

	_, _, ts = newTestServer(t, testConfig(t, ""), nil)
	resp, _ = get(t, ts.URL+"/metrics", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func seedStore(t *testing.T) *storage.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()

	id, err := store.StorePayload(ctx, &storage.PayloadData{
		ContentID: "invoice@sender",
		MimeType:  "application/xml",
		Data:      []byte("<Invoice/>"),
	})
	require.NoError(t, err)

	require.NoError(t, store.CreateMessage(ctx, &storage.Message{
		AS4MessageID: "m1@sender",
		Kind:         "user_message",
		Status:       storage.StatusResponded,
		Action:       "Submit",
		ReceivedAt:   time.Now().Add(-time.Minute),
		Payloads:     []storage.PayloadRef{{ID: id, ContentID: "invoice@sender", MimeType: "application/xml"}},
	}))
	require.NoError(t, store.CreateMessage(ctx, &storage.Message{
		AS4MessageID: "r1@sender",
		Kind:         "receipt",
		Status:       storage.StatusNoResponse,
		ReceivedAt:   time.Now(),
	}))
	return store
}

func TestServer_ArchiveAPI(t *testing.T) {
	cfg := testConfig(t, "server: {api: {enabled: true, token: secret}}\n")
	_, _, ts := newTestServer(t, cfg, seedStore(t))

	resp, _ := get(t, ts.URL+"/api/messages", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = get(t, ts.URL+"/api/messages", "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := get(t, ts.URL+"/api/messages?kind=user_message", "secret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Messages []storage.Message `json:"messages"`
		Total    int64             `json:"total"`
		Limit    int               `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Messages, 1)
	assert.Equal(t, "m1@sender", list.Messages[0].AS4MessageID)
	assert.EqualValues(t, 1, list.Total)
	assert.Equal(t, 50, list.Limit)

	resp, body = get(t, ts.URL+"/api/messages/m1@sender", "secret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msg storage.Message
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.Equal(t, "Submit", msg.Action)

	resp, _ = get(t, ts.URL+"/api/messages/unknown@sender", "secret")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = get(t, ts.URL+"/api/messages/"+msg.ID+"/payloads/invoice@sender", "secret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/xml", resp.Header.Get("Content-Type"))
	assert.Equal(t, "<Invoice/>", string(body))

	resp, _ = get(t, ts.URL+"/api/messages/m1@sender/payloads/other", "secret")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ArchiveAPIDisabled(t *testing.T) {
	_, _, ts := newTestServer(t, testConfig(t, ""), seedStore(t))
	resp, _ := get(t, ts.URL+"/api/messages", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Shutdown(t *testing.T) {
	s, h, _ := newTestServer(t, testConfig(t, ""), storage.NewMemoryStore())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.EqualValues(t, 1, h.waits.Load())
}
