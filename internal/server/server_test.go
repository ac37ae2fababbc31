package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/reflex/internal/schema"
	"github.com/coachpo/reflex/internal/server"
	"github.com/coachpo/reflex/internal/store"
)

func newTestServer(t *testing.T, opts ...server.Option) (*store.MemoryStore, http.Handler) {
	t.Helper()
	st := store.NewMemory(store.Config{})
	srv, err := server.New(st, opts...)
	require.NoError(t, err)
	return st, srv.Handler()
}

func doJSON(t *testing.T, handler http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestPublishAcceptsEvent(t *testing.T) {
	st, handler := newTestServer(t)

	evt := schema.NewWSMessage("ws", "c1", "hello")
	payload, err := schema.Encode(evt)
	require.NoError(t, err)

	rec, body := doJSON(t, handler, http.MethodPost, "/events", string(payload))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "accepted", body["status"])
	require.Equal(t, evt.EventID(), body["id"])

	record, ok := st.Lookup(evt.EventID())
	require.True(t, ok)
	require.Equal(t, store.StatusPending, record.Status)
}

func TestPublishDuplicateReportsDuplicate(t *testing.T) {
	_, handler := newTestServer(t)

	payload, err := schema.Encode(schema.NewWSMessage("ws", "c1", "hello"))
	require.NoError(t, err)

	rec, _ := doJSON(t, handler, http.MethodPost, "/events", string(payload))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec, body := doJSON(t, handler, http.MethodPost, "/events", string(payload))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "duplicate", body["status"])
}

func TestPublishRejectsBadPayloads(t *testing.T) {
	_, handler := newTestServer(t)

	rec, _ := doJSON(t, handler, http.MethodPost, "/events", "{not json")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, handler, http.MethodPost, "/events", `{"content":"no discriminator"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, handler, http.MethodPost, "/events", `{"type":"no.such.kind"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	st, handler := newTestServer(t)

	rec, body := doJSON(t, handler, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", body["status"])

	require.NoError(t, st.Close(context.Background()))
	rec, _ = doJSON(t, handler, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDLQAdminFlow(t *testing.T) {
	st, handler := newTestServer(t)
	ctx := context.Background()

	evt := schema.NewWSMessage("ws", "c1", "doomed")
	require.NoError(t, st.Publish(ctx, evt))
	require.NoError(t, st.DeadLetter(ctx, evt.EventID(), "handler exploded"))

	rec, body := doJSON(t, handler, http.MethodGet, "/dlq", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, body["count"])

	rec, body = doJSON(t, handler, http.MethodPost, "/dlq/"+evt.EventID()+"/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "requeued", body["status"])

	record, _ := st.Lookup(evt.EventID())
	require.Equal(t, store.StatusPending, record.Status)
	require.Zero(t, record.Attempts)

	// Already requeued, so a second retry misses.
	rec, _ = doJSON(t, handler, http.MethodPost, "/dlq/"+evt.EventID()+"/retry", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDLQRetryAllEndpoint(t *testing.T) {
	st, handler := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		evt := schema.NewWSMessage("ws", "c1", "doomed")
		require.NoError(t, st.Publish(ctx, evt))
		require.NoError(t, st.DeadLetter(ctx, evt.EventID(), "boom"))
	}

	rec, body := doJSON(t, handler, http.MethodPost, "/dlq/retry-all", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 2, body["moved"])
}

func TestReplayEndpoint(t *testing.T) {
	st, handler := newTestServer(t)
	ctx := context.Background()

	first := schema.NewWSMessage("ws", "c1", "first")
	second := schema.NewTimerTick("timer", "heartbeat", 1)
	require.NoError(t, st.Publish(ctx, first))
	require.NoError(t, st.Publish(ctx, second))

	start := first.Timestamp.Add(-time.Minute).UTC().Format(time.RFC3339)
	rec, body := doJSON(t, handler, http.MethodGet, "/events/replay?start="+start, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 2, body["count"])

	rec, body = doJSON(t, handler, http.MethodGet, "/events/replay?start="+start+"&types="+schema.KindTimerTick, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, body["count"])

	rec, _ = doJSON(t, handler, http.MethodGet, "/events/replay?start=not-a-time", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimitRejectsBursts(t *testing.T) {
	_, handler := newTestServer(t, server.WithRateLimit(1, 1))

	rec, _ := doJSON(t, handler, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doJSON(t, handler, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestWebSocketIngest(t *testing.T) {
	st, handler := newTestServer(t)

	ts := httptest.NewServer(handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("hello over ws")))

	deadline := time.Now().Add(3 * time.Second)
	var got *schema.WSMessage
	for time.Now().Before(deadline) && got == nil {
		_ = st.Replay(ctx, time.Now().Add(-time.Minute), time.Time{}, []string{schema.KindWSMessage}, func(evt schema.Event) error {
			if msg, ok := evt.(*schema.WSMessage); ok && msg.Content == "hello over ws" {
				got = msg
			}
			return nil
		})
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, got, "frame never became an event")
	require.NotEmpty(t, got.ConnectionID)
	require.Equal(t, "ws:"+got.ConnectionID, got.EventSource())
}
