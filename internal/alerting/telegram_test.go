package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type telegramStub struct {
	mu       sync.Mutex
	received map[string]string
	status   int
	body     map[string]any
}

func writeGetMe(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":     true,
		"result": map[string]any{"id": 1, "is_bot": true, "first_name": "alertd", "username": "alertd_bot"},
	})
}

func (s *telegramStub) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/bottoken/") {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		method := strings.TrimPrefix(r.URL.Path, "/bottoken/")
		if method == "getMe" {
			writeGetMe(w)
			return
		}

		s.mu.Lock()
		s.received = map[string]string{"method": method, "chat_id": r.FormValue("chat_id"), "text": r.FormValue("text")}
		status, body := s.status, s.body
		s.mu.Unlock()

		if status == 0 {
			status = http.StatusOK
		}
		if body == nil {
			body = map[string]any{
				"ok":     true,
				"result": map[string]any{"message_id": 1, "date": 0, "id": 42, "type": "private", "chat": map[string]any{"id": 42, "type": "private"}},
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func (s *telegramStub) last() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

func (s *telegramStub) fail(status int, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.body = map[string]any{"ok": false, "error_code": status, "description": description}
}

func newTelegramFixture(t *testing.T) (*TelegramNotifier, *telegramStub) {
	t.Helper()
	stub := &telegramStub{}
	srv := httptest.NewServer(stub.handler(t))
	t.Cleanup(srv.Close)

	n, err := NewTelegramNotifier("token", srv.URL, time.Second, testLogger())
	require.NoError(t, err)
	return n, stub
}

func TestTelegramNotifierSuccess(t *testing.T) {
	n, stub := newTelegramFixture(t)

	require.NoError(t, n.Send(context.Background(), "42", "hello"))
	assert.Equal(t, map[string]string{"method": "sendMessage", "chat_id": "42", "text": "hello"}, stub.last())
}

func TestTelegramNotifierChannelUsername(t *testing.T) {
	n, stub := newTelegramFixture(t)

	require.NoError(t, n.Send(context.Background(), "@alerts", "hi"))
	assert.Equal(t, "@alerts", stub.last()["chat_id"])
}

func TestTelegramNotifierGone(t *testing.T) {
	n, stub := newTelegramFixture(t)

	stub.fail(http.StatusForbidden, "Forbidden: bot was blocked by the user")
	assert.ErrorIs(t, n.Send(context.Background(), "42", "x"), ErrDestinationGone)

	stub.fail(http.StatusBadRequest, "Bad Request: chat not found")
	assert.ErrorIs(t, n.Probe(context.Background(), "42"), ErrDestinationGone)
	assert.Equal(t, "getChat", stub.last()["method"])
}

func TestTelegramNotifierTransient(t *testing.T) {
	n, stub := newTelegramFixture(t)

	stub.fail(http.StatusTooManyRequests, "Too Many Requests: retry after 5")
	err := n.Send(context.Background(), "42", "x")
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.NotErrorIs(t, err, ErrDestinationGone)

	stub.fail(http.StatusBadRequest, "Bad Request: message text is empty")
	assert.NotErrorIs(t, n.Send(context.Background(), "42", ""), ErrDestinationGone, "unrelated 400 must not mean gone")
}

func TestTelegramNotifierRequiresToken(t *testing.T) {
	_, err := NewTelegramNotifier("", "", time.Second, testLogger())
	assert.Error(t, err)
}

func TestTelegramNotifierHonoursContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/getMe") {
			writeGetMe(w)
			return
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	n, err := NewTelegramNotifier("token", srv.URL, 30*time.Second, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = n.Send(ctx, "42", "hello")
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Less(t, time.Since(start), 5*time.Second, "send must stop at the context deadline, not the client timeout")

	probeCtx, probeCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer probeCancel()
	err = n.Probe(probeCtx, "42")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDestinationGone, "timed out getChat must be transient")
}
