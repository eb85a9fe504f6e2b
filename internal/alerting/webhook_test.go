package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotifierSend(t *testing.T) {
	received := make(chan webhookPayload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body webhookPayload
		if r.Method != http.MethodPost || json.NewDecoder(r.Body).Decode(&body) != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		received <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier("", time.Second, testLogger())
	require.NoError(t, n.Send(context.Background(), srv.URL+"/hook", "price alert"))
	assert.Equal(t, "price alert", (<-received).Text)
}

// postOnlyHook routes POST alone, like most webhook receivers; everything else is 404.
func postOnlyHook(postStatus *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(int(postStatus.Load()))
	}
}

func TestWebhookReachabilityKeepsPostOnlyEndpoint(t *testing.T) {
	var postStatus atomic.Int32
	postStatus.Store(http.StatusOK)
	srv := httptest.NewServer(postOnlyHook(&postStatus))
	defer srv.Close()

	n := NewWebhookNotifier("", time.Second, testLogger())
	dest := srv.URL + "/hook"
	require.NoError(t, n.Send(context.Background(), dest, "x"))
	assert.NoError(t, n.Probe(context.Background(), dest), "HEAD 404 on a live POST route must not be gone")
}

func TestWebhookGoneConfirmedByDelivery(t *testing.T) {
	var postStatus atomic.Int32
	postStatus.Store(http.StatusGone)
	srv := httptest.NewServer(postOnlyHook(&postStatus))
	defer srv.Close()

	n := NewWebhookNotifier("", time.Second, testLogger())
	dest := srv.URL + "/hook"
	assert.ErrorIs(t, n.Send(context.Background(), dest, "x"), ErrDestinationGone)
	assert.ErrorIs(t, n.Probe(context.Background(), dest), ErrDestinationGone)

	postStatus.Store(http.StatusOK)
	require.NoError(t, n.Send(context.Background(), dest, "x"))
	assert.NoError(t, n.Probe(context.Background(), dest), "successful delivery clears the gone mark")
}

func TestWebhookNotifierClassification(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadGateway)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	n := NewWebhookNotifier("", time.Second, testLogger())
	assert.ErrorIs(t, n.Send(context.Background(), srv.URL, "x"), ErrDeliveryFailed)

	err := n.Probe(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.NotErrorIs(t, err, ErrDestinationGone)

	for _, code := range []int{http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented} {
		status.Store(int32(code))
		assert.NoError(t, n.Probe(context.Background(), srv.URL), "HEAD %d alone is inconclusive", code)
	}
}
