package responder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPResponder_Reply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "What are your hours?", req.Text)
		assert.Equal(t, "en", req.Locale)
		w.Write([]byte(`{"success": true, "text": "We open at 9."}`))
	}))
	defer srv.Close()

	reply, err := NewHTTP(srv.URL, time.Second).Respond(context.Background(), Request{Text: "What are your hours?", Locale: "en"})
	require.NoError(t, err)
	assert.Equal(t, Reply{Success: true, Text: "We open at 9."}, reply)
}

func TestHTTPResponder_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status":
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		case "/garbage":
			w.Write([]byte("not json"))
		case "/refused":
			w.Write([]byte(`{"success": false, "errorReason": "quota"}`))
		case "/slow":
			select {
			case <-time.After(time.Second):
			case <-r.Context().Done():
			}
		}
	}))
	defer srv.Close()

	for _, path := range []string{"/status", "/garbage", "/refused", "/slow"} {
		t.Run(path, func(t *testing.T) {
			_, err := NewHTTP(srv.URL+path, 50*time.Millisecond).Respond(context.Background(), Request{Text: "hi"})
			assert.ErrorIs(t, err, ErrUpstream)
		})
	}
}

func TestHTTPResponder_CallerCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := NewHTTP(srv.URL, time.Second).Respond(ctx, Request{Text: "hi"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrUpstream)
}
