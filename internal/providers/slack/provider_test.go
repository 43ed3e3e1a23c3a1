package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/smallbiznis/orderflow/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookProviderPostsMessage(t *testing.T) {
	var got webhookMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewWebhook(srv.URL, srv.Client())
	require.NoError(t, p.PostMessage(context.Background(), "#alerts", "event exhausted retries"))
	assert.Equal(t, "#alerts", got.Channel)
	assert.Equal(t, "event exhausted retries", got.Text)
}

func TestWebhookProviderRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p := NewWebhook(srv.URL, srv.Client())
	assert.Error(t, p.PostMessage(context.Background(), "", "x"))
}

func TestNewFromConfigWithoutURLIsNoop(t *testing.T) {
	_, ok := NewFromConfig(config.Config{}).(*NoOpProvider)
	assert.True(t, ok)
}
