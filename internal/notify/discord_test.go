package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscordPostsEmbed(t *testing.T) {
	var got discordPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	d := NewDiscord(server.URL)
	require.NoError(t, d.Notify(context.Background(), "Node offline", "rack-7 missed heartbeats"))

	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "Node offline", got.Embeds[0].Title)
	assert.Equal(t, "rack-7 missed heartbeats", got.Embeds[0].Description)
}

func TestDiscordNon2xxIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	d := NewDiscord(server.URL)
	assert.Error(t, d.Notify(context.Background(), "t", "m"))
}
