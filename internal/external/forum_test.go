package external

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formrelay/internal/types"
)

func newForumTestServer(t *testing.T, handler http.HandlerFunc) *ForumHTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewForumClient(srv.Client(), ForumClientConfig{
		BotToken: "bot-token",
		BaseURL:  srv.URL,
		Retry:    DefaultRetryPolicy(),
	})
}

func TestForumClient_ResolveChannel(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		client := newForumTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/channels/c1", r.URL.Path)
			assert.Equal(t, "Bot bot-token", r.Header.Get("Authorization"))
			w.Write([]byte(`{"id":"c1","name":"grants","supports_tags":true}`))
		})

		ch, err := client.ResolveChannel(context.Background(), "c1")
		require.NoError(t, err)
		require.NotNil(t, ch)
		assert.Equal(t, "grants", ch.Name)
		assert.True(t, ch.SupportsTags)
	})

	t.Run("missing channel is nil, not an error", func(t *testing.T) {
		client := newForumTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})

		ch, err := client.ResolveChannel(context.Background(), "gone")
		require.NoError(t, err)
		assert.Nil(t, ch)
	})
}

func TestForumClient_EnsureTag(t *testing.T) {
	t.Run("existing tag reused", func(t *testing.T) {
		client := newForumTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodGet, r.Method)
			w.Write([]byte(`[{"id":"t1","name":"Incoming"}]`))
		})

		id, err := client.EnsureTag(context.Background(), "c1", "incoming")
		require.NoError(t, err)
		assert.Equal(t, "t1", id)
	})

	t.Run("missing tag created", func(t *testing.T) {
		client := newForumTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				w.Write([]byte(`[]`))
				return
			}
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "incoming", body["name"])
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"t9","name":"incoming"}`))
		})

		id, err := client.EnsureTag(context.Background(), "c1", "incoming")
		require.NoError(t, err)
		assert.Equal(t, "t9", id)
	})

	t.Run("untagged channel is a no-op", func(t *testing.T) {
		client := newForumTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})

		id, err := client.EnsureTag(context.Background(), "c1", "incoming")
		require.NoError(t, err)
		assert.Empty(t, id)
	})
}

func TestForumClient_CreateThread(t *testing.T) {
	client := newForumTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/channels/c1/threads", r.URL.Path)

		var body createThreadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "2026-8-20 - Solar Farm", body.Title)
		assert.Equal(t, []string{"t1"}, body.AppliedTagIDs)

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"thread_id":"th1"}`))
	})

	threadID, err := client.CreateThread(context.Background(), "c1", "2026-8-20 - Solar Farm", "body", []string{"t1"})
	require.NoError(t, err)
	assert.Equal(t, "th1", threadID)
}

func TestForumClient_SendActions_ChunksRows(t *testing.T) {
	var messages []messageRequest
	client := newForumTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var msg messageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		messages = append(messages, msg)
		w.WriteHeader(http.StatusCreated)
	})

	// Seven rows: five in the first message, two in the second.
	groups := make([][]types.ActionLink, 7)
	for i := range groups {
		groups[i] = []types.ActionLink{{Label: "Offer", URL: "https://files.example.com/a"}}
	}

	require.NoError(t, client.SendActions(context.Background(), "th1", groups))
	require.Len(t, messages, 2)
	assert.Len(t, messages[0].ActionRows, 5)
	assert.Len(t, messages[1].ActionRows, 2)
}

func TestForumClient_DeliveryRejectionClassified(t *testing.T) {
	client := newForumTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"title too long"}`))
	})

	_, err := client.CreateThread(context.Background(), "c1", "t", "b", nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeUpstreamRejected, types.CodeOf(err))
}

func TestForumClient_MentionRole(t *testing.T) {
	var content string
	client := newForumTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var msg messageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		content = msg.Content
		w.WriteHeader(http.StatusCreated)
	})

	require.NoError(t, client.MentionRole(context.Background(), "th1", "role9"))
	assert.Equal(t, "<@&role9>", content)
}
