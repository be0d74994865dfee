package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"formrelay/internal/types"
)

// maxActionRowsPerMessage is the platform limit on component rows attached
// to a single message. Extra rows are carried by additional messages.
const maxActionRowsPerMessage = 5

// Channel is the sink-side view of a destination channel.
type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// SupportsTags is false for plain channels where EnsureTag is a no-op.
	SupportsTags bool `json:"supports_tags"`
}

// ForumClientConfig holds the configuration for creating a ForumHTTPClient.
type ForumClientConfig struct {
	BotToken string
	BaseURL  string
	Retry    RetryPolicy
	Logger   *slog.Logger
}

// ForumHTTPClient is the write sink: it creates one thread per delivered
// response and posts follow-up messages into it. Every operation is
// fallible and the reconciler treats failures as "record not delivered".
type ForumHTTPClient struct {
	base     *BaseClient
	botToken string
	baseURL  string
	logger   *slog.Logger
}

// NewForumClient creates a ForumHTTPClient.
func NewForumClient(httpClient *http.Client, cfg ForumClientConfig) *ForumHTTPClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ForumHTTPClient{
		base:     NewBaseClient(httpClient, "forum", cfg.Retry),
		botToken: cfg.BotToken,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		logger:   logger,
	}
}

// NewForumClientWithBase creates a ForumHTTPClient with a pre-configured
// BaseClient, for tests.
func NewForumClientWithBase(base *BaseClient, cfg ForumClientConfig) *ForumHTTPClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ForumHTTPClient{
		base:     base,
		botToken: cfg.BotToken,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		logger:   logger,
	}
}

// ResolveChannel looks up a destination channel. A missing channel returns
// (nil, nil): the caller decides whether that aborts the record.
func (c *ForumHTTPClient) ResolveChannel(ctx context.Context, channelID string) (*Channel, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/v1/channels/%s", c.baseURL, channelID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, statusError("forum", resp.StatusCode, body)
	}

	var ch Channel
	if err := json.NewDecoder(resp.Body).Decode(&ch); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamRejected, "decoding channel", err)
	}
	return &ch, nil
}

// forumTag is the wire shape of a channel tag.
type forumTag struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EnsureTag finds the named tag in a channel, creating it when absent, and
// returns its ID. Channels without tag support return "" with no error.
func (c *ForumHTTPClient) EnsureTag(ctx context.Context, channelID, name string) (string, error) {
	tagsURL := fmt.Sprintf("%s/v1/channels/%s/tags", c.baseURL, channelID)

	resp, err := c.do(ctx, http.MethodGet, tagsURL, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	// Plain channels have no tag collection.
	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", statusError("forum", resp.StatusCode, body)
	}

	var tags []forumTag
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamRejected, "decoding channel tags", err)
	}
	for _, tag := range tags {
		if strings.EqualFold(tag.Name, name) {
			return tag.ID, nil
		}
	}

	created, err := c.do(ctx, http.MethodPost, tagsURL, map[string]string{"name": name})
	if err != nil {
		return "", err
	}
	defer created.Body.Close()

	if created.StatusCode != http.StatusCreated && created.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(created.Body)
		return "", statusError("forum", created.StatusCode, body)
	}

	var tag forumTag
	if err := json.NewDecoder(created.Body).Decode(&tag); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamRejected, "decoding created tag", err)
	}

	c.logger.InfoContext(ctx, "created channel tag", "channel_id", channelID, "tag", name)
	return tag.ID, nil
}

// createThreadRequest is the wire shape of POST /v1/channels/{id}/threads.
type createThreadRequest struct {
	Title         string   `json:"title"`
	Content       string   `json:"content"`
	AppliedTagIDs []string `json:"applied_tag_ids,omitempty"`
}

// createThreadResponse carries the new thread's identifier.
type createThreadResponse struct {
	ThreadID string `json:"thread_id"`
}

// CreateThread opens a new thread in a channel with the given title and
// initial message, returning the thread ID.
func (c *ForumHTTPClient) CreateThread(ctx context.Context, channelID, title, body string, tagIDs []string) (string, error) {
	resp, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("%s/v1/channels/%s/threads", c.baseURL, channelID),
		createThreadRequest{Title: title, Content: body, AppliedTagIDs: tagIDs})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", statusError("forum", resp.StatusCode, respBody)
	}

	var decoded createThreadResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamRejected, "decoding created thread", err)
	}
	return decoded.ThreadID, nil
}

// messageRequest is the wire shape of POST /v1/threads/{id}/messages.
type messageRequest struct {
	Content    string      `json:"content,omitempty"`
	ActionRows []actionRow `json:"action_rows,omitempty"`
}

type actionRow struct {
	Buttons []linkButton `json:"buttons"`
}

type linkButton struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// SendFollowup posts a plain text message into an existing thread.
func (c *ForumHTTPClient) SendFollowup(ctx context.Context, threadID, text string) error {
	return c.postMessage(ctx, threadID, messageRequest{Content: text})
}

// SendActions posts the payload's link-action rows into a thread. Rows
// beyond the per-message component limit spill into additional messages.
func (c *ForumHTTPClient) SendActions(ctx context.Context, threadID string, groups [][]types.ActionLink) error {
	for start := 0; start < len(groups); start += maxActionRowsPerMessage {
		end := min(start+maxActionRowsPerMessage, len(groups))

		rows := make([]actionRow, 0, end-start)
		for _, group := range groups[start:end] {
			row := actionRow{Buttons: make([]linkButton, 0, len(group))}
			for _, link := range group {
				row.Buttons = append(row.Buttons, linkButton{Label: link.Label, URL: link.URL})
			}
			rows = append(rows, row)
		}

		if err := c.postMessage(ctx, threadID, messageRequest{ActionRows: rows}); err != nil {
			return err
		}
	}
	return nil
}

// MentionRole posts a role mention into a thread to notify reviewers.
func (c *ForumHTTPClient) MentionRole(ctx context.Context, threadID, roleID string) error {
	return c.postMessage(ctx, threadID, messageRequest{Content: fmt.Sprintf("<@&%s>", roleID)})
}

func (c *ForumHTTPClient) postMessage(ctx context.Context, threadID string, msg messageRequest) error {
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("%s/v1/threads/%s/messages", c.baseURL, threadID), msg)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return statusError("forum", resp.StatusCode, body)
	}
	return nil
}

func (c *ForumHTTPClient) do(ctx context.Context, method, url string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "encoding forum request", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "building forum request", err)
	}
	req.Header.Set("Authorization", "Bot "+c.botToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.base.Do(req)
}
