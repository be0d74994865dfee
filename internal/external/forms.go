package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"formrelay/internal/types"
)

// FormsClientConfig holds the configuration for creating a FormsHTTPClient.
type FormsClientConfig struct {
	APIKey  string
	BaseURL string
	Retry   RetryPolicy
	Logger  *slog.Logger
}

// FormsHTTPClient talks to the form-response source API. It is read-only:
// schema and response listing per form, plus a startup credential probe.
type FormsHTTPClient struct {
	base    *BaseClient
	apiKey  string
	baseURL string
	logger  *slog.Logger
}

// NewFormsClient creates a FormsHTTPClient. The httpClient timeout should be
// set by the caller (the source API is expected to answer within seconds).
func NewFormsClient(httpClient *http.Client, cfg FormsClientConfig) *FormsHTTPClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FormsHTTPClient{
		base:    NewBaseClient(httpClient, "forms", cfg.Retry),
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		logger:  logger,
	}
}

// NewFormsClientWithBase creates a FormsHTTPClient with a pre-configured
// BaseClient, for tests that need control over retry/breaker behavior.
func NewFormsClientWithBase(base *BaseClient, cfg FormsClientConfig) *FormsHTTPClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FormsHTTPClient{
		base:    base,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		logger:  logger,
	}
}

// schemaResponse is the wire shape of GET /v1/forms/{id}/schema.
type schemaResponse struct {
	Items []types.SchemaItem `json:"items"`
}

// listResponsesResponse is the wire shape of GET /v1/forms/{id}/responses.
type listResponsesResponse struct {
	Responses []types.RawRecord `json:"responses"`
}

// VerifyCredentials probes the API key against the account endpoint. It is
// called once at startup; a failure here is the one fatal error class in the
// whole service, so the process refuses to start with bad credentials
// rather than logging the same auth error every tick.
func (c *FormsHTTPClient) VerifyCredentials(ctx context.Context) error {
	resp, err := c.get(ctx, c.baseURL+"/v1/me")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return types.NewAppError(types.ErrCodeAuthorization,
			fmt.Sprintf("forms API rejected credentials (%d): %s", resp.StatusCode, truncateBody(body)), nil)
	}
	return nil
}

// GetFormSchema fetches the current form definition, reduced to ordered
// question IDs and titles. Called fresh on every reconciliation pass so a
// renamed or reordered question is reflected immediately.
func (c *FormsHTTPClient) GetFormSchema(ctx context.Context, formID string) (types.SchemaIndex, error) {
	resp, err := c.get(ctx, fmt.Sprintf("%s/v1/forms/%s/schema", c.baseURL, formID))
	if err != nil {
		return types.SchemaIndex{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return types.SchemaIndex{}, statusError("forms", resp.StatusCode, body)
	}

	var decoded schemaResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return types.SchemaIndex{}, types.NewAppError(types.ErrCodeUpstreamRejected, "decoding form schema", err)
	}

	return types.NewSchemaIndex(decoded.Items), nil
}

// ListResponses fetches all responses for a form. The source API gives no
// ordering guarantee; the reconciler sorts by submission time itself.
func (c *FormsHTTPClient) ListResponses(ctx context.Context, formID string) ([]types.RawRecord, error) {
	start := time.Now()

	resp, err := c.get(ctx, fmt.Sprintf("%s/v1/forms/%s/responses", c.baseURL, formID))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, statusError("forms", resp.StatusCode, body)
	}

	var decoded listResponsesResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamRejected, "decoding response list", err)
	}

	c.logger.DebugContext(ctx, "listed form responses",
		"form_id", formID,
		"count", len(decoded.Responses),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	return decoded.Responses, nil
}

// FileURL builds the retrieval URL for an uploaded file identifier. The
// normalizer uses this to turn file answers into clickable links.
func (c *FormsHTTPClient) FileURL(fileID string) string {
	return fmt.Sprintf("%s/v1/files/%s", c.baseURL, fileID)
}

func (c *FormsHTTPClient) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "building forms request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	return c.base.Do(req)
}
