package threads

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"threads-scheduler/internal/config"
	"threads-scheduler/internal/logger"
	"threads-scheduler/internal/models"
)

// Container readiness states reported by the Threads API.
const (
	containerStatusFinished = "FINISHED"
	containerStatusError    = "ERROR"
)

// APIError is a structured error payload returned by the Threads API.
// Callers distinguish it from transport or decoding failures with errors.As;
// an APIError is terminal for the attempt, anything else counts as transient.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

func (e *APIError) Error() string {
	return e.Message
}

// Credentials identifies the Threads profile a call publishes as.
type Credentials struct {
	UserID      string
	AccessToken string
}

// PublishRequest carries one post through the container/publish protocol.
// ReplyToID, when set, chains the post under an already-published predecessor.
type PublishRequest struct {
	AccountID string
	Text      string
	MediaURL  string
	MediaType string
	ReplyToID string
}

// HistorySink receives a history record for each root post the client publishes.
type HistorySink interface {
	AppendHistory(ctx context.Context, entry models.HistoryEntry) error
}

// Client talks to the Threads Graph API.
type Client struct {
	apiBase  string
	authURL  string
	tokenURL string
	clientID string
	secret   string
	redirect string

	settleDelay  time.Duration
	pollInterval time.Duration
	pollAttempts int

	httpClient *http.Client
	history    HistorySink

	// sleep is replaced in tests to avoid real waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithSleeper overrides the wait function used for settle delays and status polling.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// NewClient constructs a Threads API client. history may be nil when the
// caller records published posts itself.
func NewClient(cfg config.Config, history HistorySink, opts ...Option) *Client {
	c := &Client{
		apiBase:      strings.TrimRight(cfg.ThreadsAPIBase, "/"),
		authURL:      cfg.ThreadsAuthURL,
		tokenURL:     cfg.ThreadsTokenURL,
		clientID:     cfg.OAuthClientID,
		secret:       cfg.OAuthSecret,
		redirect:     strings.TrimRight(cfg.OAuthRedirect, "/"),
		settleDelay:  cfg.SettleDelay,
		pollInterval: cfg.PollInterval,
		pollAttempts: cfg.PollAttempts,
		httpClient:   &http.Client{Timeout: cfg.HTTPTimeout},
		history:      history,
		sleep:        sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// graphRoot strips the version segment for endpoints served off the bare host.
func (c *Client) graphRoot() string {
	return strings.TrimSuffix(c.apiBase, "/v1.0")
}

// Publish runs the create-container, wait, publish sequence for one post and
// returns the externally assigned post id. Provider error payloads come back
// as *APIError; the call never panics past its boundary.
//
// Root posts (no ReplyToID) settle for a fixed delay before publishing and are
// recorded to history on success. Replies poll container readiness instead and
// leave history to the caller, which knows the chain context.
func (c *Client) Publish(ctx context.Context, creds Credentials, req PublishRequest) (string, error) {
	containerID, err := c.createContainer(ctx, creds, req)
	if err != nil {
		return "", err
	}

	if req.ReplyToID != "" {
		if err := c.awaitContainer(ctx, creds, containerID); err != nil {
			return "", err
		}
	} else {
		if err := c.sleep(ctx, c.settleDelay); err != nil {
			return "", err
		}
	}

	postID, err := c.publishContainer(ctx, creds, containerID)
	if err != nil {
		return "", err
	}

	if req.ReplyToID == "" && c.history != nil {
		now := time.Now().UTC()
		entry := models.HistoryEntry{
			ID:             uuid.New().String(),
			AccountID:      req.AccountID,
			Text:           req.Text,
			MediaURL:       req.MediaURL,
			PostedAt:       now,
			ExternalPostID: postID,
			FetchedAt:      now,
		}
		if err := c.history.AppendHistory(ctx, entry); err != nil {
			logger.L().Warnf("record history for post %s: %v", postID, err)
		}
	}

	return postID, nil
}

func (c *Client) createContainer(ctx context.Context, creds Credentials, req PublishRequest) (string, error) {
	params := url.Values{}
	params.Set("text", req.Text)
	params.Set("access_token", creds.AccessToken)
	if req.ReplyToID != "" {
		params.Set("reply_to_id", req.ReplyToID)
	}

	switch {
	case req.MediaURL != "" && req.MediaType == models.MediaTypeVideo:
		params.Set("media_type", models.MediaTypeVideo)
		params.Set("video_url", req.MediaURL)
	case req.MediaURL != "":
		params.Set("media_type", models.MediaTypeImage)
		params.Set("image_url", req.MediaURL)
	default:
		params.Set("media_type", models.MediaTypeText)
	}

	endpoint := fmt.Sprintf("%s/%s/threads", c.apiBase, creds.UserID)
	var resp containerResponse
	if err := c.postForm(ctx, endpoint, params, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("container response missing id")
	}
	return resp.ID, nil
}

// awaitContainer polls container readiness up to the configured attempt bound.
// An exhausted bound is not fatal: the publish is attempted anyway.
func (c *Client) awaitContainer(ctx context.Context, creds Credentials, containerID string) error {
	endpoint := fmt.Sprintf("%s/%s?fields=status&access_token=%s", c.apiBase, containerID, url.QueryEscape(creds.AccessToken))

	for attempt := 0; attempt < c.pollAttempts; attempt++ {
		if err := c.sleep(ctx, c.pollInterval); err != nil {
			return err
		}
		var resp containerResponse
		if err := c.get(ctx, endpoint, &resp); err != nil {
			return err
		}
		switch resp.Status {
		case containerStatusFinished:
			return nil
		case containerStatusError:
			return &APIError{Message: "container processing failed"}
		}
	}

	logger.L().Warnf("container %s not ready after %d checks, publishing anyway", containerID, c.pollAttempts)
	return nil
}

func (c *Client) publishContainer(ctx context.Context, creds Credentials, containerID string) (string, error) {
	params := url.Values{}
	params.Set("creation_id", containerID)
	params.Set("access_token", creds.AccessToken)

	endpoint := fmt.Sprintf("%s/%s/threads_publish", c.apiBase, creds.UserID)
	var resp containerResponse
	if err := c.postForm(ctx, endpoint, params, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("publish response missing id")
	}
	return resp.ID, nil
}

type containerResponse struct {
	ID     string    `json:"id"`
	Status string    `json:"status"`
	Error  *APIError `json:"error"`
}

func (c *Client) postForm(ctx context.Context, endpoint string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

// do executes a request and decodes the JSON body. A structured error payload
// takes priority over the HTTP status code, matching how the API reports
// failures with 200-level and 400-level responses alike.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("threads api request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read threads response: %w", err)
	}

	var probe struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return fmt.Errorf("decode threads response: %w", err)
	}
	if probe.Error != nil {
		return probe.Error
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("threads api status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode threads response: %w", err)
		}
	}
	return nil
}
