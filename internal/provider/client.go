// Package provider is the HTTP client for the external calendar provider:
// the incremental changes endpoint, the push-subscription (watch channel)
// endpoints, and refresh-grant token rotation. Transient failures (network
// errors, 429, 5xx) are retried with capped exponential backoff honoring
// Retry-After; everything past the attempt ceiling surfaces to the caller.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrAuthRevoked signals a refresh token the provider no longer honors.
// Terminal for that credential until the user re-links.
var ErrAuthRevoked = errors.New("provider authorization revoked")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("provider http %d: %s", e.StatusCode, e.Message)
}

// ChangePage is one page of the provider's change stream. Exactly one of
// ContinuationCursor (more pages pending) and NextCursor (pass complete) is
// set unless CursorRejected, in which case the presented cursor is stale and
// a full resync is required.
type ChangePage struct {
	Events             []json.RawMessage `json:"events"`
	ContinuationCursor string            `json:"continuationCursor"`
	NextCursor         string            `json:"nextCursor"`
	CursorRejected     bool              `json:"cursorRejected"`
}

type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

type Subscription struct {
	ChannelID  string    `json:"channelId"`
	ResourceID string    `json:"resourceId"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type ClientConfig struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

type Client struct {
	baseURL      string
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
}

func NewClient(cfg ClientConfig) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:      baseURL,
		tokenURL:     strings.TrimSpace(cfg.TokenURL),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   httpClient,
		maxRetries:   3,
		baseDelay:    100 * time.Millisecond,
		maxDelay:     2 * time.Second,
	}
}

// Changes requests the page of changes after cursor; an empty cursor asks
// for the entire visible window. A 410 from the provider is reported as a
// rejected cursor, same as the in-band cursorRejected flag.
func (c *Client) Changes(ctx context.Context, accessToken, resourceID, cursor string) (ChangePage, error) {
	q := url.Values{}
	if strings.TrimSpace(cursor) != "" {
		q.Set("cursor", strings.TrimSpace(cursor))
	}
	requestPath := fmt.Sprintf("/v1/calendars/%s/changes?%s", url.PathEscape(resourceID), q.Encode())
	var page ChangePage
	err := c.doJSON(ctx, http.MethodGet, requestPath, accessToken, nil, &page)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusGone {
		return ChangePage{CursorRejected: true}, nil
	}
	return page, err
}

// Watch registers a push subscription for the resource. The channel token is
// echoed back on every notification and checked at ingress.
func (c *Client) Watch(ctx context.Context, accessToken, resourceID, callbackURL, channelToken string) (Subscription, error) {
	body := map[string]any{
		"channelId":    uuid.NewString(),
		"callbackUrl":  callbackURL,
		"channelToken": channelToken,
	}
	requestPath := fmt.Sprintf("/v1/calendars/%s/watch", url.PathEscape(resourceID))
	var sub Subscription
	err := c.doJSON(ctx, http.MethodPost, requestPath, accessToken, body, &sub)
	return sub, err
}

// Stop cancels a subscription. Callers treat failure as non-fatal: an
// expired or superseded channel is harmless once nothing references it.
func (c *Client) Stop(ctx context.Context, accessToken, channelID, resourceID string) error {
	body := map[string]any{
		"channelId":  channelID,
		"resourceId": resourceID,
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/channels/stop", accessToken, body, nil)
}

// Refresh exchanges the long-lived refresh token for a fresh access token.
// Transient failures retry like any other provider call. An invalid_grant
// rejection means the user revoked access: ErrAuthRevoked.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	encoded := form.Encode()

	var resp *http.Response
	var payload []byte
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(encoded))
		if err != nil {
			return Token{}, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err = c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return Token{}, waitErr
				}
				continue
			}
			return Token{}, err
		}
		var readErr error
		payload, readErr = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return Token{}, readErr
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return Token{}, waitErr
			}
			continue
		}
		break
	}

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		var errPayload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		if errPayload.Error == "invalid_grant" || resp.StatusCode == http.StatusUnauthorized {
			return Token{}, fmt.Errorf("%w: %s", ErrAuthRevoked, errPayload.Error)
		}
		return Token{}, &HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Error, Message: "token refresh failed"}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Token{}, &HTTPError{StatusCode: resp.StatusCode, Message: "token refresh failed"}
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return Token{}, err
	}
	if out.AccessToken == "" {
		return Token{}, &HTTPError{StatusCode: resp.StatusCode, Message: "token response missing access_token"}
	}
	expiresIn := out.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return Token{
		AccessToken: out.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

func (c *Client) doJSON(ctx context.Context, method, requestPath, accessToken string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("X-Correlation-Id", "sync_"+uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
