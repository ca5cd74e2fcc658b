package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/learnloop/chat-sync/internal/errors"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// by the API client when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. Chat API responses are
	// JSON payloads; a history page is the largest at well under 1MB.
	maxAPIResponseBytes = 1024 * 1024
)

// Client talks to the learning-platform chat REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the session token
// from leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for the given base URL and session token.
// If httpClient is nil, a client with a 30-second timeout and same-host
// redirect policy is created.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// post sends a JSON POST request and decodes the response into result.
func (c *Client) post(ctx context.Context, endpoint string, body, result interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("%w: sending to %s: %v", apperrors.ErrAPIRequest, endpoint, err)
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("API %s: %w", endpoint, apperrors.ErrInvalidToken)
		case http.StatusNotFound:
			return fmt.Errorf("API %s: %w", endpoint, apperrors.ErrGroupNotFound)
		}

		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			err := fmt.Errorf("API %s (%d): %s", endpoint, resp.StatusCode, apiErr.Error)
			if isTransientStatus(resp.StatusCode) {
				return &TransientError{Err: err}
			}

			return err
		}

		err := fmt.Errorf("API %s returned status %d: %s", endpoint, resp.StatusCode, sanitizeResponseBody(respBody))
		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: err}
		}

		return err
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding body from %s: %v", apperrors.ErrAPIResponse, endpoint, err)
		}
	}

	return nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// JoinSession registers the (group, user) pair and returns the push host.
func (c *Client) JoinSession(ctx context.Context, groupID, userID string) (*JoinSessionResponse, error) {
	req := JoinSessionRequest{GroupID: groupID, UserID: userID}

	var resp JoinSessionResponse
	if err := c.post(ctx, "/chat/session/join", req, &resp); err != nil {
		return nil, fmt.Errorf("joining session: %w", err)
	}

	return &resp, nil
}

// SendMessage creates a message and returns its confirmed form.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*MessageResponse, error) {
	var resp MessageResponse
	if err := c.post(ctx, "/chat/messages", req, &resp); err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	return &resp, nil
}

// EditMessage replaces a message's text body.
func (c *Client) EditMessage(ctx context.Context, req EditMessageRequest) (*MessageResponse, error) {
	var resp MessageResponse
	if err := c.post(ctx, "/chat/messages/edit", req, &resp); err != nil {
		return nil, fmt.Errorf("editing message: %w", err)
	}

	return &resp, nil
}

// DeleteMessage removes a message for all group members.
func (c *Client) DeleteMessage(ctx context.Context, req DeleteMessageRequest) error {
	if err := c.post(ctx, "/chat/messages/delete", req, nil); err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}

	return nil
}

// CreatePoll creates a poll and returns the assigned option ids.
func (c *Client) CreatePoll(ctx context.Context, req CreatePollRequest) (*CreatePollResponse, error) {
	var resp CreatePollResponse
	if err := c.post(ctx, "/chat/polls", req, &resp); err != nil {
		return nil, fmt.Errorf("creating poll: %w", err)
	}

	return &resp, nil
}

// CastVote records a vote and returns the authoritative voter lists.
func (c *Client) CastVote(ctx context.Context, req CastVoteRequest) (*CastVoteResponse, error) {
	var resp CastVoteResponse
	if err := c.post(ctx, "/chat/polls/vote", req, &resp); err != nil {
		return nil, fmt.Errorf("casting vote: %w", err)
	}

	return &resp, nil
}

// FetchPollMetadata returns option ids and voter lists for a poll. Used to
// complete polls received without creation metadata.
func (c *Client) FetchPollMetadata(ctx context.Context, groupID, pollID string) (*PollMetadataResponse, error) {
	req := PollMetadataRequest{GroupID: groupID, PollID: pollID}

	var resp PollMetadataResponse
	if err := c.post(ctx, "/chat/polls/metadata", req, &resp); err != nil {
		return nil, fmt.Errorf("fetching poll metadata: %w", err)
	}

	return &resp, nil
}

// SetPinned updates the server-side pin state for an entry.
func (c *Client) SetPinned(ctx context.Context, req SetPinnedRequest) error {
	if err := c.post(ctx, "/chat/pins", req, nil); err != nil {
		return fmt.Errorf("setting pin: %w", err)
	}

	return nil
}

// FetchPinnedPolls returns the server's pinned-entry list for a group.
func (c *Client) FetchPinnedPolls(ctx context.Context, groupID string) ([]MessageResponse, error) {
	req := PinnedPollsRequest{GroupID: groupID}

	var resp []MessageResponse
	if err := c.post(ctx, "/chat/pins/polls", req, &resp); err != nil {
		return nil, fmt.Errorf("fetching pinned polls: %w", err)
	}

	return resp, nil
}

// FetchRecentMessages returns one page of message history, oldest first.
func (c *Client) FetchRecentMessages(ctx context.Context, groupID string, page, pageSize int) ([]MessageResponse, error) {
	req := RecentMessagesRequest{GroupID: groupID, Page: page, PageSize: pageSize}

	var resp []MessageResponse
	if err := c.post(ctx, "/chat/messages/recent", req, &resp); err != nil {
		return nil, fmt.Errorf("fetching recent messages: %w", err)
	}

	return resp, nil
}

// FetchMembers returns the current group roster.
func (c *Client) FetchMembers(ctx context.Context, groupID string) ([]Member, error) {
	req := MembersRequest{GroupID: groupID}

	var resp []Member
	if err := c.post(ctx, "/chat/members", req, &resp); err != nil {
		return nil, fmt.Errorf("fetching members: %w", err)
	}

	return resp, nil
}
