// Package focusapi is a client for the analysis service's session and
// recording REST endpoints.
package focusapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ashureev/focus-tracker/internal/credential"
)

var (
	// ErrAuthMissing is returned before any request is made when no bearer token is available.
	ErrAuthMissing = errors.New("no authentication token")
	// ErrRemoteRejected matches every non-success HTTP status.
	ErrRemoteRejected = errors.New("remote rejected request")
	// ErrNoSession is returned when an operation needs a session id and has none.
	ErrNoSession = errors.New("no session")
)

const maxErrorBody = 4 << 10

// RemoteError describes a non-success HTTP response.
type RemoteError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("failed to %s: %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("failed to %s: %d %s", e.Op, e.StatusCode, e.Body)
}

// Is makes errors.Is(err, ErrRemoteRejected) true for every RemoteError.
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemoteRejected
}

// CreateSessionRequest is the session-create body.
type CreateSessionRequest struct {
	SessionName  string  `json:"session_name"`
	Subject      string  `json:"subject"`
	InitialScore float64 `json:"initial_score"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type endSessionRequest struct {
	Status string `json:"status"`
}

type startRecordingResponse struct {
	RecordingID string `json:"recording_id"`
}

// Client talks to the analysis service over HTTP.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	logger  *slog.Logger
}

// New creates a client for the service rooted at baseURL. A nil httpClient
// uses http.DefaultClient, whose transport defaults are the only timeouts applied.
func New(baseURL string, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", u.Scheme)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{baseURL: u, http: httpClient, logger: logger}, nil
}

// CreateSession registers a new tracking session and returns its id.
func (c *Client) CreateSession(ctx context.Context, token string, req CreateSessionRequest) (string, error) {
	var out createSessionResponse
	if err := c.post(ctx, token, "create session", "/api/focus/sessions", nil, req, &out); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("create session: %w: response has no session_id", ErrRemoteRejected)
	}
	return out.SessionID, nil
}

// EndSession retires a session with a terminal status.
func (c *Client) EndSession(ctx context.Context, token, sessionID, status string) error {
	if sessionID == "" {
		return ErrNoSession
	}
	path := "/api/focus/sessions/" + url.PathEscape(sessionID) + "/end"
	return c.post(ctx, token, "end session", path, nil, endSessionRequest{Status: status}, nil)
}

// StartRecording starts server-side recording for a session.
func (c *Client) StartRecording(ctx context.Context, token, sessionID string, fps int, resolution string) (string, error) {
	if sessionID == "" {
		return "", ErrNoSession
	}
	q := url.Values{}
	q.Set("fps", strconv.Itoa(fps))
	q.Set("resolution", resolution)
	path := "/api/recordings/sessions/" + url.PathEscape(sessionID) + "/start"

	var out startRecordingResponse
	if err := c.post(ctx, token, "start recording", path, q, nil, &out); err != nil {
		return "", err
	}
	if out.RecordingID == "" {
		return "", fmt.Errorf("start recording: %w: response has no recording_id", ErrRemoteRejected)
	}
	return out.RecordingID, nil
}

// StopRecording stops server-side recording for a session.
func (c *Client) StopRecording(ctx context.Context, token, sessionID string) error {
	if sessionID == "" {
		return ErrNoSession
	}
	path := "/api/recordings/sessions/" + url.PathEscape(sessionID) + "/stop"
	return c.post(ctx, token, "stop recording", path, nil, nil, nil)
}

// DownloadURL returns the direct download reference for a recording.
func (c *Client) DownloadURL(recordingID string) string {
	return c.baseURL.JoinPath("/api/recordings", url.PathEscape(recordingID), "download").String()
}

func (c *Client) post(ctx context.Context, token, op, path string, query url.Values, body, out interface{}) error {
	if token == "" {
		return ErrAuthMissing
	}

	u := c.baseURL.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", credential.Bearer(token))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("Failed to close response body", "op", op, "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &RemoteError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(text))}
	}

	if out == nil {
		if _, err := io.Copy(io.Discard, resp.Body); err != nil {
			c.logger.Debug("Failed to drain response body", "op", op, "error", err)
		}
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
