// Package segclient is the client stub for the external segmentation
// service's black-box contract: an HTTP status probe, an HTTP endpoint to
// open (and close) a segmentation session, and a WebSocket carrying binary
// request/response protos for an open session.
package segclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// StatusTimeout bounds the service-reachability probe.
	StatusTimeout = 3 * time.Second
	// SessionTimeout bounds opening a session and dialing its WebSocket.
	SessionTimeout = 5 * time.Second
)

// Client talks to one segmentation service instance.
type Client struct {
	httpClient *http.Client
	dialer     *websocket.Dialer
	baseURL    string
	wsBaseURL  string
}

// New returns a client for the segmentation service at host, e.g.
// "http://127.0.0.1:8081".
func New(host string) *Client {
	host = strings.TrimRight(host, "/")
	return &Client{
		httpClient: &http.Client{},
		dialer:     websocket.DefaultDialer,
		baseURL:    host,
		wsBaseURL:  toWebSocketURL(host),
	}
}

func toWebSocketURL(host string) string {
	switch {
	case strings.HasPrefix(host, "https://"):
		return "wss://" + strings.TrimPrefix(host, "https://")
	case strings.HasPrefix(host, "http://"):
		return "ws://" + strings.TrimPrefix(host, "http://")
	default:
		return "ws://" + host
	}
}

// Status probes the service's health endpoint. A non-2xx response or
// transport error both mean "unreachable" to the caller.
func (c *Client) Status(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, StatusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/segment/status", nil)
	if err != nil {
		return fmt.Errorf("segclient: build status request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("segclient: status probe: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("segclient: status probe: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// OpenSession asks the service to start a segmentation session and
// returns its session id.
func (c *Client) OpenSession(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, SessionTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/segment/session/start", nil)
	if err != nil {
		return "", fmt.Errorf("segclient: build open-session request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("segclient: open session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("segclient: open session: unexpected status %d", resp.StatusCode)
	}

	sessionID, err := parseSessionID(resp)
	if err != nil {
		return "", err
	}
	return sessionID, nil
}

// CloseSession tells the service to tear down a previously opened session.
// Failure is logged by the caller, not treated as fatal: the annotator's
// close() path must proceed regardless.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, SessionTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/segment/session/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return fmt.Errorf("segclient: build close-session request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("segclient: close session: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Dial opens the segmentation WebSocket for an already-open session. Each
// message exchanged over the returned connection is one raw
// Marshal()-encoded protomsg value, no additional framing: the WebSocket's
// own message boundaries are the record boundaries.
func (c *Client) Dial(ctx context.Context, sessionID string) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, SessionTimeout)
	defer cancel()

	u := c.wsBaseURL + "/segment/stream?session_id=" + url.QueryEscape(sessionID)
	conn, resp, err := c.dialer.DialContext(ctx, u, nil)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("segclient: dial %s: %w", u, err)
	}
	return conn, nil
}
