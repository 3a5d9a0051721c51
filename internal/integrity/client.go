package integrity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to a sender's integrity service.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for base, given as "host:port" or a full
// http URL. A nil hc uses a client with a 30s timeout.
func NewClient(base string, hc *http.Client) *Client {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc}
}

// Health checks that the service answers.
func (c *Client) Health(ctx context.Context) error {
	var out map[string]string
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return err
	}
	if out["status"] != "ok" {
		return fmt.Errorf("integrity: unhealthy: %v", out)
	}
	return nil
}

// Digests fetches the per-window digests for (sha, ws). An unknown sha
// returns ErrUnknown.
func (c *Client) Digests(ctx context.Context, sha string, ws int) (*DigestResponse, error) {
	var out DigestResponse
	path := "/integrity/" + url.PathEscape(sha) + "?ws=" + strconv.Itoa(ws)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Register asks the service to index a file on its host.
func (c *Client) Register(ctx context.Context, path string) (*RegisterResponse, error) {
	var out RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/register", RegisterRequest{Path: path}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Repair asks the sender to push windows to the receiver named in req.
func (c *Client) Repair(ctx context.Context, req RepairRequest) (*RepairResponse, error) {
	var out RepairResponse
	if err := c.do(ctx, http.MethodPost, "/repair", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		_ = json.Unmarshal(data, &e)
		if resp.StatusCode == http.StatusNotFound && e.Detail == "unknown sha" {
			return ErrUnknown
		}
		return fmt.Errorf("integrity: %s %s: status %d: %s", method, path, resp.StatusCode, e.Detail)
	}
	return json.Unmarshal(data, out)
}
