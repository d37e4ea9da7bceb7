package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tessera/internal/api"
)

// ErrAPIUnavailable reports that no status API is configured or reachable.
var ErrAPIUnavailable = errors.New("status API unavailable")

// ErrNotFound is returned when the daemon reports an unknown queue entry.
var ErrNotFound = errors.New("queue entry not found")

// Client queries a running daemon's status API.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// New builds a client for bind. It returns nil when bind is empty; calls on a
// nil client fail with ErrAPIUnavailable.
func New(bind, token string) (*Client, error) {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return nil, nil
	}
	if !strings.Contains(bind, "://") {
		bind = "http://" + bind
	}
	base, err := url.Parse(bind)
	if err != nil {
		return nil, err
	}
	base.Path = ""
	base.RawQuery = ""
	base.Fragment = ""

	return &Client{
		base:  base,
		token: strings.TrimSpace(token),
		http:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Status fetches /api/status.
func (c *Client) Status(ctx context.Context) (api.DaemonStatus, error) {
	var payload api.DaemonStatus
	err := c.get(ctx, "/api/status", nil, &payload)
	return payload, err
}

// Queue fetches /api/queue, optionally filtered by status.
func (c *Client) Queue(ctx context.Context, statuses ...string) ([]api.QueueEntry, error) {
	values := url.Values{}
	for _, status := range statuses {
		if strings.TrimSpace(status) != "" {
			values.Add("status", status)
		}
	}
	var payload api.QueueListResponse
	if err := c.get(ctx, "/api/queue", values, &payload); err != nil {
		return nil, err
	}
	return payload.Entries, nil
}

// Entry fetches /api/queue/{id} with up to logLimit log lines.
func (c *Client) Entry(ctx context.Context, id int64, logLimit int) (*api.EntryDetail, error) {
	values := url.Values{}
	if logLimit > 0 {
		values.Set("logs", strconv.Itoa(logLimit))
	}
	var payload api.EntryDetail
	if err := c.get(ctx, "/api/queue/"+strconv.FormatInt(id, 10), values, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func (c *Client) get(ctx context.Context, path string, values url.Values, out any) error {
	if c == nil {
		return ErrAPIUnavailable
	}
	endpoint := c.base.ResolveReference(&url.URL{Path: path, RawQuery: values.Encode()})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 400:
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error != "" {
			return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, body.Error)
		}
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// IsAPIUnavailable reports whether err means the daemon could not be reached.
func IsAPIUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		err = urlErr.Err
	}
	var opErr *net.OpError
	return errors.Is(err, ErrAPIUnavailable) || errors.As(err, &opErr)
}
