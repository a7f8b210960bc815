package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zane-ops/zane/pkg/log"
	"github.com/zane-ops/zane/pkg/metrics"
	"github.com/zane-ops/zane/pkg/zerrors"
)

// DefaultServer is the proxy server name routes are installed under.
const DefaultServer = "zane"

// Client drives the proxy's admin API. Routes are addressed by their
// @id; creation prepends to the route table so deployment routes win
// over any catch-all.
type Client struct {
	baseURL string
	server  string
	httpc   *http.Client
	log     zerolog.Logger
}

// NewClient returns a client for the admin API at baseURL, e.g.
// "http://127.0.0.1:2019".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		server:  DefaultServer,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		log:     log.WithComponent("proxy"),
	}
}

// WithServer overrides the proxy server name in the config path.
func (c *Client) WithServer(name string) *Client {
	c.server = name
	return c
}

// GetRoute fetches a route by id. Found is false when the proxy does
// not know the id.
func (c *Client) GetRoute(ctx context.Context, id string) (*Route, bool, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/id/"+id, nil)
	if err != nil {
		return nil, false, err
	}
	if status == http.StatusNotFound {
		return nil, false, nil
	}
	if status != http.StatusOK {
		return nil, false, fmt.Errorf("failed to get route %s: status %d: %s", id, status, body)
	}

	var route Route
	if err := json.Unmarshal(body, &route); err != nil {
		return nil, false, fmt.Errorf("failed to decode route %s: %w", id, err)
	}
	return &route, true, nil
}

// EnsureRoute installs the route, replacing any existing route with
// the same id. New routes are prepended to the table.
func (c *Client) EnsureRoute(ctx context.Context, route Route) error {
	_, found, err := c.GetRoute(ctx, route.ID)
	if err != nil {
		return err
	}

	if found {
		status, body, err := c.do(ctx, http.MethodPatch, "/id/"+route.ID, route)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("failed to replace route %s: status %d: %s", route.ID, status, body)
		}
		return nil
	}

	path := fmt.Sprintf("/config/apps/http/servers/%s/routes/0", c.server)
	status, body, err := c.do(ctx, http.MethodPut, path, route)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("failed to install route %s: status %d: %s", route.ID, status, body)
	}
	c.log.Debug().Str("route", route.ID).Msg("route installed")
	return nil
}

// SwapUpstream re-points an existing route at a new backend while
// preserving the rest of the record. This is the promotion primitive:
// the route keeps its id, matchers and rewrites, only the dial moves
// to the other slot.
func (c *Client) SwapUpstream(ctx context.Context, id, dial string) error {
	route, found, err := c.GetRoute(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return zerrors.NotFoundf("route %s", id)
	}

	if !swapDials(route.Handle, dial) {
		return nil
	}

	status, body, err := c.do(ctx, http.MethodPatch, "/id/"+id, route)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("failed to swap upstream of %s: status %d: %s", id, status, body)
	}
	return nil
}

// DeleteRoute removes a route. A missing route is success: teardown
// retries and must converge.
func (c *Client) DeleteRoute(ctx context.Context, id string) error {
	status, body, err := c.do(ctx, http.MethodDelete, "/id/"+id, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNotFound {
		return fmt.Errorf("failed to delete route %s: status %d: %s", id, status, body)
	}
	return nil
}

// Ping checks the admin API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	status, _, err := c.do(ctx, http.MethodGet, "/config/", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("proxy admin api returned status %d", status)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpc.Do(req)
	metrics.ProxyRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProxyRequestsTotal.WithLabelValues(method, "error").Inc()
		return 0, nil, fmt.Errorf("proxy admin request failed: %w", err)
	}
	defer resp.Body.Close()
	metrics.ProxyRequestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, body, nil
}
