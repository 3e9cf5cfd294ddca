// Package provisioning fetches the company card list and resolves the relay
// server address from the remote provisioning service.
package provisioning

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pinme/tacho-gateway/internal/logging"
	"github.com/pinme/tacho-gateway/internal/metrics"
)

const (
	// CacheDuration is how long a resolved relay host is reused.
	CacheDuration = 30 * time.Minute
	// RequestTimeout bounds every provisioning request.
	RequestTimeout = 10 * time.Second
	UserAgent      = "tacho-gateway"

	maxBodyBytes = 4 << 20
)

// Client talks to the provisioning endpoints.
type Client struct {
	companiesURL string
	resolverURL  string
	httpClient   *http.Client

	mu          sync.RWMutex
	relayHost   string
	relayExpiry time.Time
}

// NewClient creates a client. resolverURL may be empty when the relay host
// is configured statically.
func NewClient(companiesURL, resolverURL string) *Client {
	return &Client{
		companiesURL: companiesURL,
		resolverURL:  resolverURL,
		httpClient: &http.Client{
			Timeout: RequestTimeout,
		},
	}
}

// FetchCompanies downloads the company id to ICC list table. The feed is a
// JSON object keyed by company id; entries with a non-numeric key are skipped.
func (c *Client) FetchCompanies(ctx context.Context) (map[int][]string, error) {
	companies, err := c.fetchCompanies(ctx)
	metrics.RecordProvisioning(err)
	if err != nil {
		return nil, err
	}

	logging.Debug(logging.CatProvisioning, "Company card list fetched", map[string]any{
		"companies": len(companies),
	})
	return companies, nil
}

func (c *Client) fetchCompanies(ctx context.Context) (map[int][]string, error) {
	body, err := c.get(ctx, c.companiesURL, "application/json")
	if err != nil {
		return nil, err
	}

	var raw map[string][]string
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse company list: %w", err)
	}

	companies := make(map[int][]string, len(raw))
	for key, iccs := range raw {
		id, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil {
			logging.Warn(logging.CatProvisioning, "Skipping company with invalid id", map[string]any{
				"id": key,
			})
			continue
		}
		companies[id] = iccs
	}
	return companies, nil
}

// ResolveRelayHost returns the relay server IP published by the resolver.
// Results are cached for CacheDuration; when a refresh fails the last good
// address is returned instead of an error.
func (c *Client) ResolveRelayHost(ctx context.Context) (string, error) {
	c.mu.RLock()
	if c.relayHost != "" && time.Now().Before(c.relayExpiry) {
		host := c.relayHost
		c.mu.RUnlock()
		return host, nil
	}
	last := c.relayHost
	c.mu.RUnlock()

	host, err := c.resolve(ctx)
	if err != nil {
		if last != "" {
			logging.Warn(logging.CatProvisioning, "Relay host resolve failed, using last known", map[string]any{
				"host":  last,
				"error": err.Error(),
			})
			return last, nil
		}
		return "", err
	}

	c.mu.Lock()
	c.relayHost = host
	c.relayExpiry = time.Now().Add(CacheDuration)
	c.mu.Unlock()

	if host != last {
		logging.Info(logging.CatProvisioning, "Relay host resolved", map[string]any{"host": host})
	}
	return host, nil
}

func (c *Client) resolve(ctx context.Context) (string, error) {
	if c.resolverURL == "" {
		return "", fmt.Errorf("no relay resolver configured")
	}
	body, err := c.get(ctx, c.resolverURL, "text/plain")
	if err != nil {
		return "", err
	}

	host := strings.Trim(strings.TrimSpace(string(body)), `"`)
	if net.ParseIP(host) == nil {
		return "", fmt.Errorf("resolver returned invalid address %q", host)
	}
	return host, nil
}

// ClearCache forgets the resolved relay host.
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.relayHost = ""
	c.relayExpiry = time.Time{}
	c.mu.Unlock()
}

func (c *Client) get(ctx context.Context, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", accept)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}
