// Package geo resolves a client IP address to a human-readable location
// string for display next to chat messages.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Unknown is the location shown when resolution fails or is disabled.
const Unknown = "未知"

// Resolver looks up the geographic location of an IP via an HTTP geolocation
// service. A zero-value or nil Resolver resolves everything to Unknown.
type Resolver struct {
	baseURL string
	client  *http.Client
}

// NewResolver creates a Resolver against the given service base URL, e.g.
// "https://ip.example.com/lookup". An empty baseURL disables lookups.
func NewResolver(baseURL string, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Resolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Resolve returns the location for ip. Resolution failure is never an error
// for the caller; every failure path returns Unknown so that message flow is
// not blocked on geolocation.
func (r *Resolver) Resolve(ctx context.Context, ip string) string {
	if r == nil || r.baseURL == "" || ip == "" {
		return Unknown
	}

	loc, err := r.lookup(ctx, ip)
	if err != nil {
		log.Printf("geo: lookup failed ip=%s: %v", ip, err)
		return Unknown
	}
	if loc == "" {
		return Unknown
	}
	return loc
}

func (r *Resolver) lookup(ctx context.Context, ip string) (string, error) {
	u := fmt.Sprintf("%s?ip=%s", r.baseURL, url.QueryEscape(ip))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("geo: build request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("geo: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geo: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Province string `json:"province"`
		City     string `json:"city"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("geo: decode response: %w", err)
	}

	parts := make([]string, 0, 2)
	if body.Province != "" {
		parts = append(parts, body.Province)
	}
	if body.City != "" && body.City != body.Province {
		parts = append(parts, body.City)
	}
	return strings.Join(parts, " "), nil
}
