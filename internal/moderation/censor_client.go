package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Conclusion codes returned by the censorship vendor. Exactly one code maps
// to a safe verdict; both non-compliant and suspected map to unsafe.
const (
	conclusionCompliant    = 1
	conclusionNonCompliant = 2
	conclusionSuspected    = 3
)

// tokenRefreshMargin is how long before the credential's actual expiry a
// fresh one is fetched.
const tokenRefreshMargin = 5 * time.Minute

// CensorConfig holds the vendor endpoints and credentials for the remote
// censorship API.
type CensorConfig struct {
	TokenURL     string        // OAuth2 client-credentials token endpoint
	CensorURL    string        // text submission endpoint
	ClientID     string        // API key
	ClientSecret string        // secret key
	Timeout      time.Duration // per-call HTTP timeout
}

// CensorClient submits text to the remote censorship API and maps its
// tri-state conclusion to a Verdict. It caches the bearer credential and
// performs no retries and no local fallback; both are its callers' concern.
type CensorClient struct {
	config CensorConfig
	client *http.Client
	now    func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewCensorClient creates a client for the given vendor configuration.
func NewCensorClient(config CensorConfig) *CensorClient {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &CensorClient{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		now:    time.Now,
	}
}

// Configured reports whether remote credentials are present. The breaker
// treats an unconfigured client as permanently unavailable.
func (c *CensorClient) Configured() bool {
	return c.config.ClientID != "" && c.config.ClientSecret != "" &&
		c.config.TokenURL != "" && c.config.CensorURL != ""
}

// tokenResponse is the vendor's token endpoint payload.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// censorResponse is the vendor's verdict payload. ConclusionType is a
// pointer so a missing conclusion field is distinguishable from zero.
type censorResponse struct {
	ErrorCode      int    `json:"error_code"`
	ErrorMsg       string `json:"error_msg"`
	ConclusionType *int   `json:"conclusionType"`
	Data           []struct {
		Msg  string `json:"msg"`
		Hits []struct {
			Words []string `json:"words"`
		} `json:"hits"`
	} `json:"data"`
}

// fetchCredential returns a valid bearer token, refreshing it when the
// cached one is within tokenRefreshMargin of its expiry.
func (c *CensorClient) fetchCredential(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry.Add(-tokenRefreshMargin)) {
		return c.token, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.config.ClientID},
		"client_secret": {c.config.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	c.token = tr.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	return c.token, nil
}

// Censor submits text to the remote moderation endpoint and returns its
// verdict. Every failure condition surfaces as a *CensorError; the verdict
// is only valid when the error is nil.
func (c *CensorClient) Censor(ctx context.Context, text string) (Verdict, error) {
	token, err := c.fetchCredential(ctx)
	if err != nil {
		return Verdict{}, &CensorError{Op: "credential", Err: err}
	}

	form := url.Values{"text": {text}}
	endpoint := c.config.CensorURL + "?access_token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return Verdict{}, &CensorError{Op: "request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return Verdict{}, &CensorError{Op: "call", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Verdict{}, &CensorError{Op: "call",
			Err: fmt.Errorf("censor endpoint returned status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Verdict{}, &CensorError{Op: "read", Err: err}
	}

	var cr censorResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return Verdict{}, &CensorError{Op: "decode", Err: err}
	}
	if cr.ErrorCode != 0 {
		return Verdict{}, &CensorError{Op: "verdict",
			Err: fmt.Errorf("vendor error %d: %s", cr.ErrorCode, cr.ErrorMsg)}
	}
	if cr.ConclusionType == nil {
		return Verdict{}, &CensorError{Op: "verdict",
			Err: fmt.Errorf("response missing conclusionType")}
	}

	if *cr.ConclusionType == conclusionCompliant {
		return Verdict{Safe: true, FilteredText: text}, nil
	}

	// Collect hit words across all categories, deduplicated, and mask each
	// occurrence in the original text. A suspected verdict may come without
	// hit words; the category messages then serve as the reasons.
	var (
		words []string
		seen  = map[string]bool{}
	)
	for _, d := range cr.Data {
		for _, h := range d.Hits {
			for _, w := range h.Words {
				if w != "" && !seen[w] {
					seen[w] = true
					words = append(words, w)
				}
			}
		}
	}

	reasons := words
	if len(reasons) == 0 {
		for _, d := range cr.Data {
			if d.Msg != "" {
				reasons = append(reasons, d.Msg)
			}
		}
	}

	return Verdict{
		Safe:         false,
		FilteredText: maskWords(text, words),
		Reasons:      reasons,
	}, nil
}

// maskWords replaces every occurrence of each word with a run of mask
// characters of the same rune length.
func maskWords(text string, words []string) string {
	for _, w := range words {
		mask := strings.Repeat(string(maskRune), utf8.RuneCountInString(w))
		text = strings.ReplaceAll(text, w, mask)
	}
	return text
}
