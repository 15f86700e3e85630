package quoteapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"quoterefresh/internal/quote"
)

// ChartRequest selects a pre-rendered chart fragment.
type ChartRequest struct {
	Chart    string // e.g. "line", "kline"
	Symbol   string
	Timespan string
	Nonce    string // sent as X-Nonce
}

// Chart fetches server-rendered chart markup (data.chartHTML).
func (c *Client) Chart(ctx context.Context, r ChartRequest) (string, error) {
	if r.Chart == "" || r.Symbol == "" {
		return "", fmt.Errorf("chart: chart and symbol are required")
	}
	q := url.Values{"chart": {r.Chart}, "symbol": {r.Symbol}, "timespan": {r.Timespan}}
	var h http.Header
	if r.Nonce != "" {
		h = http.Header{"X-Nonce": {r.Nonce}}
	}
	env, err := c.call(ctx, http.MethodGet, "chart", q, http.NoBody, h)
	if err != nil {
		return "", err
	}
	html, ok := env.Data["chartHTML"].(string)
	if !ok {
		return "", fmt.Errorf("chart: %w: missing chartHTML", quote.ErrApplication)
	}
	return html, nil
}

// RecentsAction is an operation on the signed-in user's recents list.
type RecentsAction string

const (
	RecentsAdd    RecentsAction = "add"
	RecentsRemove RecentsAction = "remove"
	RecentsLock   RecentsAction = "lock"
	RecentsUnlock RecentsAction = "unlock"
)

// ParseRecentsAction validates a user-supplied action name.
func ParseRecentsAction(s string) (RecentsAction, error) {
	switch a := RecentsAction(strings.ToLower(strings.TrimSpace(s))); a {
	case RecentsAdd, RecentsRemove, RecentsLock, RecentsUnlock:
		return a, nil
	}
	return "", fmt.Errorf("unknown recents action %q", s)
}

// Recents applies action to symbol: GET /api/v1/recents?{action}={symbol}.
func (c *Client) Recents(ctx context.Context, action RecentsAction, symbol string) error {
	if _, err := ParseRecentsAction(string(action)); err != nil {
		return err
	}
	if symbol == "" {
		return fmt.Errorf("recents: symbol is required")
	}
	_, err := c.call(ctx, http.MethodGet, "recents", url.Values{string(action): {symbol}}, http.NoBody, nil)
	return err
}

// Identity providers whose ID tokens the site accepts.
const (
	ProviderGoogle   = "google"
	ProviderFacebook = "facebook"
	ProviderAmazon   = "amazon"
)

// RegisterIDToken hands an opaque provider ID token to the site so it can
// establish a session: POST {base}/tokensignin with form field idtoken. The
// endpoint sits outside /api/v1 and answers without an envelope, so any 2xx
// counts as accepted. The provider only selects which tokens are sent.
func (c *Client) RegisterIDToken(ctx context.Context, provider, idToken string) error {
	switch provider {
	case ProviderGoogle, ProviderFacebook, ProviderAmazon:
	default:
		return fmt.Errorf("unsupported identity provider %q", provider)
	}
	if idToken == "" {
		return fmt.Errorf("%s: empty id token", provider)
	}

	form := url.Values{"idtoken": {idToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tokensignin", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header = c.header.Clone()
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w: %w", quote.ErrTransport, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 2<<10))
		return &StatusError{Code: res.StatusCode, Body: string(b)}
	}
	_, _ = io.Copy(io.Discard, res.Body)
	c.logger.Debug("id token registered", "provider", provider)
	return nil
}
