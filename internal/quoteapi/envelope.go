package quoteapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"quoterefresh/internal/quote"
)

// envelope is the common /api/v1 response shape.
type envelope struct {
	APIVersion string         `json:"api_version"`
	Endpoint   string         `json:"endpoint"`
	Success    bool           `json:"success"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data"`
}

// StatusError reports a completed request with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	switch e.Code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Sprintf("unauthorized (%d)", e.Code)
	case http.StatusTooManyRequests:
		return "rate limited"
	}
	if e.Body == "" {
		return fmt.Sprintf("unexpected status code: %d", e.Code)
	}
	return fmt.Sprintf("unexpected status code: %d: %s", e.Code, e.Body)
}

// Unwrap places every status failure in the application class.
func (e *StatusError) Unwrap() error { return quote.ErrApplication }

// call performs one request against {base}/api/v1/{endpoint} and decodes the
// envelope. Every failure is wrapped with its quote failure class.
func (c *Client) call(ctx context.Context, method, endpoint string, query url.Values, body io.Reader, header http.Header) (*envelope, error) {
	q := url.Values{}
	for _, src := range []url.Values{c.query, query} {
		for k, vs := range src {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
	}

	u := fmt.Sprintf("%s/api/v1/%s", c.baseURL, endpoint)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header = c.header.Clone()
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w: %w", quote.ErrTransport, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 2<<10))
		return nil, &StatusError{Code: res.StatusCode, Body: string(b)}
	}

	var env envelope
	dec := json.NewDecoder(res.Body)
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w: %w", endpoint, quote.ErrApplication, err)
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = "success=false"
		}
		return &env, fmt.Errorf("%s: %w: %s", endpoint, quote.ErrApplication, msg)
	}
	return &env, nil
}
