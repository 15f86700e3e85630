package httpx

import (
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Client is a small wrapper around http.Client with sane defaults. It
// satisfies the Do(*http.Request) shape the API clients accept.
type Client struct {
	HTTP      *http.Client
	UserAgent string
	Headers   map[string]string
	Logger    *slog.Logger
}

func New(timeout time.Duration) *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 3 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		ForceAttemptHTTP2:     true,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   3 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 5 * time.Second,
	}
	return &Client{
		HTTP:      &http.Client{Timeout: timeout, Transport: transport},
		UserAgent: "quote-refresher/1.0",
		Logger:    slog.Default(),
	}
}

// Do sends req, filling in the user agent and default headers the request
// does not already carry. Request cancellation follows req.Context().
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	for k, v := range c.Headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if c.Logger != nil {
		if err != nil {
			c.Logger.Debug("http request failed",
				"method", req.Method,
				"path", req.URL.Path,
				"duration", time.Since(start),
				"err", err,
			)
		} else {
			c.Logger.Debug("http request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", resp.StatusCode,
				"duration", time.Since(start),
			)
		}
	}
	return resp, err
}
