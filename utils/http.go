package utils

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"

	"mpxsync/internal"
)

// DefaultUserAgent identifies mpxsync to the remote service
const DefaultUserAgent = "mpxsync/1.0 (+https://github.com/mpxsync)"

// HTTPClientConfig contains configuration for the HTTP client
type HTTPClientConfig struct {
	Timeout   time.Duration
	ProxyURL  string
	UserAgent string
	// RateLimit caps outbound requests per second; zero disables limiting
	RateLimit float64
	Logger    *slog.Logger
	Transport http.RoundTripper
}

// HTTPClient wraps http.Client with a shared outbound rate limit, an
// optional proxy and redacted debug logging
type HTTPClient struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	logger    *slog.Logger
}

// NewHTTPClient creates a new HTTP client with default configuration
func NewHTTPClient() *HTTPClient {
	client, _ := NewHTTPClientWithConfig(&HTTPClientConfig{
		Timeout: 180 * time.Second,
	})
	return client
}

// NewHTTPClientFromConfig builds a client from application configuration
func NewHTTPClientFromConfig(cfg *internal.Config, logger *slog.Logger) (*HTTPClient, error) {
	return NewHTTPClientWithConfig(&HTTPClientConfig{
		Timeout:   cfg.RequestTimeout,
		ProxyURL:  cfg.ProxyURL,
		RateLimit: cfg.RateLimit,
		Logger:    logger,
	})
}

// NewHTTPClientWithConfig creates a new HTTP client with custom configuration
func NewHTTPClientWithConfig(config *HTTPClientConfig) (*HTTPClient, error) {
	transport := config.Transport
	if transport == nil {
		base := &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		}

		if config.ProxyURL != "" {
			if err := configureProxy(base, config.ProxyURL); err != nil {
				return nil, err
			}
		}
		transport = base
	}

	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		burst := int(config.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	return &HTTPClient{
		client:    client,
		limiter:   limiter,
		userAgent: userAgent,
		logger:    internal.LoggerOrDefault(config.Logger),
	}, nil
}

// configureProxy sets up proxy configuration for the transport
func configureProxy(transport *http.Transport, proxyURL string) error {
	parsedURL, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}

	switch parsedURL.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsedURL)
	case "socks5":
		var auth *proxy.Auth
		if parsedURL.User != nil {
			password, _ := parsedURL.User.Password()
			auth = &proxy.Auth{User: parsedURL.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", parsedURL.Host, auth, proxy.Direct)
		if err != nil {
			return fmt.Errorf("failed to create SOCKS5 proxy: %w", err)
		}
		if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = contextDialer.DialContext
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return fmt.Errorf("unsupported proxy scheme: %s", parsedURL.Scheme)
	}

	return nil
}

// Do sends req after waiting for the rate limiter. The caller owns the
// response body.
func (c *HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	req = req.WithContext(ctx)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json, text/plain, */*")
	}

	c.logger.DebugContext(ctx, "http request",
		"method", req.Method,
		"url", req.URL.String(),
		"headers", internal.SanitizeHeaders(req.Header),
	)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}

	c.logger.DebugContext(ctx, "http response",
		"method", req.Method,
		"url", req.URL.String(),
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

// UserAgent returns the user agent sent with every request
func (c *HTTPClient) UserAgent() string {
	return c.userAgent
}
