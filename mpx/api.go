// Package mpx implements the thePlatform mpx client: token lifecycle,
// authenticated requests, notification feeds, batch imports and the
// per-account ingestion run built on top of them.
package mpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mpxsync/internal"
	"mpxsync/utils"
)

// maxBodySize bounds how much of a response is read into memory
const maxBodySize = 64 << 20

// RequestOptions controls a single request
type RequestOptions struct {
	// Method defaults to GET, or POST when Form is set
	Method string
	// Form is sent as an application/x-www-form-urlencoded body
	Form url.Values
	// Timeout is the per-call deadline. For authenticated requests it is
	// also the minimum lifetime the session token must have left.
	Timeout time.Duration
	Header  http.Header
}

// Response is a classified, successful response
type Response struct {
	URL        string
	Params     url.Values
	StatusCode int
	Body       []byte
	// JSON reports whether the body was validated as JSON
	JSON bool
}

// Decode unmarshals the body into v
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return internal.NewProtocolError(r.URL, "unable to decode JSON response").
			WithParams(r.Params).
			WithStatus(r.StatusCode, r.Body).
			WithCause(err)
	}
	return nil
}

// exceptionPayload is the body mpx returns for application-level failures
type exceptionPayload struct {
	ResponseCode  int    `json:"responseCode"`
	IsException   bool   `json:"isException"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	CorrelationID string `json:"correlationId"`
}

// Client performs classified HTTP calls against mpx endpoints
type Client struct {
	http   *utils.HTTPClient
	tokens *TokenManager
	cfg    *internal.Config
	logger *slog.Logger
}

// NewClient creates a client whose authenticated calls draw tokens from store
func NewClient(cfg *internal.Config, httpClient *utils.HTTPClient, store internal.TokenStore, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = utils.NewHTTPClient()
	}
	c := &Client{
		http:   httpClient,
		cfg:    cfg,
		logger: internal.LoggerOrDefault(logger),
	}
	c.tokens = NewTokenManager(cfg, c, store, logger)
	return c
}

// Tokens returns the client's token manager
func (c *Client) Tokens() *TokenManager {
	return c.tokens
}

// Config returns the configuration the client was built with
func (c *Client) Config() *internal.Config {
	return c.cfg
}

// Request performs an unauthenticated call and classifies the outcome.
// Transport failures, non-2xx statuses and empty bodies yield ErrTransport;
// when params declare a JSON form, undecodable bodies and exception payloads
// yield ErrProtocol.
func (c *Client) Request(ctx context.Context, rawURL string, params url.Values, opts RequestOptions) (*Response, error) {
	fullURL := utils.BuildURL(rawURL, params)

	method := opts.Method
	var body io.Reader
	if opts.Form != nil {
		if method == "" {
			method = http.MethodPost
		}
		body = strings.NewReader(opts.Form.Encode())
	}
	if method == "" {
		method = http.MethodGet
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, internal.NewTransportError(fullURL, "failed to create request").
			WithParams(params).
			WithCause(err)
	}
	for key, values := range opts.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if opts.Form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, internal.NewTransportError(fullURL, fmt.Sprintf("%s request to %s failed", method, rawURL)).
			WithParams(params).
			WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, internal.NewTransportError(fullURL, fmt.Sprintf("failed to read response from %s", rawURL)).
			WithParams(params).
			WithStatus(resp.StatusCode, data).
			WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		mpxErr := internal.NewTransportError(fullURL, fmt.Sprintf("error %d on request to %s", resp.StatusCode, rawURL)).
			WithParams(params).
			WithStatus(resp.StatusCode, data)
		if exception, ok := parseException(data); ok {
			mpxErr.ResponseCode = exception.ResponseCode
			mpxErr.Description = exception.Description
		}
		return nil, mpxErr
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, internal.NewTransportError(fullURL, fmt.Sprintf("empty response from request to %s", rawURL)).
			WithParams(params).
			WithStatus(resp.StatusCode, data)
	}

	result := &Response{
		URL:        fullURL,
		Params:     params,
		StatusCode: resp.StatusCode,
		Body:       data,
	}

	if !isJSONForm(requestForm(rawURL, params)) {
		return result, nil
	}

	if !json.Valid(data) {
		return nil, internal.NewProtocolError(fullURL, fmt.Sprintf("unable to decode JSON response from request to %s", rawURL)).
			WithParams(params).
			WithStatus(resp.StatusCode, data)
	}
	result.JSON = true

	if exception, ok := parseException(data); ok && exception.IsException && exception.ResponseCode != 0 {
		mpxErr := internal.NewProtocolError(fullURL, fmt.Sprintf("error %d on request to %s: %s", exception.ResponseCode, rawURL, exception.Description)).
			WithParams(params).
			WithStatus(resp.StatusCode, data)
		mpxErr.ResponseCode = exception.ResponseCode
		mpxErr.Description = exception.Description
		if exception.CorrelationID != "" {
			mpxErr.WithContext("correlation_id", exception.CorrelationID)
		}
		return nil, mpxErr
	}

	return result, nil
}

// AuthenticatedRequest acquires a token for account valid for at least
// opts.Timeout and performs the call with it. When mpx rejects the token
// the cached copy is purged and the original error returned unchanged.
func (c *Client) AuthenticatedRequest(ctx context.Context, account *internal.Account, rawURL string, params url.Values, opts RequestOptions) (*Response, error) {
	token, err := c.tokens.Acquire(ctx, account, opts.Timeout, false)
	if err != nil {
		return nil, err
	}

	authParams := utils.MergeParams(params, url.Values{"token": {token.Value}})
	resp, err := c.Request(ctx, rawURL, authParams, opts)
	if err != nil {
		if mpxErr, ok := internal.AsMpxError(err); ok {
			mpxErr.WithContext("account", account.String())
			if mpxErr.IsInvalidToken() {
				c.logger.WarnContext(ctx, "mpx rejected session token, purging cached token",
					"account", account.String(),
					"url", rawURL,
					"params", params,
				)
				if invalidateErr := c.tokens.Invalidate(ctx, account); invalidateErr != nil {
					c.logger.ErrorContext(ctx, "failed to purge cached token",
						"account", account.String(),
						"error", invalidateErr,
					)
				}
			}
		}
		return nil, err
	}

	c.logger.DebugContext(ctx, "authenticated request completed",
		"account", account.String(),
		"url", rawURL,
		"params", params,
		"status", resp.StatusCode,
		"bytes", len(resp.Body),
	)
	return resp, nil
}

// requestForm returns the form parameter from params, falling back to one
// already present in rawURL's query
func requestForm(rawURL string, params url.Values) string {
	if form := params.Get("form"); form != "" {
		return form
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Query().Get("form")
}

func isJSONForm(form string) bool {
	return form == "json" || form == "cjson"
}

// parseException decodes an mpx exception object; arrays and other
// shapes are not exceptions
func parseException(data []byte) (*exceptionPayload, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var payload exceptionPayload
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return nil, false
	}
	if payload.ResponseCode == 0 && !payload.IsException {
		return nil, false
	}
	return &payload, true
}
