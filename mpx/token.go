package mpx

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"mpxsync/internal"
)

// requester performs unauthenticated mpx calls
type requester interface {
	Request(ctx context.Context, rawURL string, params url.Values, opts RequestOptions) (*Response, error)
}

// signInResponse is the body of a successful signIn call. Durations are
// in milliseconds.
type signInResponse struct {
	SignInResponse struct {
		Token       string `json:"token"`
		Duration    int64  `json:"duration"`
		IdleTimeout int64  `json:"idleTimeout"`
		UserID      string `json:"userId"`
		UserName    string `json:"userName"`
	} `json:"signInResponse"`
}

// TokenManager owns the acquire/fetch/release/expire lifecycle of mpx
// session tokens. The store is shared across processes and is not
// stampede-protected: concurrent refreshes both succeed and the last write
// wins.
type TokenManager struct {
	api          requester
	store        internal.TokenStore
	identityURL  string
	ttl          time.Duration
	fetchTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewTokenManager creates a token manager signing in through api
func NewTokenManager(cfg *internal.Config, api requester, store internal.TokenStore, logger *slog.Logger) *TokenManager {
	return &TokenManager{
		api:          api,
		store:        store,
		identityURL:  strings.TrimRight(cfg.IdentityURL, "/"),
		ttl:          cfg.TokenTTL,
		fetchTimeout: cfg.TokenFetchTimeout,
		logger:       internal.LoggerOrDefault(logger),
		now:          time.Now,
	}
}

// maxLifetime is the longest lifetime a token fetched with the configured
// TTL still covers once the sign-in round trip has elapsed
func (m *TokenManager) maxLifetime() time.Duration {
	limit := m.ttl - m.fetchTimeout
	if limit <= 0 {
		limit = m.ttl / 2
	}
	return limit
}

// Acquire returns a token for account valid for at least minLifetime,
// fetching a fresh one when forced or when the cached token falls short.
// A minLifetime a TTL-bound token cannot cover is clamped to one it can.
func (m *TokenManager) Acquire(ctx context.Context, account *internal.Account, minLifetime time.Duration, force bool) (*internal.Token, error) {
	if m.ttl > 0 && minLifetime > m.maxLifetime() {
		m.logger.WarnContext(ctx, "requested token lifetime exceeds the token TTL, clamping",
			"account", account.String(),
			"requested", minLifetime.String(),
			"ttl", m.ttl.String(),
			"clamped", m.maxLifetime().String(),
		)
		minLifetime = m.maxLifetime()
	}

	owner := account.TokenOwner()
	cached, err := m.store.Get(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("load cached token for %s: %w", owner, err)
	}

	if !force && cached.IsValid(m.now(), minLifetime) {
		return cached, nil
	}

	// A failed fetch must not leave the stale token visible to other callers
	if cached != nil {
		if err := m.store.Delete(ctx, owner); err != nil {
			return nil, fmt.Errorf("delete cached token for %s: %w", owner, err)
		}
	}

	token, err := m.Fetch(ctx, account.Username, account.Password, m.ttl)
	if err != nil {
		return nil, err
	}
	token.OwnerID = owner

	if !token.IsValid(m.now(), minLifetime) {
		m.logger.WarnContext(ctx, "fresh token does not cover the requested lifetime",
			"account", account.String(),
			"requested", minLifetime.String(),
			"expires_at", token.ExpiresAt,
		)
	}

	if err := m.store.Set(ctx, token); err != nil {
		return nil, fmt.Errorf("cache token for %s: %w", owner, err)
	}
	return token, nil
}

// Fetch signs in and returns a new token. When lifetime is positive it is
// requested as both duration and idle timeout and caps the result.
func (m *TokenManager) Fetch(ctx context.Context, username, password string, lifetime time.Duration) (*internal.Token, error) {
	params := url.Values{
		"schema": {"1.0"},
		"form":   {"json"},
	}
	if lifetime > 0 {
		ms := strconv.FormatInt(lifetime.Milliseconds(), 10)
		params.Set("_duration", ms)
		params.Set("_idleTimeout", ms)
	}

	start := m.now()
	resp, err := m.api.Request(ctx, m.identityURL+"/signIn", params, RequestOptions{
		Method: "POST",
		Form: url.Values{
			"username": {username},
			"password": {password},
		},
		Timeout: m.fetchTimeout,
	})
	if err != nil {
		return nil, internal.NewAuthenticationError(fmt.Sprintf("failed to fetch new token for %s", username)).
			WithCause(err)
	}

	var data signInResponse
	if err := resp.Decode(&data); err != nil {
		return nil, internal.NewAuthenticationError(fmt.Sprintf("failed to fetch new token for %s", username)).
			WithCause(err)
	}
	if data.SignInResponse.Token == "" {
		return nil, internal.NewAuthenticationError(fmt.Sprintf("failed to fetch new token for %s", username)).
			WithContext("reason", "sign-in response carried no token")
	}

	effective := effectiveLifetime(data.SignInResponse.Duration, data.SignInResponse.IdleTimeout)
	if lifetime > 0 && effective > lifetime {
		effective = lifetime.Truncate(time.Second)
	}

	token := &internal.Token{
		OwnerID:   username,
		Value:     data.SignInResponse.Token,
		ExpiresAt: start.Add(effective),
	}
	m.logger.InfoContext(ctx, "fetched new mpx token",
		"username", username,
		"expires_at", token.ExpiresAt,
	)
	return token, nil
}

// effectiveLifetime is floor(min(duration, idleTimeout)/1000) seconds; a
// zero value on either side means the server did not bound it
func effectiveLifetime(durationMS, idleTimeoutMS int64) time.Duration {
	ms := durationMS
	if ms <= 0 || (idleTimeoutMS > 0 && idleTimeoutMS < ms) {
		ms = idleTimeoutMS
	}
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms/1000) * time.Second
}

// Release drops the cached token for account and signs it out remotely
// when it is still valid. Remote failures are logged, never returned.
func (m *TokenManager) Release(ctx context.Context, account *internal.Account) error {
	owner := account.TokenOwner()
	token, err := m.store.Get(ctx, owner)
	if err != nil {
		return fmt.Errorf("load cached token for %s: %w", owner, err)
	}
	if token == nil {
		return nil
	}

	if err := m.store.Delete(ctx, owner); err != nil {
		return fmt.Errorf("delete cached token for %s: %w", owner, err)
	}

	if token.IsValid(m.now(), 0) {
		if err := m.Expire(ctx, token); err != nil {
			m.logger.WarnContext(ctx, "failed to expire released token",
				"account", account.String(),
				"error", err,
			)
		}
	}
	return nil
}

// Expire signs token out remotely and clears it on success
func (m *TokenManager) Expire(ctx context.Context, token *internal.Token) error {
	params := url.Values{
		"schema": {"1.0"},
		"form":   {"json"},
		"_token": {token.Value},
	}

	if _, err := m.api.Request(ctx, m.identityURL+"/signOut", params, RequestOptions{Timeout: m.fetchTimeout}); err != nil {
		return internal.NewAuthenticationError(fmt.Sprintf("failed to expire mpx authentication token for %s", token.OwnerID)).
			WithCause(err)
	}

	token.Value = ""
	token.ExpiresAt = time.Time{}
	m.logger.DebugContext(ctx, "expired mpx authentication token", "owner", token.OwnerID)
	return nil
}

// Invalidate drops the cached token without contacting mpx
func (m *TokenManager) Invalidate(ctx context.Context, account *internal.Account) error {
	if err := m.store.Delete(ctx, account.TokenOwner()); err != nil {
		return fmt.Errorf("invalidate token for %s: %w", account.TokenOwner(), err)
	}
	return nil
}
