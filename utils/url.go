package utils

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"mpxsync/internal"
)

// BuildURL appends encoded params to base, joining with "&" when base
// already carries a query string
func BuildURL(base string, params url.Values) string {
	if len(params) == 0 {
		return base
	}
	separator := "?"
	if strings.Contains(base, "?") {
		separator = "&"
		if strings.HasSuffix(base, "?") || strings.HasSuffix(base, "&") {
			separator = ""
		}
	}
	return base + separator + params.Encode()
}

// MergeParams returns a copy of base overlaid with every key of extra
func MergeParams(base, extra url.Values) url.Values {
	merged := make(url.Values, len(base)+len(extra))
	for key, values := range base {
		merged[key] = append([]string(nil), values...)
	}
	for key, values := range extra {
		merged[key] = append([]string(nil), values...)
	}
	return merged
}

// BaseID returns the last path segment of an mpx entry URI, e.g.
// "http://data.media.theplatform.com/media/data/Media/123" -> "123"
func BaseID(uri string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(uri), "/")
	if trimmed == "" {
		return ""
	}
	if parsed, err := url.Parse(trimmed); err == nil && parsed.Path != "" {
		return path.Base(parsed.Path)
	}
	return path.Base(trimmed)
}

// EnsureHTTPS upgrades an http:// URI to https://
func EnsureHTTPS(uri string) string {
	if strings.HasPrefix(uri, "http://") {
		return "https://" + strings.TrimPrefix(uri, "http://")
	}
	return uri
}

// URLValidator checks endpoints against a list of allowed domains
type URLValidator struct {
	allowedDomains []string
}

// NewURLValidator creates a validator accepting the given domains and any
// of their subdomains
func NewURLValidator(allowedDomains []string) *URLValidator {
	domains := make([]string, 0, len(allowedDomains))
	for _, domain := range allowedDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain != "" {
			domains = append(domains, domain)
		}
	}
	return &URLValidator{allowedDomains: domains}
}

// ValidateURL validates if the URL is from an allowed domain
func (v *URLValidator) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return internal.NewValidationError("url", "URL cannot be empty")
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return internal.NewValidationError("url", fmt.Sprintf("invalid URL format: %v", err))
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return internal.NewValidationErrorWithValue("url", "URL must use http or https protocol", rawURL)
	}

	// Normalize the host (remove port if present)
	host := strings.ToLower(parsedURL.Hostname())

	for _, allowedDomain := range v.allowedDomains {
		if host == allowedDomain || strings.HasSuffix(host, "."+allowedDomain) {
			return nil
		}
	}

	return internal.NewValidationErrorWithValue("url", fmt.Sprintf("host %s is not an allowed mpx domain", host), rawURL).
		WithSuggestion(fmt.Sprintf("Use an endpoint under one of: %s", strings.Join(v.allowedDomains, ", ")))
}

// ValidateEndpoints validates every configured endpoint
func (v *URLValidator) ValidateEndpoints(cfg *internal.Config) error {
	for _, endpoint := range []string{cfg.IdentityURL, cfg.AccountURL, cfg.PlayerFeedURL, cfg.MediaFeedURL, cfg.MediaDataURL} {
		if err := v.ValidateURL(endpoint); err != nil {
			return err
		}
	}
	return nil
}
