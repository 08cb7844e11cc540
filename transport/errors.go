package transport

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-ledgersync/core"
)

const providerBodyPreviewLimit = 512

// StatusError maps a non-2xx provider response onto the error taxonomy.
func StatusError(res Response, now time.Time) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	metadata := map[string]any{
		"status_code":   res.StatusCode,
		"provider_body": previewBody(res.Body),
	}
	message := fmt.Sprintf("provider responded with status %d", res.StatusCode)
	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return core.NewAuthError(message, nil).WithMetadata(metadata)
	case res.StatusCode == http.StatusTooManyRequests:
		return core.NewRateLimitedError(message, ParseRetryAfter(res.Headers.Get("Retry-After"), now), nil).
			WithMetadata(metadata)
	case res.StatusCode == http.StatusRequestTimeout || res.StatusCode >= 500:
		return core.NewUpstreamUnavailableError(message, nil).WithMetadata(metadata)
	case res.StatusCode == http.StatusNotFound:
		return core.NewNotFoundError(message, nil).WithMetadata(metadata)
	default:
		return core.NewProviderConfigError(message, nil).WithMetadata(metadata)
	}
}

// ParseRetryAfter accepts delta seconds or an HTTP date.
func ParseRetryAfter(raw string, now time.Time) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if delay := at.Sub(now); delay > 0 {
			return delay
		}
	}
	return 0
}

func previewBody(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > providerBodyPreviewLimit {
		return text[:providerBodyPreviewLimit] + "..."
	}
	return text
}
