package providers

import (
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/goliatone/go-ledgersync/core"
)

func basicAuthorization(clientID, clientSecret string) string {
	credentials := url.QueryEscape(clientID) + ":" + url.QueryEscape(clientSecret)
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(credentials))
}

// ResolveEndpoint joins base and path, keeping any query on path.
func ResolveEndpoint(base, path string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	path = strings.TrimSpace(path)
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// FirstNonEmpty returns the first value that is not blank.
func FirstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// RateLimitBucket keys throttling per provider tenant. Without a tenant the
// transport falls back to the request host.
func RateLimitBucket(provider core.ProviderID, tenantID string) string {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ""
	}
	return string(provider) + ":" + tenantID
}
