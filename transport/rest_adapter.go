package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-ledgersync/core"
)

const defaultRESTClientTimeout = 30 * time.Second
const defaultRESTResponseBodyLimit int64 = 10 << 20 // 10 MiB

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Limiter gates calls per rate-limit bucket and learns from each response.
type Limiter interface {
	BeforeCall(ctx context.Context, bucket string) error
	AfterCall(ctx context.Context, bucket string, res Response)
}

type Request struct {
	// Bucket scopes rate limiting; the request host is used when empty.
	Bucket      string
	Method      string
	URL         string
	Query       url.Values
	Headers     map[string]string
	Body        []byte
	BearerToken string
	Timeout     time.Duration
}

type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// RESTAdapter performs provider data calls and maps HTTP failures onto the
// broker error taxonomy. Provider bodies only ever reach error metadata in
// truncated form.
type RESTAdapter struct {
	Client               HTTPDoer
	DefaultHeaders       map[string]string
	MaxResponseBodyBytes int64
	Limiter              Limiter
	Now                  core.Clock
}

func NewRESTAdapter(client HTTPDoer) *RESTAdapter {
	if client == nil {
		client = &http.Client{Timeout: defaultRESTClientTimeout}
	}
	return &RESTAdapter{
		Client:               client,
		DefaultHeaders:       map[string]string{"Accept": "application/json"},
		MaxResponseBodyBytes: defaultRESTResponseBodyLimit,
	}
}

func (a *RESTAdapter) Do(ctx context.Context, req Request) (Response, error) {
	if a == nil || a.Client == nil {
		return Response{}, core.NewProviderConfigError("transport: rest adapter requires an http client", nil)
	}

	method := strings.TrimSpace(strings.ToUpper(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	parsedURL, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || parsedURL.Host == "" {
		return Response{}, core.NewProviderConfigError("transport: invalid request url", err)
	}
	if len(req.Query) > 0 {
		query := parsedURL.Query()
		for key, values := range req.Query {
			if strings.TrimSpace(key) == "" {
				continue
			}
			query.Del(key)
			for _, value := range values {
				query.Add(key, value)
			}
		}
		parsedURL.RawQuery = query.Encode()
	}

	bucket := strings.TrimSpace(req.Bucket)
	if bucket == "" {
		bucket = parsedURL.Host
	}
	if a.Limiter != nil {
		if err := a.Limiter.BeforeCall(ctx, bucket); err != nil {
			return Response{}, err
		}
	}

	requestCtx := ctx
	cancel := func() {}
	if req.Timeout > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	httpReq, err := http.NewRequestWithContext(requestCtx, method, parsedURL.String(), bytes.NewReader(req.Body))
	if err != nil {
		return Response{}, core.NewProviderConfigError("transport: create http request", err)
	}
	for key, value := range a.DefaultHeaders {
		if strings.TrimSpace(key) == "" {
			continue
		}
		httpReq.Header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	for key, value := range req.Headers {
		if strings.TrimSpace(key) == "" || strings.TrimSpace(value) == "" {
			continue
		}
		httpReq.Header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	if token := strings.TrimSpace(req.BearerToken); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	startedAt := time.Now()
	httpRes, err := a.Client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, ctxErr
		}
		return Response{}, core.NewUpstreamUnavailableError("transport: execute http request", err).
			WithMetadata(map[string]any{"method": method, "host": parsedURL.Host})
	}
	defer httpRes.Body.Close()

	maxBodyBytes := a.MaxResponseBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultRESTResponseBodyLimit
	}
	body, err := io.ReadAll(io.LimitReader(httpRes.Body, maxBodyBytes+1))
	if err != nil {
		return Response{}, core.NewUpstreamUnavailableError("transport: read response body", err).
			WithMetadata(map[string]any{"status_code": httpRes.StatusCode})
	}
	if int64(len(body)) > maxBodyBytes {
		return Response{}, core.NewUpstreamUnavailableError(
			fmt.Sprintf("transport: response body exceeds limit of %d bytes", maxBodyBytes), nil,
		).WithMetadata(map[string]any{"status_code": httpRes.StatusCode, "response_limit_b": maxBodyBytes})
	}

	res := Response{
		StatusCode: httpRes.StatusCode,
		Headers:    httpRes.Header.Clone(),
		Body:       body,
		Duration:   time.Since(startedAt),
	}
	if a.Limiter != nil {
		a.Limiter.AfterCall(ctx, bucket, res)
	}
	if err := StatusError(res, a.now()); err != nil {
		return res, err
	}
	return res, nil
}

// DoJSON performs the request and decodes a successful body into out.
// Numbers decoded into interface values stay json.Number so money amounts
// keep their exact text.
func (a *RESTAdapter) DoJSON(ctx context.Context, req Request, out any) (Response, error) {
	res, err := a.Do(ctx, req)
	if err != nil {
		return res, err
	}
	if out == nil || len(bytes.TrimSpace(res.Body)) == 0 {
		return res, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(res.Body))
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return res, core.NewUpstreamUnavailableError("transport: decode provider response", err).
			WithMetadata(map[string]any{"status_code": res.StatusCode})
	}
	return res, nil
}

func (a *RESTAdapter) now() time.Time {
	if a != nil && a.Now != nil {
		return a.Now()
	}
	return time.Now().UTC()
}
