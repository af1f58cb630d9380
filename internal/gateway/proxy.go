package gateway

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// forwardedHeaders are copied verbatim to the upstream request. The orders
// service needs the caller's token, its idempotency key and the browser
// details that make up a guest fingerprint.
var forwardedHeaders = []string{
	"Content-Type",
	"Authorization",
	"Idempotency-Key",
	"User-Agent",
	"Accept-Language",
}

type ServiceProxy struct {
	baseURL string
	client  *http.Client
}

func NewServiceProxy(baseURL string, client *http.Client) *ServiceProxy {
	return &ServiceProxy{
		baseURL: baseURL,
		client:  client,
	}
}

func (p *ServiceProxy) ForwardRequest(ctx context.Context, r *http.Request, path string) (*http.Response, error) {
	target := p.baseURL + path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = r.ContentLength

	for _, h := range forwardedHeaders {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	if r.Header.Get("User-Agent") == "" {
		// keep net/http from inventing one, it would skew fingerprints
		req.Header.Set("User-Agent", "")
	}
	req.Header.Set("X-Forwarded-For", forwardedFor(r))

	return p.client.Do(req)
}

func forwardedFor(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if prior := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); prior != "" {
		return prior + ", " + host
	}
	return host
}
