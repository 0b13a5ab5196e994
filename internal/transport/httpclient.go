// Package transport holds the HTTP plumbing shared by the media fetcher,
// outbound uploads and the agent webhook.
package transport

import (
	"net"
	"net/http"
	"time"
)

// SharedHTTPClient returns an HTTP client with connection pooling.
// Build one per collaborator instead of one per request.
func SharedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// StreamingHTTPClient is SharedHTTPClient without an overall deadline, for
// responses that are read incrementally. Callers bound it with a context.
func StreamingHTTPClient(headerTimeout time.Duration) *http.Client {
	c := SharedHTTPClient(headerTimeout)
	c.Timeout = 0
	return c
}
