package sysops

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// NetResolver implements Resolver with the system resolver.
type NetResolver struct {
	resolver *net.Resolver
	timeout  time.Duration
}

// NewNetResolver creates a resolver that bounds every lookup with timeout.
func NewNetResolver(timeout time.Duration) *NetResolver {
	return &NetResolver{resolver: net.DefaultResolver, timeout: timeout}
}

// LookupHost resolves host to at least one address.
func (r *NetResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	addrs, err := r.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%s resolved to no addresses", host)
	}
	return addrs, nil
}

// HTTPSChecker implements ReachabilityChecker with a HEAD request. Any HTTP
// response counts as reachable; only connection, TLS, and timeout failures
// do not.
type HTTPSChecker struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPSChecker creates a checker that bounds every probe with timeout.
func NewHTTPSChecker(timeout time.Duration) *HTTPSChecker {
	return &HTTPSChecker{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// CheckHTTPS probes https://host/ and reports whether it answered.
func (c *HTTPSChecker) CheckHTTPS(ctx context.Context, host string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, "https://"+host+"/", nil)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", host, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s is not reachable over https: %w", host, err)
	}
	resp.Body.Close()
	return nil
}
