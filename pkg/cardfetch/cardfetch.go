// Copyright 2025 Certen Protocol
//
// SSRF-hardened fetcher for agent identity cards (§4.5). No library in the
// corpus implements outbound-request SSRF defense, so this component is
// deliberately stdlib-only (net, net/http, crypto/tls) — see DESIGN.md.

package cardfetch

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/certen-labs/watchtower/pkg/canon"
	"github.com/certen-labs/watchtower/pkg/watchtower"
)

// Resolver is the injectable DNS lookup the fetcher runs on every new
// connection, including connections opened to follow a redirect.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// netResolver adapts *net.Resolver (or net.DefaultResolver) to Resolver.
type netResolver struct{ r *net.Resolver }

func (n netResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return n.r.LookupIPAddr(ctx, host)
}

// DefaultResolver wraps net.DefaultResolver.
func DefaultResolver() Resolver { return netResolver{r: net.DefaultResolver} }

// Options configures one Fetch call (§4.5).
type Options struct {
	TimeoutMs    int
	MaxBytes     int64
	AllowHTTP    bool
	MaxRedirects int
	DNSResolver  Resolver
}

// DefaultOptions returns the spec's documented defaults.
func DefaultOptions() Options {
	return Options{
		TimeoutMs:    5_000,
		MaxBytes:     2_097_152,
		AllowHTTP:    false,
		MaxRedirects: 3,
		DNSResolver:  DefaultResolver(),
	}
}

// Result is the outcome of one card-fetch attempt.
type Result struct {
	Status     watchtower.FetchStatus
	CardHash   string
	CardJSON   []byte
	HTTPStatus int
	Error      string
}

// AgentCard is the validated shape from §6. Unknown fields are ignored by
// json.Unmarshal by default.
type AgentCard struct {
	Type           string         `json:"type"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Services       []CardService  `json:"services"`
	Active         bool           `json:"active"`
	Registrations  []CardRegistry `json:"registrations"`
	SupportedTrust []string       `json:"supportedTrust"`
}

// CardService is one entry in AgentCard.Services.
type CardService struct {
	Protocol string `json:"protocol"`
	Endpoint string `json:"endpoint"`
}

// CardRegistry is one entry in AgentCard.Registrations.
type CardRegistry struct {
	AgentRegistry string `json:"agentRegistry"`
	AgentID       string `json:"agentId"`
}

// validateCard enforces the §6 schema beyond what json.Unmarshal checks:
// required fields present and within bounds.
func validateCard(c AgentCard) error {
	if c.Type != "AgentRegistration" {
		return fmt.Errorf("type must be %q, got %q", "AgentRegistration", c.Type)
	}
	if c.Name == "" {
		return errors.New("name is required")
	}
	if len(c.Name) > 128 {
		return fmt.Errorf("name exceeds 128 characters (%d)", len(c.Name))
	}
	if c.Services == nil {
		return errors.New("services is required")
	}
	for i, s := range c.Services {
		if s.Protocol == "" || s.Endpoint == "" {
			return fmt.Errorf("services[%d]: protocol and endpoint are required", i)
		}
	}
	if c.Registrations == nil {
		return errors.New("registrations is required")
	}
	for i, reg := range c.Registrations {
		if reg.AgentRegistry == "" || reg.AgentID == "" {
			return fmt.Errorf("registrations[%d]: agentRegistry and agentId are required", i)
		}
	}
	if c.SupportedTrust == nil {
		return errors.New("supportedTrust is required")
	}
	return nil
}

// Fetcher retrieves and validates agent identity cards.
type Fetcher struct{}

// NewFetcher constructs a Fetcher.
func NewFetcher() *Fetcher { return &Fetcher{} }

// Fetch retrieves agentURI under the SSRF defenses and schema validation of
// §4.5, never returning a transport error — every outcome is folded into
// Result.Status.
func (f *Fetcher) Fetch(ctx context.Context, agentURI string, opts Options) Result {
	if opts.DNSResolver == nil {
		opts.DNSResolver = DefaultResolver()
	}
	if opts.TimeoutMs <= 0 {
		opts.TimeoutMs = DefaultOptions().TimeoutMs
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultOptions().MaxBytes
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
	defer cancel()

	parsed, err := url.Parse(agentURI)
	if err != nil {
		return Result{Status: watchtower.FetchInvalidSchema, Error: fmt.Sprintf("unparseable uri: %v", err)}
	}
	if err := checkScheme(parsed, opts.AllowHTTP); err != nil {
		return Result{Status: watchtower.FetchSSRFBlocked, Error: err.Error()}
	}

	client := f.buildClient(ctx, opts)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, agentURI, nil)
	if err != nil {
		return Result{Status: watchtower.FetchInvalidSchema, Error: fmt.Sprintf("bad request: %v", err)}
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, errSSRFBlocked) || isSSRFBlockedErr(err) {
			return Result{Status: watchtower.FetchSSRFBlocked, Error: err.Error()}
		}
		if ctx.Err() != nil {
			return Result{Status: watchtower.FetchTimeout, Error: "request timed out"}
		}
		return Result{Status: watchtower.FetchUnreachable, Error: err.Error()}
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, opts.MaxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Status: watchtower.FetchTimeout, Error: "body read timed out", HTTPStatus: resp.StatusCode}
		}
		return Result{Status: watchtower.FetchUnreachable, Error: err.Error(), HTTPStatus: resp.StatusCode}
	}
	if int64(len(body)) > opts.MaxBytes {
		return Result{Status: watchtower.FetchInvalidSchema, Error: "oversized", HTTPStatus: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{Status: watchtower.FetchUnreachable, Error: fmt.Sprintf("http status %d", resp.StatusCode), HTTPStatus: resp.StatusCode}
	}

	var card AgentCard
	if err := json.Unmarshal(body, &card); err != nil {
		return Result{Status: watchtower.FetchInvalidSchema, Error: fmt.Sprintf("invalid json: %v", err), HTTPStatus: resp.StatusCode}
	}
	if err := validateCard(card); err != nil {
		return Result{Status: watchtower.FetchInvalidSchema, Error: err.Error(), HTTPStatus: resp.StatusCode}
	}

	var parsedAny any
	if err := json.Unmarshal(body, &parsedAny); err != nil {
		return Result{Status: watchtower.FetchInvalidSchema, Error: fmt.Sprintf("invalid json: %v", err), HTTPStatus: resp.StatusCode}
	}
	cardHash, err := canon.HashCanonical(parsedAny)
	if err != nil {
		return Result{Status: watchtower.FetchInvalidSchema, Error: fmt.Sprintf("canonicalize: %v", err), HTTPStatus: resp.StatusCode}
	}

	return Result{
		Status:     watchtower.FetchOK,
		CardHash:   cardHash,
		CardJSON:   body,
		HTTPStatus: resp.StatusCode,
	}
}

var errSSRFBlocked = errors.New("cardfetch: destination address is disallowed")

func isSSRFBlockedErr(err error) bool {
	return strings.Contains(err.Error(), errSSRFBlocked.Error())
}

func checkScheme(u *url.URL, allowHTTP bool) error {
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if allowHTTP {
			return nil
		}
		return fmt.Errorf("cardfetch: http scheme disallowed (allowHttp=false): %s", u.String())
	default:
		return fmt.Errorf("cardfetch: unsupported scheme %q", u.Scheme)
	}
}

// buildClient returns an http.Client whose DialContext re-resolves and
// re-checks every connection attempt (including ones made mid-redirect),
// and whose CheckRedirect re-validates scheme and caps redirect count.
func (f *Fetcher) buildClient(ctx context.Context, opts Options) *http.Client {
	dialer := &net.Dialer{}

	transport := &http.Transport{
		DialContext: func(dialCtx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			if err := checkHostAllowed(dialCtx, host, opts.DNSResolver); err != nil {
				return nil, err
			}
			return dialer.DialContext(dialCtx, network, net.JoinHostPort(host, port))
		},
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       30 * time.Second,
		ResponseHeaderTimeout: time.Duration(opts.TimeoutMs) * time.Millisecond,
	}

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= opts.MaxRedirects {
				return fmt.Errorf("cardfetch: exceeded %d redirects", opts.MaxRedirects)
			}
			if err := checkScheme(req.URL, opts.AllowHTTP); err != nil {
				return fmt.Errorf("%w: %v", errSSRFBlocked, err)
			}
			return nil
		},
	}
}

// checkHostAllowed resolves host and rejects the connection if any resolved
// address falls in a disallowed range (§4.5).
func checkHostAllowed(ctx context.Context, host string, resolver Resolver) error {
	if ip := net.ParseIP(host); ip != nil {
		if isDisallowedIP(ip) {
			return fmt.Errorf("%w: %s", errSSRFBlocked, ip.String())
		}
		return nil
	}

	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("cardfetch: dns lookup failed for %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("cardfetch: no addresses resolved for %s", host)
	}
	for _, a := range addrs {
		if isDisallowedIP(a.IP) {
			return fmt.Errorf("%w: %s resolves to %s", errSSRFBlocked, host, a.IP.String())
		}
	}
	return nil
}

// documentationRanges are the IPv4/IPv6 ranges reserved by RFC 5737 / RFC
// 3849 for documentation purposes.
var documentationRanges = []*net.IPNet{
	mustParseCIDR("192.0.2.0/24"),
	mustParseCIDR("198.51.100.0/24"),
	mustParseCIDR("203.0.113.0/24"),
	mustParseCIDR("2001:db8::/32"),
}

// cgnatRange is RFC 6598 carrier-grade NAT space.
var cgnatRange = mustParseCIDR("100.64.0.0/10")

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// isDisallowedIP implements the §4.5 IP-range denylist.
func isDisallowedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	bcast := net.IPv4bcast
	if ip.Equal(bcast) {
		return true
	}
	if cgnatRange.Contains(ip) {
		return true
	}
	for _, r := range documentationRanges {
		if r.Contains(ip) {
			return true
		}
	}
	return false
}
