// Package httpclient provides an outbound HTTP client that refuses to reach
// private networks, used for schedule-supplied URLs.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/automaton/errors"
)

// ErrBlocked marks requests refused by the client's URL policy.
var ErrBlocked = errors.New("request blocked")

// Options tunes a SaferClient. The zero value blocks private addresses and
// does not follow redirects.
type Options struct {
	Timeout time.Duration
	// AllowPrivateIPs disables address checks. Tests against httptest need it.
	AllowPrivateIPs bool
	// FollowRedirects lets net/http follow up to MaxRedirects redirects.
	// Otherwise redirect responses are returned to the caller.
	FollowRedirects bool
	MaxRedirects    int
}

// SaferClient wraps http.Client with scheme and address checks.
type SaferClient struct {
	*http.Client
	opts Options
}

// New creates a client.
func New(opts Options) *SaferClient {
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 10
	}
	c := &SaferClient{
		Client: &http.Client{Timeout: opts.Timeout},
		opts:   opts,
	}

	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if !c.opts.FollowRedirects {
			return http.ErrUseLastResponse
		}
		if len(via) >= c.opts.MaxRedirects {
			return errors.Newf("stopped after %d redirects", c.opts.MaxRedirects)
		}
		return c.check(req.URL)
	}

	if !opts.AllowPrivateIPs {
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		c.Transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, _, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, errors.Wrap(err, "invalid address")
				}
				// Checked at dial time so DNS rebinding cannot slip through
				ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
				if err != nil {
					return nil, errors.Wrapf(err, "resolve %q", host)
				}
				for _, ip := range ips {
					if isPrivateIP(ip) {
						return nil, errors.Mark(errors.Newf("private address %s", ip), ErrBlocked)
					}
				}
				return dialer.DialContext(ctx, network, addr)
			},
			MaxIdleConns:          20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
	}
	return c
}

// ValidateURL parses and checks raw against the client's policy.
func (c *SaferClient) ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := c.check(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Do validates req.URL before sending.
func (c *SaferClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.check(req.URL); err != nil {
		return nil, err
	}
	return c.Client.Do(req)
}

func (c *SaferClient) check(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return errors.Mark(errors.Newf("scheme %q not allowed", u.Scheme), ErrBlocked)
	}
	if u.User != nil {
		return errors.Mark(errors.New("URL carries credentials"), ErrBlocked)
	}
	host := u.Hostname()
	if host == "" {
		return errors.Mark(errors.New("URL missing hostname"), ErrBlocked)
	}
	if c.opts.AllowPrivateIPs {
		return nil
	}
	if isLocalhost(host) {
		return errors.Mark(errors.New("localhost blocked"), ErrBlocked)
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return errors.Mark(errors.Newf("private address %s", host), ErrBlocked)
	}
	return nil
}

var documentationNet = &net.IPNet{IP: net.ParseIP("2001:db8::"), Mask: net.CIDRMask(32, 128)}

func isPrivateIP(ip net.IP) bool {
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		// 0.0.0.0/8 and 240.0.0.0/4
		return ip4[0] == 0 || ip4[0] >= 240
	}
	return documentationNet.Contains(ip)
}

func isLocalhost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" || host == "localhost.localdomain" || strings.HasSuffix(host, ".localhost")
}
