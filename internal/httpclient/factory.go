// Package httpclient builds the HTTP clients used to hit targets under test.
// The race core never manages sockets itself; it asks this package for a
// client honoring timeout, proxy, and connection-reuse settings per call.
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"sync"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// Options configures a client. Proxy accepts http://, https:// and socks5://
// URLs; empty means direct.
type Options struct {
	Timeout           time.Duration
	Proxy             string
	DisableKeepAlives bool
	InsecureTLS       bool
	Jar               http.CookieJar
}

// New creates an HTTP client for race dispatch. Redirects are never followed:
// a 3xx is a terminal answer when probing transactional endpoints, and
// following it would serialize the very requests the barrier just released.
func New(opts Options) (*http.Client, error) {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		DisableKeepAlives:   opts.DisableKeepAlives,

		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if opts.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	if opts.Proxy != "" {
		if err := configureProxy(transport, opts.Proxy); err != nil {
			return nil, err
		}
	}

	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
		Jar:       opts.Jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

func configureProxy(transport *http.Transport, rawURL string) error {
	proxyURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid proxy URL %q: %w", rawURL, err)
	}

	switch proxyURL.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(proxyURL)
	case "socks5":
		var auth *xproxy.Auth
		if u := proxyURL.User; u != nil {
			password, _ := u.Password()
			auth = &xproxy.Auth{User: u.Username(), Password: password}
		}
		dialer, err := xproxy.SOCKS5("tcp", proxyURL.Host, auth, xproxy.Direct)
		if err != nil {
			return fmt.Errorf("socks5 proxy %q: %w", rawURL, err)
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(xproxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		}
	default:
		return fmt.Errorf("unsupported proxy scheme %q", proxyURL.Scheme)
	}
	return nil
}

// Pool hands out one client per proxy URL so a rotating pool does not rebuild
// transports on every request. All clients share a cookie jar, letting the
// target's session survive across attempts.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*http.Client
	opts    Options
}

func NewPool(opts Options) (*Pool, error) {
	if opts.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("cookie jar: %w", err)
		}
		opts.Jar = jar
	}
	return &Pool{
		clients: make(map[string]*http.Client),
		opts:    opts,
	}, nil
}

// Get returns the client for the given proxy URL, building it on first use.
// An empty proxy returns the direct client.
func (p *Pool) Get(proxy string) (*http.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[proxy]; ok {
		return client, nil
	}

	opts := p.opts
	opts.Proxy = proxy
	client, err := New(opts)
	if err != nil {
		return nil, err
	}
	p.clients[proxy] = client
	return client, nil
}

// DoWithContext performs a request under the given context.
func DoWithContext(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
		}
		return nil, err
	}

	return resp, nil
}

// CloseBody drains and closes a response body. Unclosed bodies leak pooled
// connections.
func CloseBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}

	_, _ = io.Copy(io.Discard, resp.Body)

	if err := resp.Body.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close HTTP response body: %v\n", err)
	}
}
