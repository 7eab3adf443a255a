package race

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/collidesec/collide/internal/httpclient"
	"github.com/collidesec/collide/internal/ratelimit"
)

// Candidate locations for anti-forgery tokens, in probe order.
var (
	tokenBodyKeys = []string{"csrf_token", "token", "csrfToken", "_token", "csrf"}
	tokenHeaders  = []string{"X-CSRF-Token", "X-XSRF-Token", "X-Csrf-Token"}
)

// TokenSource acquires an anti-forgery token from the target before the
// burst. Acquisition is best-effort: many transactional APIs do not issue
// tokens at all, so failure yields an empty token rather than an error, and
// the probe result is cached so every request in a run carries the same one.
type TokenSource struct {
	client    *http.Client
	limiter   *ratelimit.Limiter
	url       string
	authToken string

	mu     sync.Mutex
	cached string
	probed bool
}

func NewTokenSource(client *http.Client, limiter *ratelimit.Limiter, url, authToken string) *TokenSource {
	return &TokenSource{client: client, limiter: limiter, url: url, authToken: authToken}
}

// Token returns the cached token, probing the target on first call.
func (t *TokenSource) Token(ctx context.Context) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.probed {
		t.cached = t.probe(ctx)
		t.probed = true
	}
	return t.cached
}

// probe tries, in order: a GET whose JSON body carries a token key, the same
// GET's response headers, then an OPTIONS request's headers.
func (t *TokenSource) probe(ctx context.Context) string {
	if token := t.probeMethod(ctx, http.MethodGet, true); token != "" {
		return token
	}
	return t.probeMethod(ctx, http.MethodOptions, false)
}

func (t *TokenSource) probeMethod(ctx context.Context, method string, parseBody bool) string {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return ""
		}
	}

	req, err := http.NewRequest(method, t.url, nil)
	if err != nil {
		return ""
	}
	// Token endpoints behind authentication issue nothing to anonymous
	// probes, so the probe authenticates the same way the burst will.
	if t.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.authToken)
	}

	resp, err := httpclient.DoWithContext(ctx, t.client, req)
	if err != nil {
		return ""
	}
	defer httpclient.CloseBody(resp)

	if parseBody {
		if raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)); err == nil {
			var doc any
			if json.Unmarshal(raw, &doc) == nil {
				if token, ok := FindString(doc, tokenBodyKeys); ok {
					return token
				}
			}
		}
	}

	for _, name := range tokenHeaders {
		if token := resp.Header.Get(name); token != "" {
			return token
		}
	}
	return ""
}
