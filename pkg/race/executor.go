package race

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/murmur3"

	"github.com/collidesec/collide/internal/config"
	"github.com/collidesec/collide/internal/httpclient"
	"github.com/collidesec/collide/internal/logger"
)

var transactionIDKeys = []string{"transaction_id", "transactionId", "txn_id", "tx_id", "id", "reference"}

const maxBodyBytes = 1 << 20

// Executor runs a single request of the burst: optional jitter, readiness
// signal, barrier wait, dispatch, and 429 backoff retry. One Executor serves
// all goroutines of a run.
type Executor struct {
	pool    *httpclient.Pool
	rotator *ProxyRotator
	log     *logger.Logger

	token        string
	authToken    string
	amount       float64
	jitterMax    time.Duration
	maxRetries   int
	retryBackoff time.Duration
}

func NewExecutor(pool *httpclient.Pool, rotator *ProxyRotator, log *logger.Logger, token string, cfg *config.RaceConfig) *Executor {
	return &Executor{
		pool:         pool,
		rotator:      rotator,
		log:          log,
		token:        token,
		authToken:    cfg.AuthToken,
		amount:       cfg.Amount,
		jitterMax:    cfg.JitterMax,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
	}
}

// Do executes one request. It signals readiness on ready exactly once, blocks
// until release closes, then dispatches. Every path returns an outcome; the
// burst never loses a slot to an error.
func (e *Executor) Do(ctx context.Context, id, attempt int, ep config.Endpoint, ready *sync.WaitGroup, release <-chan struct{}) RequestOutcome {
	outcome := RequestOutcome{
		ID:        id,
		Attempt:   attempt,
		Endpoint:  ep.URL,
		Method:    ep.Method,
		Timestamp: time.Now(),
	}

	// Jitter lands before the readiness signal so it staggers goroutine
	// scheduling, never the synchronized release.
	if e.jitterMax > 0 {
		time.Sleep(time.Duration(rand.Int63n(int64(e.jitterMax))))
	}

	proxy := e.rotator.Next()
	outcome.Proxy = proxy

	client, err := e.pool.Get(proxy)
	if err != nil {
		ready.Done()
		outcome.Error = fmt.Sprintf("client for proxy %q: %v", proxy, err)
		return outcome
	}

	ready.Done()
	select {
	case <-release:
	case <-ctx.Done():
		outcome.Error = ctx.Err().Error()
		return outcome
	}

	// The payload is built on release so its timestamp and idempotency key
	// reflect the actual dispatch instant, not the parking time.
	payload, err := json.Marshal(e.buildPayload(id, ep))
	if err != nil {
		outcome.Error = fmt.Sprintf("payload: %v", err)
		return outcome
	}

	e.send(ctx, client, ep, payload, &outcome)

	if e.log != nil {
		e.log.LogHTTPRequest(ctx, outcome.Method, outcome.Endpoint, outcome.StatusCode, outcome.Elapsed,
			"request_id", outcome.ID, "attempt", outcome.Attempt, "retries", outcome.Retries)
	}
	return outcome
}

// buildPayload assembles the transaction body. The idempotency key is unique
// per request so the target cannot legitimately deduplicate the burst; a
// vulnerable backend that still processes duplicates is racing, not caching.
func (e *Executor) buildPayload(id int, ep config.Endpoint) map[string]any {
	payload := map[string]any{
		"amount":           e.amount,
		"transaction_type": "transfer",
		"request_id":       id,
		"timestamp":        time.Now().UnixMilli(),
		"idempotency_key":  fmt.Sprintf("%d-%d-%s", time.Now().UnixNano(), id, uuid.NewString()),
	}
	if e.token != "" {
		payload["csrf_token"] = e.token
	}
	for k, v := range ep.Payload {
		payload[k] = v
	}
	return payload
}

// send dispatches the request, retrying only on 429 with exponential backoff.
// Transport failures are terminal: retrying them would re-enter the race
// window at an uncontrolled time.
func (e *Executor) send(ctx context.Context, client *http.Client, ep config.Endpoint, payload []byte, outcome *RequestOutcome) {
	for retries := 0; ; retries++ {
		req, err := http.NewRequest(ep.Method, ep.URL, bytes.NewReader(payload))
		if err != nil {
			outcome.Error = err.Error()
			return
		}
		e.setHeaders(req, ep)

		start := time.Now()
		resp, err := httpclient.DoWithContext(ctx, client, req)
		outcome.Elapsed = time.Since(start)
		outcome.Retries = retries

		if err != nil {
			outcome.StatusCode = 0
			outcome.Error = err.Error()
			return
		}

		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		httpclient.CloseBody(resp)

		if resp.StatusCode == http.StatusTooManyRequests && retries < e.maxRetries {
			if err := sleepContext(ctx, e.retryBackoff<<retries); err != nil {
				outcome.StatusCode = resp.StatusCode
				outcome.Error = err.Error()
				return
			}
			continue
		}

		outcome.StatusCode = resp.StatusCode
		outcome.Success = acceptedStatuses[resp.StatusCode]
		if readErr != nil {
			outcome.Error = readErr.Error()
			return
		}
		e.recordBody(raw, outcome)
		return
	}
}

func (e *Executor) setHeaders(req *http.Request, ep config.Endpoint) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if e.token != "" {
		req.Header.Set("X-CSRF-Token", e.token)
	}
	if e.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.authToken)
	}
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}
}

func (e *Executor) recordBody(raw []byte, outcome *RequestOutcome) {
	if len(raw) == 0 {
		return
	}
	outcome.BodyHash = murmur3.Sum64(raw)

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		outcome.Body = map[string]any{"text": string(raw)}
		return
	}
	outcome.Body = doc

	if outcome.Success {
		outcome.TransactionID, _ = FindString(doc, transactionIDKeys)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
