package race

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/collidesec/collide/internal/config"
	"github.com/collidesec/collide/internal/httpclient"
	"github.com/collidesec/collide/internal/logger"
	"github.com/collidesec/collide/internal/ratelimit"
	"github.com/collidesec/collide/internal/telemetry"
)

// Engine owns one assessment run: token acquisition, balance snapshots, the
// synchronized bursts, and the final verdict.
type Engine struct {
	cfg        *config.RaceConfig
	log        *logger.Logger
	tel        telemetry.Telemetry
	pool       *httpclient.Pool
	rotator    *ProxyRotator
	limiter    *ratelimit.Limiter
	tokens     *TokenSource
	balance    *BalanceService
	thresholds Thresholds
}

// RunReport is the complete record of one run.
type RunReport struct {
	RunID  string `json:"run_id"`
	Target string `json:"target"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Concurrency int     `json:"concurrency"`
	Attempts    int     `json:"attempts"`
	Amount      float64 `json:"amount"`

	TokenAcquired bool `json:"token_acquired"`

	Outcomes []RequestOutcome  `json:"outcomes"`
	Before   *ResourceSnapshot `json:"balance_before,omitempty"`
	After    *ResourceSnapshot `json:"balance_after,omitempty"`
	Verdict  Verdict           `json:"verdict"`
}

// New validates the configuration and assembles an engine. Nothing touches
// the network until Run.
func New(cfg *config.RaceConfig, log *logger.Logger, tel telemetry.Telemetry) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	proxies, err := cfg.ProxyPool()
	if err != nil {
		return nil, err
	}

	pool, err := httpclient.NewPool(httpclient.Options{
		Timeout:           cfg.Timeout,
		DisableKeepAlives: cfg.DisableKeepAlives,
		InsecureTLS:       cfg.InsecureTLS,
	})
	if err != nil {
		return nil, err
	}

	// Probes and snapshots go direct; proxies are for the burst.
	direct, err := pool.Get("")
	if err != nil {
		return nil, err
	}

	if log == nil {
		log, err = logger.New(config.LoggerConfig{Level: "info", Format: "json"})
		if err != nil {
			return nil, err
		}
	}
	if tel == nil {
		tel = telemetry.Noop()
	}

	limiter := ratelimit.NewLimiter(ratelimit.DefaultConfig())

	e := &Engine{
		cfg:        cfg,
		log:        log.WithComponent("race"),
		tel:        tel,
		pool:       pool,
		rotator:    NewProxyRotator(proxies),
		limiter:    limiter,
		tokens:     NewTokenSource(direct, limiter, cfg.TargetURL, cfg.AuthToken),
		thresholds: DefaultThresholds(),
	}
	if cfg.BalanceURL != "" {
		e.balance = NewBalanceService(direct, limiter, cfg.BalanceURL, cfg.AuthToken)
	}
	return e, nil
}

// SetThresholds overrides the default classification cutoffs.
func (e *Engine) SetThresholds(th Thresholds) {
	e.thresholds = th
}

// Run executes the full assessment and returns its report. The outcome
// sequence is ordered by request ID regardless of completion order; slot k
// always holds request k+1.
func (e *Engine) Run(ctx context.Context) (*RunReport, error) {
	report := &RunReport{
		RunID:       uuid.NewString(),
		Target:      e.cfg.TargetURL,
		StartedAt:   time.Now(),
		Concurrency: e.cfg.Concurrency,
		Attempts:    e.cfg.Attempts,
		Amount:      e.cfg.Amount,
	}
	log := e.log.WithRunID(report.RunID).WithTarget(e.cfg.TargetURL)

	ctx, span := log.StartSpan(ctx, "race.run", trace.WithAttributes(
		attribute.String("run.id", report.RunID),
		attribute.Int("run.concurrency", e.cfg.Concurrency),
		attribute.Int("run.attempts", e.cfg.Attempts),
	))
	defer span.End()

	token := e.tokens.Token(ctx)
	report.TokenAcquired = token != ""
	if report.TokenAcquired {
		log.Infow("Anti-forgery token acquired")
	} else {
		log.Debugw("No anti-forgery token found, continuing without one")
	}

	if e.balance != nil {
		snap, err := e.balance.Snapshot(ctx)
		if err != nil {
			// Snapshot failures never abort the run: analysis degrades to
			// the count-based path instead.
			log.Warnw("Balance snapshot before run failed", "error", err)
		} else {
			report.Before = snap
			log.Infow("Balance captured before run", "balance", snap.Balance)
		}
	}

	endpoints := e.cfg.Endpoints
	if len(endpoints) == 0 {
		endpoints = []config.Endpoint{{Method: http.MethodPost, URL: e.cfg.TargetURL}}
	}

	exec := NewExecutor(e.pool, e.rotator, log, token, e.cfg)
	outcomes := make([]RequestOutcome, e.cfg.Attempts*e.cfg.Concurrency)

	for attempt := 1; attempt <= e.cfg.Attempts; attempt++ {
		if attempt > 1 {
			if err := sleepContext(ctx, e.cfg.AttemptDelay); err != nil {
				return nil, fmt.Errorf("run interrupted between attempts: %w", err)
			}
		}

		attemptCtx, attemptSpan := log.StartSpan(ctx, "race.attempt",
			trace.WithAttributes(attribute.Int("attempt", attempt)))
		e.runAttempt(attemptCtx, exec, endpoints, attempt, outcomes)
		attemptSpan.End()
	}

	if e.balance != nil && report.Before != nil {
		if err := sleepContext(ctx, e.cfg.BalanceSettle); err == nil {
			snap, err := e.balance.Snapshot(ctx)
			if err != nil {
				log.Warnw("Balance snapshot after run failed", "error", err)
			} else {
				report.After = snap
				log.Infow("Balance captured after run", "balance", snap.Balance)
			}
		}
	}

	report.Outcomes = outcomes
	report.FinishedAt = time.Now()
	report.Verdict = Analyze(AnalysisInput{
		Outcomes:      outcomes,
		Before:        report.Before,
		After:         report.After,
		Amount:        e.cfg.Amount,
		ProxyPoolSize: e.rotator.Size(),
		Thresholds:    e.thresholds,
	})

	if report.Verdict.RaceDetected {
		e.tel.RecordRaceDetected(report.Verdict.Severity)
		log.LogVulnerability(ctx, report.Verdict.Severity, report.Verdict.Confidence,
			"details", report.Verdict.Details)
	}
	log.LogDuration(ctx, "race_run", report.StartedAt,
		"requests", len(outcomes),
		"successful", report.Verdict.SuccessfulRequests,
		"race_detected", report.Verdict.RaceDetected,
	)
	return report, nil
}

// runAttempt fires one synchronized burst. All workers park on a shared
// channel; after every worker reports ready and the settle delay absorbs
// scheduler wake-up skew, closing the channel releases them in the same
// instant. Each worker writes only its own outcome slot, so the sequence
// needs no mutex and stays in dispatch order.
func (e *Engine) runAttempt(ctx context.Context, exec *Executor, endpoints []config.Endpoint, attempt int, outcomes []RequestOutcome) {
	n := e.cfg.Concurrency
	base := (attempt - 1) * n

	var ready sync.WaitGroup
	ready.Add(n)
	release := make(chan struct{})

	g := new(errgroup.Group)
	for i := 0; i < n; i++ {
		slot := base + i
		ep := endpoints[i%len(endpoints)]
		g.Go(func() error {
			outcomes[slot] = exec.Do(ctx, slot+1, attempt, ep, &ready, release)
			return nil
		})
	}

	ready.Wait()
	time.Sleep(e.cfg.SettleDelay)
	close(release)
	_ = g.Wait()

	for _, out := range outcomes[base : base+n] {
		e.tel.RecordRequest(out.StatusCode, out.Elapsed, out.Success)
	}
}
