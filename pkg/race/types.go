// Package race implements synchronized concurrent dispatch against
// transactional HTTP endpoints and classifies the outcome into a
// race-condition verdict. Authorized use only: the package is built for
// assessments of systems the operator controls or is cleared to test.
package race

import (
	"time"
)

// Severity levels
const (
	SeverityCritical = "CRITICAL"
	SeverityHigh     = "HIGH"
	SeverityMedium   = "MEDIUM"
	SeverityLow      = "LOW"
	SeverityNone     = "NONE"
)

// Confidence levels describe how strongly the evidence supports the verdict:
// a balance delta is proof, a raw success count is only suspicion.
const (
	ConfidenceConfirmed   = "CONFIRMED"
	ConfidenceProbable    = "PROBABLE"
	ConfidenceUnconfirmed = "UNCONFIRMED"
	ConfidenceLow         = "LOW"
)

// acceptedStatuses is the set of HTTP statuses counted as a successful
// transaction.
var acceptedStatuses = map[int]bool{200: true, 201: true, 202: true}

// Thresholds holds the classification cutoffs. The defaults are heuristics
// carried over from field use, not derived constants; they are exposed so an
// operator can tune them per engagement.
type Thresholds struct {
	// CriticalMultiplier and HighMultiplier grade a balance-confirmed
	// duplication by delta/amount.
	CriticalMultiplier float64
	HighMultiplier     float64

	// HighCount, MediumCount and LowCount grade by raw successful-request
	// count when no balance evidence exists (strictly-greater-than).
	HighCount   int
	MediumCount int
	LowCount    int

	// Epsilon is the absolute tolerance when comparing balance deltas.
	Epsilon float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		CriticalMultiplier: 2.0,
		HighMultiplier:     1.5,
		HighCount:          5,
		MediumCount:        2,
		LowCount:           1,
		Epsilon:            0.01,
	}
}

// RequestOutcome records one dispatched request. Outcomes are immutable once
// returned by the executor and live in a run-wide sequence ordered by ID.
type RequestOutcome struct {
	// ID is unique and monotonic across the whole run, not per attempt.
	ID      int `json:"request_id"`
	Attempt int `json:"attempt"`

	Endpoint string `json:"endpoint"`
	Method   string `json:"method"`

	// StatusCode 0 is reserved for transport-level failures and timeouts.
	StatusCode int           `json:"status_code"`
	Elapsed    time.Duration `json:"response_time"`
	Success    bool          `json:"success"`

	// Body is the parsed JSON response, or {"text": raw} when the body
	// was not valid JSON.
	Body any `json:"response_data,omitempty"`

	TransactionID string `json:"transaction_id,omitempty"`
	Proxy         string `json:"proxy,omitempty"`
	Retries       int    `json:"retries"`

	// BodyHash fingerprints the raw response bytes so the analyzer can
	// spot byte-identical answers across request IDs.
	BodyHash uint64 `json:"body_hash,omitempty"`

	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ResourceSnapshot captures the target resource's balance at a point in time.
type ResourceSnapshot struct {
	Balance   float64   `json:"balance"`
	Timestamp time.Time `json:"timestamp"`
	Raw       any       `json:"raw_response,omitempty"`
}

// AttemptStats summarizes one attempt's slice of the outcome sequence.
type AttemptStats struct {
	Attempt    int           `json:"attempt"`
	Successful int           `json:"successful"`
	AvgLatency time.Duration `json:"avg_latency"`
}

// BalanceVerification is the balance-delta evidence attached to a verdict
// when both snapshots were captured.
type BalanceVerification struct {
	Before     float64 `json:"before"`
	After      float64 `json:"after"`
	Delta      float64 `json:"delta"`
	Expected   float64 `json:"expected"`
	Unexpected bool    `json:"unexpected_change"`

	// Multiplier is delta/amount; zero when the configured amount is 0.
	Multiplier float64 `json:"multiplier"`

	// ExploitedCount estimates how many transactions actually committed.
	ExploitedCount int `json:"exploited_count,omitempty"`

	// FinancialImpact is the value moved beyond the single expected
	// transaction.
	FinancialImpact float64 `json:"financial_impact,omitempty"`
}

// Verdict is the final classification of a run. It is computed once from the
// complete outcome sequence and snapshot pair and never mutated afterward.
type Verdict struct {
	RaceDetected bool   `json:"race_detected"`
	Severity     string `json:"severity"`
	Confidence   string `json:"confidence"`
	Details      string `json:"details"`

	TotalRequests      int     `json:"total_requests"`
	SuccessfulRequests int     `json:"successful_requests"`
	FailedRequests     int     `json:"failed_requests"`
	SuccessRate        float64 `json:"success_rate"`

	MinResponseTime time.Duration `json:"min_response_time"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	MaxResponseTime time.Duration `json:"max_response_time"`

	StatusCodes map[int]int    `json:"status_code_distribution"`
	Attempts    []AttemptStats `json:"attempts"`

	// Transaction identifiers among successful outcomes: distinct values
	// vs. repeats of an already-seen value.
	UniqueTransactionIDs  int `json:"unique_transaction_ids"`
	DuplicateTransactions int `json:"duplicate_transactions"`

	// DuplicateResponses counts successful outcomes whose raw body was
	// byte-identical to an earlier success.
	DuplicateResponses int `json:"duplicate_responses"`

	RateLimited bool `json:"rate_limited"`

	// ProxySuccesses is populated only when more than one proxy rotated.
	ProxySuccesses map[string]int `json:"proxy_successes,omitempty"`

	Balance *BalanceVerification `json:"balance_verification,omitempty"`
}
