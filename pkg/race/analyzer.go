package race

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"time"
)

// AnalysisInput is everything Analyze needs. Analyze is pure: it reads the
// completed outcome sequence and snapshot pair, touches no network, and the
// same input always yields the same verdict.
type AnalysisInput struct {
	Outcomes      []RequestOutcome
	Before        *ResourceSnapshot
	After         *ResourceSnapshot
	Amount        float64
	ProxyPoolSize int
	Thresholds    Thresholds
}

// Analyze classifies a completed run. Balance evidence is authoritative: when
// both snapshots exist, the observed delta confirms or refutes duplication
// regardless of how many requests were accepted. Without snapshots the
// verdict degrades to success-count heuristics with correspondingly weaker
// confidence.
func Analyze(in AnalysisInput) Verdict {
	th := in.Thresholds
	if th == (Thresholds{}) {
		th = DefaultThresholds()
	}

	v := Verdict{
		Severity:    SeverityNone,
		Confidence:  ConfidenceLow,
		StatusCodes: make(map[int]int),
	}

	v.TotalRequests = len(in.Outcomes)
	for _, out := range in.Outcomes {
		v.StatusCodes[out.StatusCode]++
		if out.Success {
			v.SuccessfulRequests++
		}
		if out.StatusCode == http.StatusTooManyRequests {
			v.RateLimited = true
		}
	}
	v.FailedRequests = v.TotalRequests - v.SuccessfulRequests
	if v.TotalRequests > 0 {
		v.SuccessRate = float64(v.SuccessfulRequests) / float64(v.TotalRequests) * 100
	}

	v.MinResponseTime, v.AvgResponseTime, v.MaxResponseTime = latencyStats(in.Outcomes)
	v.Attempts = attemptStats(in.Outcomes)
	v.UniqueTransactionIDs, v.DuplicateTransactions = transactionStats(in.Outcomes)
	v.DuplicateResponses = duplicateBodies(in.Outcomes)

	if in.ProxyPoolSize > 1 {
		v.ProxySuccesses = make(map[string]int)
		for _, out := range in.Outcomes {
			if out.Success {
				v.ProxySuccesses[out.Proxy]++
			}
		}
	}

	if in.Before != nil && in.After != nil {
		classifyByBalance(&v, in, th)
	} else {
		classifyByCount(&v, th)
	}
	return v
}

// countSeverity grades by raw successful-request count. Shared by the
// balance-path fallback and the snapshot-less path.
func countSeverity(successes int, th Thresholds) string {
	switch {
	case successes > th.HighCount:
		return SeverityHigh
	case successes > th.MediumCount:
		return SeverityMedium
	case successes > th.LowCount:
		return SeverityLow
	default:
		return SeverityNone
	}
}

// classifyByBalance grades the run against observed balance movement. The
// delta is signed: only movement beyond one expected transaction in the
// transaction's own direction confirms duplication.
func classifyByBalance(v *Verdict, in AnalysisInput, th Thresholds) {
	delta := in.After.Balance - in.Before.Balance
	bal := &BalanceVerification{
		Before:   in.Before.Balance,
		After:    in.After.Balance,
		Delta:    delta,
		Expected: in.Amount,
	}
	if in.Amount != 0 {
		bal.Multiplier = delta / in.Amount
	}
	v.Balance = bal

	if delta > in.Amount+th.Epsilon {
		bal.Unexpected = true
		bal.ExploitedCount = int(math.Round(bal.Multiplier))
		bal.FinancialImpact = delta - in.Amount

		v.RaceDetected = true
		v.Confidence = ConfidenceConfirmed
		switch {
		case bal.Multiplier >= th.CriticalMultiplier:
			v.Severity = SeverityCritical
		case bal.Multiplier >= th.HighMultiplier:
			v.Severity = SeverityHigh
		default:
			v.Severity = countSeverity(v.SuccessfulRequests, th)
		}
		v.Details = fmt.Sprintf(
			"balance moved %.2f against an expected %.2f (%.2fx): approximately %d transactions committed, excess impact %.2f",
			delta, in.Amount, bal.Multiplier, bal.ExploitedCount, bal.FinancialImpact)
		return
	}

	// More than one accepted answer without ledger confirmation is still a
	// probable race: duplicates may have landed in an account this run
	// cannot see, or been absorbed asynchronously.
	if v.SuccessfulRequests > 1 {
		v.RaceDetected = true
		v.Severity = countSeverity(v.SuccessfulRequests, th)
		v.Confidence = ConfidenceProbable
		v.Details = fmt.Sprintf(
			"%d requests accepted but balance moved only %.2f: duplication probable yet not ledger-confirmed",
			v.SuccessfulRequests, delta)
		return
	}

	v.RaceDetected = false
	v.Severity = SeverityNone
	v.Confidence = ConfidenceConfirmed
	v.Details = fmt.Sprintf("balance moved %.2f, matching a single transaction", delta)
}

// classifyByCount grades on success counts alone when no snapshots exist.
// Confidence never rises above UNCONFIRMED here: duplicate transaction ids
// and identical bodies surface in the statistics but cannot substitute for
// ledger evidence.
func classifyByCount(v *Verdict, th Thresholds) {
	severity := countSeverity(v.SuccessfulRequests, th)
	if severity == SeverityNone {
		v.Severity = SeverityNone
		v.Confidence = ConfidenceLow
		v.Details = fmt.Sprintf("%d of %d requests accepted: inconclusive without balance verification", v.SuccessfulRequests, v.TotalRequests)
		return
	}

	v.RaceDetected = true
	v.Severity = severity
	v.Confidence = ConfidenceUnconfirmed
	v.Details = fmt.Sprintf(
		"%d of %d requests accepted; configure a balance endpoint to confirm whether they committed",
		v.SuccessfulRequests, v.TotalRequests)
}

func latencyStats(outcomes []RequestOutcome) (min, avg, max time.Duration) {
	var total time.Duration
	var n int
	for _, out := range outcomes {
		if out.Elapsed <= 0 {
			continue
		}
		if n == 0 || out.Elapsed < min {
			min = out.Elapsed
		}
		if out.Elapsed > max {
			max = out.Elapsed
		}
		total += out.Elapsed
		n++
	}
	if n > 0 {
		avg = total / time.Duration(n)
	}
	return min, avg, max
}

func attemptStats(outcomes []RequestOutcome) []AttemptStats {
	byAttempt := make(map[int]*AttemptStats)
	latency := make(map[int]time.Duration)
	counted := make(map[int]int)

	for _, out := range outcomes {
		s, ok := byAttempt[out.Attempt]
		if !ok {
			s = &AttemptStats{Attempt: out.Attempt}
			byAttempt[out.Attempt] = s
		}
		if out.Success {
			s.Successful++
		}
		if out.Elapsed > 0 {
			latency[out.Attempt] += out.Elapsed
			counted[out.Attempt]++
		}
	}

	attempts := make([]AttemptStats, 0, len(byAttempt))
	for a, s := range byAttempt {
		if counted[a] > 0 {
			s.AvgLatency = latency[a] / time.Duration(counted[a])
		}
		attempts = append(attempts, *s)
	}
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].Attempt < attempts[j].Attempt })
	return attempts
}

func transactionStats(outcomes []RequestOutcome) (unique, duplicates int) {
	seen := make(map[string]bool)
	for _, out := range outcomes {
		if !out.Success || out.TransactionID == "" {
			continue
		}
		if seen[out.TransactionID] {
			duplicates++
			continue
		}
		seen[out.TransactionID] = true
	}
	return len(seen), duplicates
}

func duplicateBodies(outcomes []RequestOutcome) int {
	seen := make(map[uint64]bool)
	var duplicates int
	for _, out := range outcomes {
		if !out.Success || out.BodyHash == 0 {
			continue
		}
		if seen[out.BodyHash] {
			duplicates++
			continue
		}
		seen[out.BodyHash] = true
	}
	return duplicates
}
