package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"

	"github.com/collidesec/collide/internal/config"
	"github.com/collidesec/collide/pkg/race"
)

func printBanner(rc *config.RaceConfig) {
	color.Cyan("collide - race condition assessment\n")
	color.White("  target:       %s\n", rc.TargetURL)
	if rc.BalanceURL != "" {
		color.White("  balance:      %s\n", rc.BalanceURL)
	}
	color.White("  concurrency:  %d\n", rc.Concurrency)
	color.White("  attempts:     %d\n", rc.Attempts)
	color.White("  amount:       %.2f\n\n", rc.Amount)
}

func severityColor(severity string) *color.Color {
	switch severity {
	case race.SeverityCritical:
		return color.New(color.FgRed, color.Bold)
	case race.SeverityHigh:
		return color.New(color.FgRed)
	case race.SeverityMedium:
		return color.New(color.FgYellow)
	case race.SeverityLow:
		return color.New(color.FgBlue)
	default:
		return color.New(color.FgGreen)
	}
}

func displayReport(report *race.RunReport) {
	v := report.Verdict

	fmt.Println()
	if v.RaceDetected {
		severityColor(v.Severity).Printf("RACE CONDITION DETECTED  [%s / %s]\n", v.Severity, v.Confidence)
	} else {
		color.Green("No race condition detected  [%s]\n", v.Confidence)
	}
	if v.Details != "" {
		color.White("%s\n", v.Details)
	}

	fmt.Println()
	color.Cyan("Requests\n")
	color.White("  total:        %d\n", v.TotalRequests)
	color.White("  accepted:     %d (%.1f%%)\n", v.SuccessfulRequests, v.SuccessRate)
	color.White("  latency:      min %v / avg %v / max %v\n", v.MinResponseTime, v.AvgResponseTime, v.MaxResponseTime)
	if v.RateLimited {
		color.Yellow("  rate limiting observed (429); results may undercount\n")
	}

	statuses := make([]int, 0, len(v.StatusCodes))
	for code := range v.StatusCodes {
		statuses = append(statuses, code)
	}
	sort.Ints(statuses)
	for _, code := range statuses {
		label := fmt.Sprintf("%d", code)
		if code == 0 {
			label = "transport error"
		}
		color.White("  %-16s %d\n", label, v.StatusCodes[code])
	}

	if len(v.Attempts) > 1 {
		fmt.Println()
		color.Cyan("Attempts\n")
		for _, a := range v.Attempts {
			color.White("  #%d: %d accepted, avg latency %v\n", a.Attempt, a.Successful, a.AvgLatency)
		}
	}

	if v.UniqueTransactionIDs > 0 || v.DuplicateTransactions > 0 {
		fmt.Println()
		color.Cyan("Transactions\n")
		color.White("  unique ids:   %d\n", v.UniqueTransactionIDs)
		if v.DuplicateTransactions > 0 {
			color.Yellow("  duplicates:   %d\n", v.DuplicateTransactions)
		}
		if v.DuplicateResponses > 0 {
			color.Yellow("  identical responses: %d\n", v.DuplicateResponses)
		}
	}

	if v.Balance != nil {
		fmt.Println()
		color.Cyan("Balance verification\n")
		color.White("  before:       %.2f\n", v.Balance.Before)
		color.White("  after:        %.2f\n", v.Balance.After)
		color.White("  delta:        %.2f (expected %.2f)\n", v.Balance.Delta, v.Balance.Expected)
		if v.Balance.Unexpected {
			color.Red("  committed:    ~%d transactions, excess impact %.2f\n",
				v.Balance.ExploitedCount, v.Balance.FinancialImpact)
		}
	}

	if len(v.ProxySuccesses) > 0 {
		fmt.Println()
		color.Cyan("Proxy breakdown\n")
		proxies := make([]string, 0, len(v.ProxySuccesses))
		for p := range v.ProxySuccesses {
			proxies = append(proxies, p)
		}
		sort.Strings(proxies)
		for _, p := range proxies {
			color.White("  %-40s %d accepted\n", p, v.ProxySuccesses[p])
		}
	}

	fmt.Println()
	color.White("run %s finished in %v\n", report.RunID, report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
}
