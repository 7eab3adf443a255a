package race

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/collidesec/collide/internal/httpclient"
	"github.com/collidesec/collide/internal/ratelimit"
)

var balanceKeys = []string{"balance", "amount", "available_balance", "current_balance"}

// BalanceService captures the target resource's balance around the race
// window. Snapshot failures are reported, not fatal: a run without snapshots
// still produces a verdict, just a weaker one.
type BalanceService struct {
	client    *http.Client
	limiter   *ratelimit.Limiter
	url       string
	authToken string
}

func NewBalanceService(client *http.Client, limiter *ratelimit.Limiter, url, authToken string) *BalanceService {
	return &BalanceService{client: client, limiter: limiter, url: url, authToken: authToken}
}

// Snapshot queries the balance endpoint and extracts the numeric balance.
func (b *BalanceService) Snapshot(ctx context.Context) (*ResourceSnapshot, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("balance snapshot throttled: %w", err)
		}
	}

	req, err := http.NewRequest(http.MethodGet, b.url, nil)
	if err != nil {
		return nil, fmt.Errorf("balance request: %w", err)
	}
	if b.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+b.authToken)
	}

	resp, err := httpclient.DoWithContext(ctx, b.client, req)
	if err != nil {
		return nil, fmt.Errorf("balance request: %w", err)
	}
	defer httpclient.CloseBody(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("balance endpoint returned %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("balance body: %w", err)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("balance body is not JSON: %w", err)
	}

	value, ok := FindNumber(doc, balanceKeys)
	if !ok {
		return nil, fmt.Errorf("no balance field found in response")
	}

	return &ResourceSnapshot{
		Balance:   value,
		Timestamp: time.Now(),
		Raw:       doc,
	}, nil
}
