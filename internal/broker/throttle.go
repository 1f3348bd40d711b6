package broker

import (
	"context"

	"orderpilot/internal/domain"
	"orderpilot/internal/util"
)

// Compile-time interface check.
var _ Gateway = (*Throttled)(nil)

// Throttled wraps a Gateway with a shared token bucket and a cap on in-flight
// requests, so concurrent executions stay inside the broker's rate limits.
type Throttled struct {
	next    Gateway
	limiter *util.RateLimiter
	slots   chan struct{}
}

// Throttle wraps next. perMinute <= 0 disables rate limiting and
// maxConcurrent <= 0 disables the concurrency cap.
func Throttle(next Gateway, perMinute, maxConcurrent int) *Throttled {
	t := &Throttled{
		next:    next,
		limiter: util.NewRateLimiter(perMinute, max(maxConcurrent, 1)),
	}
	if maxConcurrent > 0 {
		t.slots = make(chan struct{}, maxConcurrent)
	}
	return t
}

func (t *Throttled) acquire(ctx context.Context) (func(), error) {
	if t.slots != nil {
		select {
		case t.slots <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	release := func() {
		if t.slots != nil {
			<-t.slots
		}
	}
	if err := t.limiter.Wait(ctx); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

// Name returns the wrapped gateway's name.
func (t *Throttled) Name() string { return t.next.Name() }

func (t *Throttled) PlaceOrder(ctx context.Context, accountID string, req domain.OrderRequest) (string, error) {
	release, err := t.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()
	return t.next.PlaceOrder(ctx, accountID, req)
}

func (t *Throttled) ReplaceOrder(ctx context.Context, accountID, orderID string, req domain.OrderRequest) (string, error) {
	release, err := t.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()
	return t.next.ReplaceOrder(ctx, accountID, orderID, req)
}

func (t *Throttled) GetOrder(ctx context.Context, accountID, orderID string) (domain.OrderReport, error) {
	release, err := t.acquire(ctx)
	if err != nil {
		return domain.OrderReport{}, err
	}
	defer release()
	return t.next.GetOrder(ctx, accountID, orderID)
}

func (t *Throttled) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	release, err := t.acquire(ctx)
	if err != nil {
		return domain.Quote{}, err
	}
	defer release()
	return t.next.GetQuote(ctx, symbol)
}

func (t *Throttled) GetPriceHistory(ctx context.Context, symbol string, req HistoryRequest) ([]domain.Bar, error) {
	release, err := t.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return t.next.GetPriceHistory(ctx, symbol, req)
}

func (t *Throttled) GetAccountSnapshot(ctx context.Context, accountID string) (domain.AccountSnapshot, error) {
	release, err := t.acquire(ctx)
	if err != nil {
		return domain.AccountSnapshot{}, err
	}
	defer release()
	return t.next.GetAccountSnapshot(ctx, accountID)
}
