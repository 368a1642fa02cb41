package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy describes a bounded exponential backoff
type Policy struct {
	Attempts  int           // Total attempts, including the first
	BaseDelay time.Duration // Delay after the first failure
	MaxDelay  time.Duration // Upper bound for any single delay; 0 means uncapped
}

// Delay returns the wait before retry number attempt (0-based): base * 2^attempt, capped
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := p.BaseDelay << uint(attempt)
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	return d
}

// Do runs fn until it succeeds, the attempts are used up or ctx is done.
// The attempt number passed to fn starts at 0. The last error is returned
// wrapped with the attempt count.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx, i); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if werr := Sleep(ctx, p.Delay(i)); werr != nil {
			return fmt.Errorf("retry interrupted after %d attempts: %w", i+1, err)
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, err)
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
