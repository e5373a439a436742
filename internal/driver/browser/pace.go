package browser

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer sleeps a random duration in [min, max] between browser actions.
type Pacer struct {
	min, max time.Duration
	mu       sync.Mutex
	rng      *rand.Rand
}

// NewPacer returns a Pacer. A nil rng seeds one from the runtime.
func NewPacer(lo, hi time.Duration, rng *rand.Rand) *Pacer {
	lo = max(lo, 0)
	hi = max(hi, lo)
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Pacer{min: lo, max: hi, rng: rng}
}

// Next draws the next delay.
func (p *Pacer) Next() time.Duration {
	if p.max == p.min {
		return p.min
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.min + time.Duration(p.rng.Int64N(int64(p.max-p.min)+1))
}

// Max is the longest delay Next can return.
func (p *Pacer) Max() time.Duration {
	return p.max
}

// Pause sleeps for Next() or until ctx is done.
func (p *Pacer) Pause(ctx context.Context) error {
	d := p.Next()
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// throttle waits for the per-host navigation budget.
func (d *Driver) throttle(ctx context.Context, link string) error {
	if d.cfg.MaxQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(link)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := d.limiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(d.cfg.MaxQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait navigation budget: %w", err)
	}
	return nil
}
