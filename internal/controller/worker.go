package controller

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/identity-harvester/internal/harvest"
	"github.com/JakeFAU/identity-harvester/internal/identity"
	"github.com/JakeFAU/identity-harvester/internal/metrics"
	"github.com/JakeFAU/identity-harvester/internal/results"
	"github.com/JakeFAU/identity-harvester/internal/retry"
)

// worker owns at most one session at a time. It returns nil when the cycle
// ends normally for it and a *stopError when the whole cycle must stop.
func (c *Controller) worker(ctx context.Context, logger *zap.Logger) error {
	var sess *identity.Session
	defer func() {
		c.releaseSession(sess, identity.CauseRunEnd, logger)
	}()

	var seedAttempts retry.Attempts
	for {
		if ctx.Err() != nil {
			return &stopError{reason: ReasonInterrupted}
		}
		if c.budgetReached() {
			c.setFlag(func(f *cycleFlags) { f.budget = true })
			return nil
		}

		if sess == nil || sess.CapReached() {
			if sess != nil {
				c.releaseSession(sess, identity.CauseCapReached, logger)
				sess = nil
			}
			next, err := c.acquire(ctx, logger)
			if err != nil {
				return err
			}
			if next == nil {
				return nil
			}
			sess = next
		}

		if !c.reserve() {
			if c.budgetReached() {
				continue
			}
			if err := c.deps.Clock.Sleep(ctx, c.cfg.IdlePoll); err != nil {
				return &stopError{reason: ReasonInterrupted}
			}
			continue
		}

		item, ok, err := c.nextItem(ctx, sess.Conn(), logger)
		if err != nil {
			c.unreserve()
			var stop error
			sess, stop = c.seedFailure(ctx, sess, &seedAttempts, err, logger)
			if stop != nil {
				return stop
			}
			continue
		}
		seedAttempts = retry.Attempts{}
		if !ok {
			c.unreserve()
			if c.frontier.Len() == 0 && c.frontier.InFlight() == 0 {
				c.setFlag(func(f *cycleFlags) { f.exhausted = true })
				return nil
			}
			if err := c.deps.Clock.Sleep(ctx, c.cfg.IdlePoll); err != nil {
				return &stopError{reason: ReasonInterrupted}
			}
			continue
		}

		if c.deps.Store.Has(item) {
			c.frontier.MarkSeen(item)
			c.unreserve()
			metrics.ObserveItem("duplicate")
			continue
		}

		var stop error
		sess, stop = c.process(ctx, sess, item, logger)
		metrics.SetFrontierDepth(c.frontier.Len())
		if stop != nil {
			return stop
		}
	}
}

// acquire returns a fresh session, nil when the pool is exhausted, or a stop
// error.
func (c *Controller) acquire(ctx context.Context, logger *zap.Logger) (*identity.Session, error) {
	sess, err := c.deps.Manager.Acquire(ctx)
	switch {
	case err == nil:
		c.mu.Lock()
		c.state.Sessions++
		c.activeSessions++
		c.mu.Unlock()
		logger.Debug("session acquired",
			zap.String("session_id", sess.ID),
			zap.String("identity", sess.Identity.String()),
			zap.Int("item_cap", sess.Cap()),
		)
		return sess, nil
	case errors.Is(err, harvest.ErrNoIdentitiesAvailable):
		logger.Warn("identity pool exhausted")
		c.setFlag(func(f *cycleFlags) { f.noIdentities = true })
		return nil, nil
	case ctx.Err() != nil:
		return nil, &stopError{reason: ReasonInterrupted}
	default:
		return nil, &stopError{reason: ReasonFatal, err: err}
	}
}

func (c *Controller) releaseSession(sess *identity.Session, cause identity.Cause, logger *zap.Logger) {
	if sess == nil || sess.State().Terminal() {
		return
	}
	if err := c.deps.Manager.Release(sess, cause); err != nil {
		logger.Error("session release failed", zap.Error(err))
	}
	c.mu.Lock()
	c.activeSessions--
	c.mu.Unlock()
}

// invalidate retires sess after a block; a ledger write failure is fatal.
func (c *Controller) invalidate(sess *identity.Session, reason string) error {
	err := c.deps.Manager.Invalidate(sess, reason)
	c.mu.Lock()
	c.activeSessions--
	c.mu.Unlock()
	if err != nil {
		return &stopError{reason: ReasonFatal, err: err}
	}
	return nil
}

// process runs one item to a terminal outcome on sess. It returns the session
// to continue with (nil after a rotation) and a stop error when the cycle
// must end.
func (c *Controller) process(ctx context.Context, sess *identity.Session, item harvest.Item, logger *zap.Logger) (*identity.Session, error) {
	logger = logger.With(zap.String("item", item.String()))
	if err := sess.Begin(); err != nil {
		c.frontier.Enqueue(item, true)
		c.unreserve()
		return sess, nil
	}

	var attempts retry.Attempts
	for {
		ext, err := c.fetch(ctx, sess, item)
		if err == nil {
			c.store(item, ext, logger)
			return sess, c.maybeFlush(ctx)
		}

		if ctx.Err() != nil {
			c.frontier.Enqueue(item, true)
			c.unreserve()
			return sess, &stopError{reason: ReasonInterrupted}
		}

		out := c.deps.Policy.Evaluate(&attempts, err)
		c.countFailure(out.Category)
		logger.Warn("item attempt failed",
			zap.String("category", string(out.Category)),
			zap.String("action", out.Action.String()),
			zap.Int("attempt", out.Attempts),
			zap.Error(err),
		)

		switch out.Action {
		case retry.ActionRetry:
			if out.Pause > 0 {
				if err := c.deps.Clock.Sleep(ctx, out.Pause); err != nil {
					c.frontier.Enqueue(item, true)
					c.unreserve()
					return sess, &stopError{reason: ReasonInterrupted}
				}
			}
		case retry.ActionRotate:
			c.frontier.Enqueue(item, true)
			c.unreserve()
			return nil, c.invalidate(sess, failureReason(err))
		case retry.ActionSkip:
			c.frontier.MarkSeen(item)
			c.deps.Store.MarkUnresolved(item, failureReason(err), out.Attempts)
			c.unreserve()
			c.mu.Lock()
			c.state.Skipped++
			c.mu.Unlock()
			metrics.ObserveItem("skipped")
			logger.Warn("item skipped after exhausting retries", zap.Int("attempts", out.Attempts))
			return sess, nil
		case retry.ActionDegrade:
			c.frontier.Enqueue(item, true)
			c.unreserve()
			return sess, &stopError{reason: ReasonDegraded}
		case retry.ActionStop:
			c.frontier.Enqueue(item, true)
			c.unreserve()
			return sess, &stopError{reason: ReasonInterrupted}
		default:
			c.frontier.Enqueue(item, true)
			c.unreserve()
			return sess, &stopError{reason: ReasonFatal, err: err}
		}
	}
}

func (c *Controller) fetch(ctx context.Context, sess *identity.Session, item harvest.Item) (harvest.Extraction, error) {
	fctx, cancel := c.callContext(ctx)
	defer cancel()
	start := time.Now()
	ext, err := c.deps.Fetcher.Fetch(fctx, sess.Conn(), item)
	metrics.ObserveFetch(time.Since(start))
	return ext, err
}

func (c *Controller) store(item harvest.Item, ext harvest.Extraction, logger *zap.Logger) {
	rec := harvest.NewRecord(item, ext, c.cfg.ExpectedFields, c.runID, c.deps.Clock.Now())
	if err := c.deps.Store.Add(rec); err != nil {
		// Only a duplicate can get here; the item is done either way.
		logger.Warn("record not stored", zap.Error(err))
		c.frontier.MarkSeen(item)
		c.unreserve()
		if errors.Is(err, results.ErrDuplicate) {
			metrics.ObserveItem("duplicate")
		}
		return
	}
	// Children are queued before the item leaves flight.
	discovered := 0
	for _, child := range ext.Children {
		if child.Valid() && !c.deps.Store.Has(child) && c.frontier.Enqueue(child, false) {
			discovered++
		}
	}
	c.frontier.MarkSeen(item)

	c.mu.Lock()
	c.state.Completed++
	if c.reserved > 0 {
		c.reserved--
	}
	c.sinceFlush++
	if rec.Incomplete {
		c.incomplete++
	}
	completed := c.state.Completed
	c.mu.Unlock()

	outcome := "stored"
	if rec.Incomplete {
		outcome = "incomplete"
	}
	metrics.ObserveItem(outcome)
	logger.Info("record stored",
		zap.Int("completed", completed),
		zap.Int("discovered", discovered),
		zap.Strings("missing", rec.Missing),
	)
}

func (c *Controller) maybeFlush(ctx context.Context) error {
	c.mu.Lock()
	due := c.sinceFlush >= c.cfg.FlushEvery
	c.mu.Unlock()
	if !due {
		return nil
	}
	if err := c.flush(ctx); err != nil {
		return &stopError{reason: ReasonFatal, err: err}
	}
	return nil
}

func (c *Controller) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.FetchTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.FetchTimeout)
}

// reserve claims one unit of the item budget. Budget that was reserved but
// not completed is returned with unreserve.
func (c *Controller) reserve() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Completed+c.reserved >= c.cfg.MaxItems {
		return false
	}
	c.reserved++
	return true
}

// unreserve returns a claim that did not produce a record.
func (c *Controller) unreserve() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reserved > 0 {
		c.reserved--
	}
}

func (c *Controller) budgetReached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Completed >= c.cfg.MaxItems
}

func (c *Controller) setFlag(set func(*cycleFlags)) {
	c.mu.Lock()
	set(&c.cycleFlags)
	c.mu.Unlock()
}

func (c *Controller) countFailure(category harvest.Category) {
	metrics.ObserveFailure(string(category))
	c.mu.Lock()
	c.state.Failures[category]++
	c.mu.Unlock()
}

func failureReason(err error) string {
	var f *harvest.Failure
	if errors.As(err, &f) {
		if f.Reason != "" {
			return f.Reason
		}
		return string(f.Category)
	}
	return err.Error()
}
