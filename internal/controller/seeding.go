package controller

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/identity-harvester/internal/harvest"
	"github.com/JakeFAU/identity-harvester/internal/identity"
	"github.com/JakeFAU/identity-harvester/internal/retry"
)

// nextItem dequeues from the frontier, falling back to the seed provider
// when it is empty. ok is false once the frontier is empty and seeding is
// exhausted for this cycle.
func (c *Controller) nextItem(ctx context.Context, conn harvest.Conn, logger *zap.Logger) (harvest.Item, bool, error) {
	if item, ok := c.frontier.Dequeue(); ok {
		return item, true, nil
	}
	if c.deps.Seeds == nil {
		return "", false, nil
	}

	c.seedMu.Lock()
	defer c.seedMu.Unlock()

	// Another worker may have seeded while we waited for the lock.
	if item, ok := c.frontier.Dequeue(); ok {
		return item, true, nil
	}
	if c.seedExhausted {
		return "", false, nil
	}

	known := func(item harvest.Item) bool {
		return c.frontier.Seen(item) || c.deps.Store.Has(item)
	}
	for c.cursor.Topic < c.cfg.MaxTopicAttempts {
		for c.cursor.Page < c.cfg.MaxPagesPerTopic {
			item, err := c.seed(ctx, conn, known)
			switch {
			case err == nil && c.frontier.Enqueue(item, false):
				logger.Info("seeded from search",
					zap.String("item", item.String()),
					zap.Int("topic", c.cursor.Topic),
					zap.Int("page", c.cursor.Page),
				)
				if next, ok := c.frontier.Dequeue(); ok {
					return next, true, nil
				}
			case err == nil, errors.Is(err, harvest.ErrNoSeed):
				c.cursor.Page++
			case errors.Is(err, harvest.ErrTopicExhausted):
				c.cursor.Page = c.cfg.MaxPagesPerTopic
			case retry.Classify(err) == harvest.CategoryStructural:
				logger.Debug("seed page unusable", zap.Error(err))
				c.cursor.Page++
			default:
				return "", false, err
			}
		}
		c.cursor.Topic++
		c.cursor.Page = 0
	}

	c.seedExhausted = true
	logger.Info("seeding exhausted", zap.Int("topics_tried", c.cursor.Topic))
	return "", false, nil
}

func (c *Controller) seed(ctx context.Context, conn harvest.Conn, known harvest.Known) (harvest.Item, error) {
	sctx, cancel := c.callContext(ctx)
	defer cancel()
	item, err := c.deps.Seeds.NextSeed(sctx, conn, &c.cursor, known)
	if err == nil && !item.Valid() {
		return "", harvest.ErrNoSeed
	}
	return item, err
}

// seedFailure applies the retry policy to a seeding error. It returns the
// session to continue with and a stop error when the cycle must end.
func (c *Controller) seedFailure(ctx context.Context, sess *identity.Session, attempts *retry.Attempts, err error, logger *zap.Logger) (*identity.Session, error) {
	if ctx.Err() != nil {
		return sess, &stopError{reason: ReasonInterrupted}
	}
	out := c.deps.Policy.Evaluate(attempts, err)
	c.countFailure(out.Category)
	logger.Warn("seeding failed",
		zap.String("category", string(out.Category)),
		zap.String("action", out.Action.String()),
		zap.Int("attempt", out.Attempts),
		zap.Error(err),
	)

	switch out.Action {
	case retry.ActionRetry:
		if err := c.deps.Clock.Sleep(ctx, out.Pause); err != nil {
			return sess, &stopError{reason: ReasonInterrupted}
		}
		return sess, nil
	case retry.ActionRotate:
		*attempts = retry.Attempts{}
		return nil, c.invalidate(sess, failureReason(err))
	case retry.ActionDegrade:
		return sess, &stopError{reason: ReasonDegraded}
	case retry.ActionStop:
		return sess, &stopError{reason: ReasonInterrupted}
	default:
		return sess, &stopError{reason: ReasonFatal, err: err}
	}
}
