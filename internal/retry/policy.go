package retry

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/JakeFAU/identity-harvester/internal/harvest"
)

// Action is what the controller does after a failed attempt.
type Action int

// Actions.
const (
	// ActionRetry repeats the item on the same session.
	ActionRetry Action = iota + 1
	// ActionRotate retires the session as invalid, re-enqueues the item at
	// the front, and acquires a new identity.
	ActionRotate
	// ActionSkip marks the item seen and records it as unresolved.
	ActionSkip
	// ActionDegrade stops the run gracefully: flush, then exit.
	ActionDegrade
	// ActionAbort stops the run with an error after flushing.
	ActionAbort
	// ActionStop drains because the run is being canceled.
	ActionStop
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionRotate:
		return "rotate"
	case ActionSkip:
		return "skip"
	case ActionDegrade:
		return "degrade"
	case ActionAbort:
		return "abort"
	case ActionStop:
		return "stop"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Config bounds retries per category.
type Config struct {
	MaxTransient   int
	MaxStructural  int
	TransientPause time.Duration
}

// Policy decides the action for a classified failure.
type Policy struct {
	cfg    Config
	jitter func(limit time.Duration) time.Duration
}

// NewPolicy returns a policy. Non-positive limits allow a single attempt.
func NewPolicy(cfg Config) *Policy {
	if cfg.MaxTransient < 1 {
		cfg.MaxTransient = 1
	}
	if cfg.MaxStructural < 1 {
		cfg.MaxStructural = 1
	}
	return &Policy{cfg: cfg, jitter: randomJitter}
}

// Decide maps a category and the number of consecutive failures of that
// category for the item (including this one) to an action.
func (p *Policy) Decide(category harvest.Category, attempts int) Action {
	switch category {
	case harvest.CategorySessionInvalid, harvest.CategoryAuthentication:
		return ActionRotate
	case harvest.CategoryTransient:
		if attempts < p.cfg.MaxTransient {
			return ActionRetry
		}
		return ActionDegrade
	case harvest.CategoryStructural:
		if attempts < p.cfg.MaxStructural {
			return ActionRetry
		}
		return ActionSkip
	case harvest.CategoryCanceled:
		return ActionStop
	default:
		return ActionAbort
	}
}

// Pause is how long to wait before retrying the nth transient failure of an
// item. Only the first one pauses.
func (p *Policy) Pause(category harvest.Category, attempts int) time.Duration {
	if category != harvest.CategoryTransient || attempts != 1 || p.cfg.TransientPause <= 0 {
		return 0
	}
	half := p.cfg.TransientPause / 2
	return half + p.jitter(p.cfg.TransientPause-half)
}

// Evaluate classifies err, counts it on the item's attempt tracker, and
// returns the tagged outcome. Once the item has failed MaxTransient +
// MaxStructural times in total, a retry becomes terminal even when no single
// category streak reached its limit.
func (p *Policy) Evaluate(attempts *Attempts, err error) Outcome {
	category := Classify(err)
	n := attempts.Observe(category)
	action := p.Decide(category, n)
	if action == ActionRetry && attempts.Total() >= p.TotalLimit() {
		action = ActionSkip
		if category == harvest.CategoryTransient {
			action = ActionDegrade
		}
	}
	out := Outcome{Err: err, Category: category, Action: action, Attempts: attempts.Total()}
	if action == ActionRetry && category == harvest.CategoryTransient && attempts.transient == 1 {
		out.Pause = p.Pause(category, 1)
	}
	return out
}

// TotalLimit is the number of failures of any retryable category after which
// an item stops being retried.
func (p *Policy) TotalLimit() int {
	return p.cfg.MaxTransient + p.cfg.MaxStructural
}

// Attempts tracks the failures of one item: the streak of the current
// category and the total across categories. The zero value is ready to use.
type Attempts struct {
	last      harvest.Category
	streak    int
	total     int
	transient int
}

// Observe records a failure and returns the consecutive count for its category.
func (a *Attempts) Observe(category harvest.Category) int {
	if category == a.last {
		a.streak++
	} else {
		a.last = category
		a.streak = 1
	}
	a.total++
	if category == harvest.CategoryTransient {
		a.transient++
	}
	return a.streak
}

// Streak returns the consecutive count of the last observed category.
func (a *Attempts) Streak() int {
	return a.streak
}

// Total returns the number of failures observed for the item.
func (a *Attempts) Total() int {
	return a.total
}

// Outcome is the tagged result of processing one item: either a record or a
// classified failure and the action chosen for it.
type Outcome struct {
	Record   *harvest.Record
	Err      error
	Category harvest.Category
	Action   Action
	Attempts int
	Pause    time.Duration
}

// Success wraps a stored record.
func Success(rec harvest.Record) Outcome {
	return Outcome{Record: &rec}
}

// OK reports whether the outcome carries a record.
func (o Outcome) OK() bool {
	return o.Record != nil && o.Err == nil
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
