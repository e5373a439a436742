// Package controller runs the harvest. It is the only orchestrator: it owns
// the frontier and the run state, drives sessions through the identity
// manager, classifies failures with the retry policy, and persists records
// through the result store.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/identity-harvester/internal/frontier"
	"github.com/JakeFAU/identity-harvester/internal/harvest"
	"github.com/JakeFAU/identity-harvester/internal/identity"
	"github.com/JakeFAU/identity-harvester/internal/quarantine"
	"github.com/JakeFAU/identity-harvester/internal/results"
	"github.com/JakeFAU/identity-harvester/internal/retry"
)

const (
	defaultFlushTimeout = 30 * time.Second
	defaultIdlePoll     = 250 * time.Millisecond
)

// Config bounds a run.
type Config struct {
	MaxItems         int
	Cycles           int
	Cooldown         time.Duration
	Workers          int
	FlushEvery       int
	MaxTopicAttempts int
	MaxPagesPerTopic int
	SeedItems        []harvest.Item
	// ExpectedFields are the record fields whose absence marks a record incomplete.
	ExpectedFields []string
	// FetchTimeout bounds every network-bound call.
	FetchTimeout time.Duration
	FlushTimeout time.Duration
	// IdlePoll is how long a worker waits for in-flight work of other workers.
	IdlePoll time.Duration
}

// Reporter persists a run summary.
type Reporter interface {
	Write(ctx context.Context, summary Summary) error
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Manager     *identity.Manager
	Ledger      *quarantine.Ledger
	Credentials []harvest.Credential
	Egress      []harvest.EgressPoint
	Store       *results.Store
	Fetcher     harvest.Fetcher
	// Seeds is optional; without it the run only follows discovered links.
	Seeds    harvest.SeedProvider
	Policy   *retry.Policy
	Clock    harvest.Clock
	IDs      harvest.IDGenerator
	Reporter Reporter
	Logger   *zap.Logger
}

// Controller runs harvest cycles.
type Controller struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	frontier *frontier.Frontier
	runID    string

	seedMu        sync.Mutex
	cursor        harvest.SeedCursor
	seedExhausted bool

	mu             sync.Mutex
	state          State
	reserved       int
	sinceFlush     int
	activeSessions int
	cycleFlags     cycleFlags
	incomplete     int
}

type cycleFlags struct {
	budget       bool
	exhausted    bool
	noIdentities bool
}

// New validates the configuration and returns a Controller.
func New(cfg Config, deps Deps) (*Controller, error) {
	switch {
	case deps.Manager == nil || deps.Ledger == nil || deps.Store == nil:
		return nil, errors.New("controller requires a session manager, ledger and result store")
	case deps.Fetcher == nil:
		return nil, errors.New("controller requires a fetcher")
	case deps.Policy == nil || deps.Clock == nil:
		return nil, errors.New("controller requires a retry policy and a clock")
	case cfg.MaxItems <= 0 || cfg.Cycles <= 0:
		return nil, fmt.Errorf("invalid run bounds: max_items=%d cycles=%d", cfg.MaxItems, cfg.Cycles)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 1
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = defaultIdlePoll
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Controller{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.Named("controller"),
		state:  State{Phase: PhaseIdle, Failures: map[harvest.Category]int{}},
	}, nil
}

// Run executes up to cfg.Cycles passes. It returns an error only when the run
// ended fatally or ran out of identities; the summary is always populated and
// the store is always flushed.
func (c *Controller) Run(ctx context.Context) (Summary, error) {
	runID, err := c.newRunID()
	if err != nil {
		return Summary{Reason: ReasonFatal, Err: err}, err
	}
	c.runID = runID
	c.logger = c.logger.With(zap.String("run_id", runID))
	startedAt := c.deps.Clock.Now()
	bannedBefore := c.bannedCounts()

	c.frontier = frontier.New(c.deps.Store.Keys())
	c.mu.Lock()
	c.state.RunID = runID
	c.state.StartedAt = startedAt
	c.state.Phase = PhaseRunning
	c.state.Stored = c.deps.Store.Len()
	c.mu.Unlock()
	c.logger.Info("run starting",
		zap.Int("known_items", c.deps.Store.Len()),
		zap.Int("max_items", c.cfg.MaxItems),
		zap.Int("cycles", c.cfg.Cycles),
		zap.Int("workers", c.cfg.Workers),
	)

	var (
		reason Reason
		runErr error
		cycles int
	)
	for cycle := 1; cycle <= c.cfg.Cycles; cycle++ {
		cycles = cycle
		c.startCycle(cycle)
		reason, runErr = c.runCycle(ctx)
		c.logger.Info("cycle finished", zap.Int("cycle", cycle), zap.String("reason", string(reason)))

		if err := c.flush(ctx); err != nil && reason != ReasonFatal {
			reason, runErr = ReasonFatal, err
		}
		if reason != ReasonExhausted || cycle == c.cfg.Cycles {
			break
		}

		c.setPhase(PhaseCooldown)
		c.logger.Info("cooling down", zap.Duration("cooldown", c.cfg.Cooldown))
		if err := c.deps.Clock.Sleep(ctx, c.cfg.Cooldown); err != nil {
			reason = ReasonInterrupted
			break
		}
		c.setPhase(PhaseRunning)
	}

	return c.finish(ctx, runID, reason, runErr, cycles, startedAt, bannedBefore)
}

func (c *Controller) startCycle(cycle int) {
	c.deps.Ledger.Reload()
	pool := identity.NewPool(c.deps.Credentials, c.deps.Egress, c.deps.Ledger)
	c.deps.Manager.Reset(pool)

	c.seedMu.Lock()
	c.cursor = harvest.SeedCursor{}
	c.seedExhausted = false
	c.seedMu.Unlock()

	queued := 0
	for _, item := range c.cfg.SeedItems {
		if item.Valid() && !c.deps.Store.Has(item) && c.frontier.Enqueue(item, false) {
			queued++
		}
	}

	c.mu.Lock()
	c.state.Cycle = cycle
	c.cycleFlags = cycleFlags{}
	c.mu.Unlock()

	c.logger.Info("cycle starting",
		zap.Int("cycle", cycle),
		zap.Int("identities", pool.Size()),
		zap.Int("quarantined_filtered", pool.Filtered()),
		zap.Int("static_seeds", queued),
		zap.Int("frontier", c.frontier.Len()),
	)
}

func (c *Controller) runCycle(ctx context.Context) (Reason, error) {
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < c.cfg.Workers; w++ {
		logger := c.logger.With(zap.Int("worker", w))
		g.Go(func() error {
			return c.worker(gctx, logger)
		})
	}
	err := g.Wait()

	if se, ok := asStop(err); ok {
		if se.reason.Failed() {
			return se.reason, se.err
		}
		return se.reason, nil
	}
	if err != nil {
		return ReasonFatal, err
	}

	c.mu.Lock()
	flags := c.cycleFlags
	c.mu.Unlock()
	switch {
	case flags.budget:
		return ReasonBudget, nil
	case flags.exhausted:
		return ReasonExhausted, nil
	case flags.noIdentities:
		return ReasonNoIdentities, harvest.ErrNoIdentitiesAvailable
	case ctx.Err() != nil:
		return ReasonInterrupted, nil
	default:
		return ReasonExhausted, nil
	}
}

func (c *Controller) finish(ctx context.Context, runID string, reason Reason, runErr error, cycles int, startedAt time.Time, bannedBefore map[string]int) (Summary, error) {
	if err := c.flush(ctx); err != nil {
		c.logger.Error("final flush failed", zap.Error(err))
		if !reason.Failed() {
			reason = ReasonFatal
		}
		runErr = errors.Join(runErr, err)
	}
	c.setPhase(PhaseFinished)

	c.mu.Lock()
	failures := make(map[harvest.Category]int, len(c.state.Failures))
	for k, v := range c.state.Failures {
		failures[k] = v
	}
	summary := Summary{
		RunID:       runID,
		Reason:      reason,
		Err:         runErr,
		Cycles:      cycles,
		Completed:   c.state.Completed,
		Incomplete:  c.incomplete,
		Skipped:     c.state.Skipped,
		Stored:      c.deps.Store.Len(),
		Sessions:    c.state.Sessions,
		Quarantined: map[string]int{},
		Failures:    failures,
		Unresolved:  c.deps.Store.Unresolved(),
		StartedAt:   startedAt,
		FinishedAt:  c.deps.Clock.Now(),
	}
	c.mu.Unlock()
	for kind, n := range c.bannedCounts() {
		summary.Quarantined[kind] = n - bannedBefore[kind]
	}

	if c.deps.Reporter != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FlushTimeout)
		if err := c.deps.Reporter.Write(rctx, summary); err != nil {
			c.logger.Warn("run report not written", zap.Error(err))
		}
		cancel()
	}

	fields := []zap.Field{
		zap.String("reason", string(reason)),
		zap.Int("cycles", summary.Cycles),
		zap.Int("completed", summary.Completed),
		zap.Int("incomplete", summary.Incomplete),
		zap.Int("skipped", summary.Skipped),
		zap.Int("stored", summary.Stored),
		zap.Int("sessions", summary.Sessions),
		zap.Duration("duration", summary.Duration()),
	}
	if runErr != nil {
		c.logger.Error("run aborted", append(fields, zap.Error(runErr))...)
		return summary, runErr
	}
	c.logger.Info("run finished", fields...)
	return summary, nil
}

// Snapshot returns the current run state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	st := c.state
	st.Failures = make(map[harvest.Category]int, len(c.state.Failures))
	for k, v := range c.state.Failures {
		st.Failures[k] = v
	}
	st.ActiveSessions = c.activeSessions
	c.mu.Unlock()

	if f := c.frontier; f != nil {
		st.FrontierDepth = f.Len()
		st.InFlight = f.InFlight()
	}
	c.seedMu.Lock()
	st.Cursor = c.cursor
	st.SeedExhausted = c.seedExhausted
	c.seedMu.Unlock()
	return st
}

func (c *Controller) flush(ctx context.Context) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FlushTimeout)
	defer cancel()
	if err := c.deps.Store.Flush(fctx); err != nil {
		return harvest.Fatal("flush results", err)
	}
	c.mu.Lock()
	c.sinceFlush = 0
	c.state.Stored = c.deps.Store.Len()
	c.mu.Unlock()
	return nil
}

func (c *Controller) setPhase(phase string) {
	c.mu.Lock()
	c.state.Phase = phase
	c.mu.Unlock()
}

func (c *Controller) bannedCounts() map[string]int {
	return map[string]int{
		string(quarantine.KindCredential): len(c.deps.Ledger.Entries(quarantine.KindCredential)),
		string(quarantine.KindEgress):     len(c.deps.Ledger.Entries(quarantine.KindEgress)),
	}
}

func (c *Controller) newRunID() (string, error) {
	if c.deps.IDs == nil {
		return fmt.Sprintf("run-%d", c.deps.Clock.Now().Unix()), nil
	}
	id, err := c.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return id, nil
}
