package identity

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/identity-harvester/internal/harvest"
	"github.com/JakeFAU/identity-harvester/internal/metrics"
	"github.com/JakeFAU/identity-harvester/internal/quarantine"
	"github.com/JakeFAU/identity-harvester/internal/retry"
)

// Ledger is the quarantine store the manager writes to.
type Ledger interface {
	Banlist
	Ban(kind quarantine.Kind, asset, reason string) error
}

// Config bounds session behavior.
type Config struct {
	CapMin        int
	CapMax        int
	LoginAttempts int
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Auth   harvest.Authenticator
	Ledger Ledger
	Tokens *TokenCache
	IDs    harvest.IDGenerator
	Clock  harvest.Clock
	Logger *zap.Logger
}

// Manager acquires and releases sessions over the current identity pool.
type Manager struct {
	cfg  Config
	deps Deps

	mu   sync.Mutex
	pool *Pool
	rng  *rand.Rand
}

// NewManager validates cfg and returns a manager with an empty pool.
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if cfg.CapMin < 1 || cfg.CapMax < cfg.CapMin {
		return nil, fmt.Errorf("session cap range [%d,%d] is invalid", cfg.CapMin, cfg.CapMax)
	}
	if deps.Auth == nil || deps.Ledger == nil {
		return nil, errors.New("identity manager requires an authenticator and a ledger")
	}
	if cfg.LoginAttempts < 1 {
		cfg.LoginAttempts = 1
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Manager{
		cfg:  cfg,
		deps: deps,
		pool: NewPool(nil, nil, deps.Ledger),
		rng:  rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())), //nolint:gosec // caps are not security sensitive
	}, nil
}

// Reset installs the pool for a new cycle.
func (m *Manager) Reset(pool *Pool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pool = pool
}

// Pool returns the current pool.
func (m *Manager) Pool() *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool
}

// Acquire returns an active session for the next usable identity. It returns
// harvest.ErrNoIdentitiesAvailable once the pool is exhausted.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	pool := m.Pool()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		identity, ok := pool.Next()
		if !ok {
			return nil, harvest.ErrNoIdentitiesAvailable
		}
		sess, err := m.authenticate(ctx, identity)
		if err == nil {
			return sess, nil
		}
		switch retry.Classify(err) {
		case harvest.CategoryCanceled, harvest.CategoryFatal:
			return nil, err
		}
		m.deps.Logger.Warn("identity unavailable, trying next",
			zap.String("identity", identity.String()),
			zap.Error(err),
		)
	}
}

func (m *Manager) authenticate(ctx context.Context, identity harvest.Identity) (*Session, error) {
	logger := m.deps.Logger.With(zap.String("identity", identity.String()))

	sessionID, err := m.newID()
	if err != nil {
		return nil, harvest.Fatal("generate session id", err)
	}
	sess := newSession(sessionID, identity, m.drawCap(), m.now())
	if err := sess.transition(StateAuthenticating); err != nil {
		return nil, harvest.Fatal("start session", err)
	}

	token, cached, err := m.deps.Tokens.Load(identity)
	if err != nil {
		logger.Warn("token cache unreadable", zap.Error(err))
	}
	if cached {
		conn, err := m.deps.Auth.Resume(ctx, identity, token)
		if err == nil {
			return m.activate(sess, conn, logger, "token")
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			sess.retire(CauseRunEnd, "canceled")
			return nil, ctxErr
		}
		logger.Info("cached token rejected", zap.Error(err))
		if err := m.deps.Tokens.Invalidate(identity); err != nil {
			logger.Warn("could not delete cached token", zap.Error(err))
		}
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.LoginAttempts; attempt++ {
		conn, token, err := m.deps.Auth.Login(ctx, identity)
		if err == nil {
			if err := m.deps.Tokens.Save(identity, token); err != nil {
				logger.Warn("could not cache token", zap.Error(err))
			}
			return m.activate(sess, conn, logger, "login")
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			sess.retire(CauseRunEnd, "canceled")
			return nil, ctxErr
		}
		lastErr = err
		if retry.Classify(err) != harvest.CategoryTransient {
			break
		}
		logger.Warn("login attempt failed transiently",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.cfg.LoginAttempts),
			zap.Error(err),
		)
	}

	if retry.Classify(lastErr) == harvest.CategoryTransient {
		sess.retire(CausePoolExhausted, "login unreachable")
		return nil, fmt.Errorf("skip %s this cycle: %w", identity.Credential.Identifier, lastErr)
	}
	if isExplicitFatal(lastErr) {
		sess.retire(CauseRunEnd, "fatal")
		return nil, lastErr
	}

	sess.retire(CauseInvalidated, "authentication failed")
	if err := m.deps.Ledger.Ban(quarantine.KindCredential, identity.Credential.Identifier, reasonOf(lastErr)); err != nil {
		return nil, harvest.Fatal("quarantine credential", err)
	}
	metrics.ObserveQuarantine(string(quarantine.KindCredential))
	logger.Warn("credential quarantined", zap.Error(lastErr))
	return nil, harvest.AuthFailed(identity.Credential.Identifier, lastErr)
}

func (m *Manager) activate(sess *Session, conn harvest.Conn, logger *zap.Logger, via string) (*Session, error) {
	if err := sess.activate(conn); err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		return nil, harvest.Fatal("activate session", err)
	}
	metrics.ObserveSessionStarted()
	logger.Info("session active",
		zap.String("session_id", sess.ID),
		zap.String("via", via),
		zap.Int("item_cap", sess.Cap()),
	)
	return sess, nil
}

// Release retires the session. With CauseInvalidated the session's egress
// point is quarantined. Releasing an already retired session does nothing.
func (m *Manager) Release(sess *Session, cause Cause) error {
	return m.release(sess, cause, string(cause))
}

// Invalidate releases the session as invalid, recording reason in the ledger.
func (m *Manager) Invalidate(sess *Session, reason string) error {
	return m.release(sess, CauseInvalidated, reason)
}

func (m *Manager) release(sess *Session, cause Cause, reason string) error {
	if sess == nil {
		return nil
	}
	conn, ok := sess.retire(cause, reason)
	if !ok {
		return nil
	}
	metrics.ObserveSessionReleased(string(cause))

	logger := m.deps.Logger.With(
		zap.String("identity", sess.Identity.String()),
		zap.String("session_id", sess.ID),
		zap.String("cause", string(cause)),
		zap.Int("processed", sess.Processed()),
	)
	if conn != nil {
		if err := conn.Close(); err != nil {
			logger.Warn("closing connection", zap.Error(err))
		}
	}

	if cause != CauseInvalidated {
		logger.Info("session released")
		return nil
	}
	if err := m.deps.Tokens.Invalidate(sess.Identity); err != nil {
		logger.Warn("could not delete cached token", zap.Error(err))
	}
	egress := sess.Identity.Egress
	if egress.Direct() {
		logger.Warn("session invalidated on direct connection, nothing to quarantine", zap.String("reason", reason))
		return nil
	}
	if err := m.deps.Ledger.Ban(quarantine.KindEgress, egress.Raw, reason); err != nil {
		logger.Error("failed to quarantine egress", zap.Error(err))
		return fmt.Errorf("quarantine egress %s: %w", egress.Redacted(), err)
	}
	metrics.ObserveQuarantine(string(quarantine.KindEgress))
	logger.Warn("egress quarantined", zap.String("egress", egress.Redacted()), zap.String("reason", reason))
	return nil
}

func (m *Manager) drawCap() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.CapMin + m.rng.IntN(m.cfg.CapMax-m.cfg.CapMin+1)
}

func (m *Manager) newID() (string, error) {
	if m.deps.IDs == nil {
		return fmt.Sprintf("session-%d", m.now().UnixNano()), nil
	}
	return m.deps.IDs.NewID()
}

func (m *Manager) now() time.Time {
	if m.deps.Clock == nil {
		return time.Now().UTC()
	}
	return m.deps.Clock.Now()
}

func isExplicitFatal(err error) bool {
	var f *harvest.Failure
	return errors.As(err, &f) && f.Category == harvest.CategoryFatal
}

func reasonOf(err error) string {
	var f *harvest.Failure
	if errors.As(err, &f) && f.Reason != "" {
		return f.Reason
	}
	if err == nil {
		return "authentication failed"
	}
	return err.Error()
}
