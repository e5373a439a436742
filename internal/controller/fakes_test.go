package controller

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/identity-harvester/internal/harvest"
	"github.com/JakeFAU/identity-harvester/internal/identity"
	"github.com/JakeFAU/identity-harvester/internal/quarantine"
	"github.com/JakeFAU/identity-harvester/internal/results"
	"github.com/JakeFAU/identity-harvester/internal/retry"
)

type fakeConn struct {
	id       int64
	identity harvest.Identity
	closed   atomic.Bool
}

func (c *fakeConn) Identity() harvest.Identity { return c.identity }

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeAuth struct {
	next      atomic.Int64
	loginErrs map[string]error
}

func (a *fakeAuth) Resume(_ context.Context, id harvest.Identity, _ harvest.Token) (harvest.Conn, error) {
	return &fakeConn{id: a.next.Add(1), identity: id}, nil
}

func (a *fakeAuth) Login(_ context.Context, id harvest.Identity) (harvest.Conn, harvest.Token, error) {
	if err := a.loginErrs[id.Credential.Identifier]; err != nil {
		return nil, nil, err
	}
	return &fakeConn{id: a.next.Add(1), identity: id}, harvest.Token("token"), nil
}

// fetchFunc scripts one fetch; attempt counts calls for the item, from 1.
type fetchFunc func(ctx context.Context, conn *fakeConn, item harvest.Item, attempt int) (harvest.Extraction, error)

type fakeFetcher struct {
	mu      sync.Mutex
	script  fetchFunc
	calls   map[harvest.Item]int
	perConn map[int64]int
	order   []harvest.Item
}

func newFakeFetcher(script fetchFunc) *fakeFetcher {
	return &fakeFetcher{script: script, calls: map[harvest.Item]int{}, perConn: map[int64]int{}}
}

func (f *fakeFetcher) Fetch(ctx context.Context, conn harvest.Conn, item harvest.Item) (harvest.Extraction, error) {
	fc := conn.(*fakeConn)
	f.mu.Lock()
	f.calls[item]++
	attempt := f.calls[item]
	f.order = append(f.order, item)
	f.mu.Unlock()

	ext, err := f.script(ctx, fc, item, attempt)
	if err == nil {
		f.mu.Lock()
		f.perConn[fc.id]++
		f.mu.Unlock()
	}
	return ext, err
}

func (f *fakeFetcher) callsFor(item harvest.Item) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[item]
}

func ok(fields map[string]string, children ...harvest.Item) (harvest.Extraction, error) {
	return harvest.Extraction{Fields: fields, Children: children}, nil
}

// fakeSeeds serves pages[topic][page] as lists of candidate items.
type fakeSeeds struct {
	mu    sync.Mutex
	pages [][][]harvest.Item
	calls []harvest.SeedCursor
}

func (s *fakeSeeds) NextSeed(_ context.Context, _ harvest.Conn, cursor *harvest.SeedCursor, known harvest.Known) (harvest.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, *cursor)
	if cursor.Topic >= len(s.pages) || cursor.Page >= len(s.pages[cursor.Topic]) {
		return "", harvest.ErrTopicExhausted
	}
	for _, item := range s.pages[cursor.Topic][cursor.Page] {
		if !known(item) {
			return item, nil
		}
	}
	return "", harvest.ErrNoSeed
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	if d >= time.Second {
		c.sleeps = append(c.sleeps, d)
	}
	c.now = c.now.Add(d)
	c.mu.Unlock()
	runtime.Gosched()
	return ctx.Err()
}

func (c *fakeClock) longSleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type recordingReporter struct {
	mu        sync.Mutex
	summaries []Summary
}

func (r *recordingReporter) Write(_ context.Context, s Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, s)
	return nil
}

type harness struct {
	t        *testing.T
	dir      string
	paths    quarantine.Paths
	ledger   *quarantine.Ledger
	store    *results.Store
	auth     *fakeAuth
	fetcher  *fakeFetcher
	seeds    *fakeSeeds
	clock    *fakeClock
	reporter *recordingReporter
	cfg      Config
	session  identity.Config
	retry    retry.Config
	creds    []harvest.Credential
	egress   []harvest.EgressPoint
}

func newHarness(t *testing.T, script fetchFunc) *harness {
	t.Helper()
	dir := t.TempDir()
	paths := quarantine.Paths{
		Credentials: filepath.Join(dir, "banned_credentials.json"),
		Egress:      filepath.Join(dir, "banned_egress.txt"),
	}
	return &harness{
		t:        t,
		dir:      dir,
		paths:    paths,
		ledger:   quarantine.Open(paths, nil, zap.NewNop()),
		auth:     &fakeAuth{loginErrs: map[string]error{}},
		fetcher:  newFakeFetcher(script),
		clock:    newFakeClock(),
		reporter: &recordingReporter{},
		cfg: Config{
			MaxItems:         100,
			Cycles:           1,
			Workers:          1,
			FlushEvery:       1,
			MaxTopicAttempts: 3,
			MaxPagesPerTopic: 2,
			ExpectedFields:   []string{"name"},
			FetchTimeout:     time.Second,
		},
		session: identity.Config{CapMin: 100, CapMax: 100, LoginAttempts: 1},
		retry:   retry.Config{MaxTransient: 3, MaxStructural: 3, TransientPause: 20 * time.Second},
		creds:   []harvest.Credential{{Identifier: "alice", Secret: "a"}, {Identifier: "bob", Secret: "b"}},
	}
}

func (h *harness) withEgress(raws ...string) *harness {
	h.t.Helper()
	for _, raw := range raws {
		ep, err := identity.ParseEgress(raw)
		require.NoError(h.t, err)
		h.egress = append(h.egress, ep)
	}
	return h
}

func (h *harness) resultsPath() string {
	return filepath.Join(h.dir, "results.json")
}

func (h *harness) build() *Controller {
	h.t.Helper()
	if h.store == nil {
		store, err := results.Open(h.resultsPath(), zap.NewNop(), h.clock.Now)
		require.NoError(h.t, err)
		h.store = store
	}
	manager, err := identity.NewManager(h.session, identity.Deps{
		Auth:   h.auth,
		Ledger: h.ledger,
		Tokens: identity.NewTokenCache(filepath.Join(h.dir, "tokens")),
		Clock:  h.clock,
		Logger: zap.NewNop(),
	})
	require.NoError(h.t, err)

	deps := Deps{
		Manager:     manager,
		Ledger:      h.ledger,
		Credentials: h.creds,
		Egress:      h.egress,
		Store:       h.store,
		Fetcher:     h.fetcher,
		Policy:      retry.NewPolicy(h.retry),
		Clock:       h.clock,
		Reporter:    h.reporter,
		Logger:      zap.NewNop(),
	}
	if h.seeds != nil {
		deps.Seeds = h.seeds
	}
	c, err := New(h.cfg, deps)
	require.NoError(h.t, err)
	return c
}

func items(ids ...string) []harvest.Item {
	out := make([]harvest.Item, len(ids))
	for i, id := range ids {
		out[i] = harvest.Item(id)
	}
	return out
}

func named(item harvest.Item) map[string]string {
	return map[string]string{"name": "Org " + item.String()}
}
