package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/identity-harvester/internal/harvest"
	"github.com/JakeFAU/identity-harvester/internal/quarantine"
	"github.com/JakeFAU/identity-harvester/internal/results"
)

func TestRunFollowsLinksUntilExhausted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(_ context.Context, _ *fakeConn, item harvest.Item, _ int) (harvest.Extraction, error) {
		switch item {
		case "a":
			return ok(named(item), "b", "c", "a")
		case "b":
			return ok(named(item), "c", "d")
		default:
			return ok(named(item))
		}
	})
	h.cfg.SeedItems = items("a")

	summary, err := h.build().Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, ReasonExhausted, summary.Reason)
	require.Equal(t, 4, summary.Completed)
	require.Equal(t, 1, summary.Sessions)
	require.Equal(t, []harvest.Item{"a", "b", "c", "d"}, h.fetcher.order)
	require.Equal(t, items("a", "b", "c", "d"), h.store.Keys())

	data, err := os.ReadFile(h.resultsPath())
	require.NoError(t, err)
	var onDisk map[string]harvest.Record
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Len(t, onDisk, 4)
	require.Equal(t, "Org d", onDisk["d"].Fields["name"])

	require.Len(t, h.reporter.summaries, 1)
	require.Equal(t, summary.RunID, h.reporter.summaries[0].RunID)
}

func TestRunStopsAtBudget(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(_ context.Context, _ *fakeConn, item harvest.Item, _ int) (harvest.Extraction, error) {
		return ok(named(item), item+"1", item+"2")
	})
	h.cfg.SeedItems = items("root")
	h.cfg.MaxItems = 3

	summary, err := h.build().Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, ReasonBudget, summary.Reason)
	require.Equal(t, 3, summary.Completed)
	require.Equal(t, 3, h.store.Len())
}

func TestResumedRunNeverReprocessesStoredItems(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(_ context.Context, _ *fakeConn, item harvest.Item, _ int) (harvest.Extraction, error) {
		return ok(named(item), "a", "b", "c")
	})
	prior, err := results.Open(h.resultsPath(), zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, prior.Add(harvest.Record{Item: "a", Fields: named("a")}))
	require.NoError(t, prior.Add(harvest.Record{Item: "b", Fields: named("b")}))
	require.NoError(t, prior.Flush(context.Background()))

	h.cfg.SeedItems = items("a", "b", "c")
	summary, err := h.build().Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Completed)
	require.Equal(t, []harvest.Item{"c"}, h.fetcher.order)
	require.Equal(t, 3, summary.Stored)
}

func TestSessionInvalidRotatesIdentityAndQuarantinesEgress(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(_ context.Context, conn *fakeConn, item harvest.Item, _ int) (harvest.Extraction, error) {
		if item == "x" && conn.identity.Credential.Identifier == "alice" {
			return harvest.Extraction{}, harvest.SessionInvalid("captcha")
		}
		return ok(named(item))
	})
	h.withEgress("10.0.0.1:8080", "10.0.0.2:8080")
	h.cfg.SeedItems = items("x")

	summary, err := h.build().Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, ReasonExhausted, summary.Reason)
	require.Equal(t, 2, h.fetcher.callsFor("x"), "item retried on the new identity")
	require.True(t, h.store.Has("x"))
	require.Equal(t, 2, summary.Sessions)
	require.Equal(t, 1, summary.Quarantined[string(quarantine.KindEgress)])
	require.Equal(t, 1, summary.Failures[harvest.CategorySessionInvalid])

	later := quarantine.Open(h.paths, nil, nil)
	require.True(t, later.IsBanned(quarantine.KindEgress, "10.0.0.1:8080"))
	require.False(t, later.IsBanned(quarantine.KindEgress, "10.0.0.2:8080"))
}

func TestStructuralMismatchSkipsItemAfterRetries(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(_ context.Context, _ *fakeConn, item harvest.Item, _ int) (harvest.Extraction, error) {
		switch item {
		case "bad":
			return harvest.Extraction{}, harvest.Structural("ready marker absent")
		case "a":
			return ok(named(item), "bad", "b")
		default:
			// b links back to bad; it must not be retried again this run.
			return ok(named(item), "bad")
		}
	})
	h.cfg.SeedItems = items("a")

	summary, err := h.build().Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, ReasonExhausted, summary.Reason)
	require.Equal(t, 3, h.fetcher.callsFor("bad"))
	require.Equal(t, 1, summary.Skipped)
	require.Equal(t, 2, summary.Completed)
	require.False(t, h.store.Has("bad"))
	require.Len(t, summary.Unresolved, 1)
	require.Equal(t, harvest.Item("bad"), summary.Unresolved[0].Item)
	require.Equal(t, 3, summary.Unresolved[0].Attempts)

	_, err = os.Stat(h.resultsPath() + results.UnresolvedSuffix)
	require.NoError(t, err)
}

func TestTransientExhaustionDegradesGracefully(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(_ context.Context, _ *fakeConn, item harvest.Item, _ int) (harvest.Extraction, error) {
		if item == "slow" {
			return harvest.Extraction{}, fmt.Errorf("navigate: %w", context.DeadlineExceeded)
		}
		return ok(named(item), "slow")
	})
	h.cfg.SeedItems = items("a")

	summary, err := h.build().Run(context.Background())
	require.NoError(t, err, "degraded runs are not failures")
	require.Equal(t, ReasonDegraded, summary.Reason)
	require.Equal(t, 3, h.fetcher.callsFor("slow"))
	require.Equal(t, 1, summary.Completed)
	require.True(t, h.store.Has("a"))

	// Only the first transient retry pauses.
	require.Len(t, h.clock.longSleeps(), 1)
	require.GreaterOrEqual(t, h.clock.longSleeps()[0], 10*time.Second)
}

func TestAlternatingFailuresSkipItemAtTotalLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(_ context.Context, _ *fakeConn, item harvest.Item, attempt int) (harvest.Extraction, error) {
		if item != "flaky" {
			return ok(named(item), "flaky", "b")
		}
		if attempt%2 == 1 {
			return harvest.Extraction{}, harvest.Transient("timeout", nil)
		}
		return harvest.Extraction{}, harvest.Structural("ready marker absent")
	})
	h.cfg.SeedItems = items("a")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	summary, err := h.build().Run(ctx)
	require.NoError(t, err)
	require.Equal(t, ReasonExhausted, summary.Reason)
	require.Equal(t, 6, h.fetcher.callsFor("flaky"))
	require.Equal(t, 1, summary.Skipped)
	require.Equal(t, 2, summary.Completed)
	require.Len(t, summary.Unresolved, 1)
	require.Equal(t, 6, summary.Unresolved[0].Attempts)
	require.Len(t, h.clock.longSleeps(), 1)
}

func TestTransientRecoveryStoresItem(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(_ context.Context, _ *fakeConn, item harvest.Item, attempt int) (harvest.Extraction, error) {
		if attempt < 3 {
			return harvest.Extraction{}, harvest.Transient("timeout", nil)
		}
		return ok(named(item))
	})
	h.cfg.SeedItems = items("a")

	summary, err := h.build().Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, ReasonExhausted, summary.Reason)
	require.True(t, h.store.Has("a"))
	require.Equal(t, 2, summary.Failures[harvest.CategoryTransient])
}

func TestFatalAbortsAfterFlushing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(_ context.Context, _ *fakeConn, item harvest.Item, _ int) (harvest.Extraction, error) {
		if item == "boom" {
			return harvest.Extraction{}, errors.New("driver crashed")
		}
		return ok(named(item), "boom")
	})
	h.cfg.SeedItems = items("a")
	h.cfg.FlushEvery = 100

	summary, err := h.build().Run(context.Background())
	require.Error(t, err)
	require.Equal(t, ReasonFatal, summary.Reason)

	reopened, err := results.Open(h.resultsPath(), zap.NewNop(), nil)
	require.NoError(t, err)
	require.True(t, reopened.Has("a"), "partial results flushed on abort")
	require.Len(t, h.reporter.summaries, 1)
}

func TestNoIdentitiesAbortsRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(_ context.Context, _ *fakeConn, item harvest.Item, _ int) (harvest.Extraction, error) {
		return ok(named(item))
	})
	h.cfg.SeedItems = items("a")
	require.NoError(t, h.ledger.Ban(quarantine.KindCredential, "alice", "earlier run"))
	h.auth.loginErrs["bob"] = harvest.AuthFailed("wrong password", nil)

	summary, err := h.build().Run(context.Background())
	require.ErrorIs(t, err, harvest.ErrNoIdentitiesAvailable)
	require.Equal(t, ReasonNoIdentities, summary.Reason)
	require.Zero(t, h.fetcher.callsFor("a"))
	require.Equal(t, 1, summary.Quarantined[string(quarantine.KindCredential)])
	require.True(t, h.ledger.IsBanned(quarantine.KindCredential, "bob"))
}

func TestSessionCapRotatesIdentities(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(_ context.Context, _ *fakeConn, item harvest.Item, _ int) (harvest.Extraction, error) {
		return ok(named(item))
	})
	h.session.CapMin, h.session.CapMax = 2, 2
	h.creds = append(h.creds, harvest.Credential{Identifier: "carol", Secret: "c"})
	h.cfg.SeedItems = items("a", "b", "c", "d", "e")

	summary, err := h.build().Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, summary.Completed)
	require.Equal(t, 3, summary.Sessions)
	for conn, n := range h.fetcher.perConn {
		require.LessOrEqual(t, n, 2, "connection %d exceeded its cap", conn)
	}
}

func TestSeedingWalksTopicsAndPages(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(_ context.Context, _ *fakeConn, item harvest.Item, _ int) (harvest.Extraction, error) {
		return ok(named(item))
	})
	h.seeds = &fakeSeeds{pages: [][][]harvest.Item{
		{},                           // topic 0: exhausted immediately
		{items(), items("s1", "s2")}, // topic 1: empty first page
		{items("s2", "s3"), items()}, // topic 2
	}}

	summary, err := h.build().Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, ReasonExhausted, summary.Reason)
	require.Equal(t, items("s1", "s2", "s3"), h.store.Keys())

	// Bounded by max_topic_attempts x max_pages_per_topic.
	require.LessOrEqual(t, len(h.seeds.calls), 3*2+4)
}

func TestSeedingStopsAtTopicBound(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(_ context.Context, _ *fakeConn, item harvest.Item, _ int) (harvest.Extraction, error) {
		return ok(named(item))
	})
	h.cfg.MaxTopicAttempts = 1
	h.seeds = &fakeSeeds{pages: [][][]harvest.Item{
		{items(), items()},
		{items("never")},
	}}

	summary, err := h.build().Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, ReasonExhausted, summary.Reason)
	require.Zero(t, h.store.Len())
	for _, call := range h.seeds.calls {
		require.Zero(t, call.Topic)
	}
}

func TestCyclesCooldownAndReload(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(_ context.Context, _ *fakeConn, item harvest.Item, _ int) (harvest.Extraction, error) {
		return ok(named(item))
	})
	h.cfg.Cycles = 3
	h.cfg.Cooldown = 30 * time.Second
	h.cfg.SeedItems = items("a")

	summary, err := h.build().Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, summary.Cycles)
	require.Equal(t, 1, summary.Completed)
	require.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second}, h.clock.longSleeps())
	require.Equal(t, 3, summary.Sessions, "each cycle starts a fresh session")
}

func TestInterruptedRunFlushesAndReturnsNil(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, func(_ context.Context, _ *fakeConn, item harvest.Item, _ int) (harvest.Extraction, error) {
		if item == "b" {
			cancel()
			return harvest.Extraction{}, context.Canceled
		}
		return ok(named(item), "b")
	})
	h.cfg.SeedItems = items("a")
	h.cfg.FlushEvery = 100

	summary, err := h.build().Run(ctx)
	require.NoError(t, err)
	require.Equal(t, ReasonInterrupted, summary.Reason)

	reopened, err := results.Open(h.resultsPath(), zap.NewNop(), nil)
	require.NoError(t, err)
	require.Equal(t, items("a"), reopened.Keys())
}

func TestConcurrentWorkersProcessEachItemOnce(t *testing.T) {
	t.Parallel()
	const n = 60
	h := newHarness(t, func(_ context.Context, _ *fakeConn, item harvest.Item, _ int) (harvest.Extraction, error) {
		var i int
		_, _ = fmt.Sscanf(item.String(), "i%d", &i)
		var children []harvest.Item
		for _, c := range []int{2*i + 1, 2*i + 2} {
			if c < n {
				children = append(children, harvest.Item(fmt.Sprintf("i%d", c)))
			}
		}
		return ok(named(item), children...)
	})
	h.cfg.Workers = 4
	h.cfg.FlushEvery = 7
	h.creds = nil
	for i := range 4 {
		h.creds = append(h.creds, harvest.Credential{Identifier: fmt.Sprintf("user%d", i)})
	}
	h.cfg.SeedItems = items("i0")

	summary, err := h.build().Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, ReasonExhausted, summary.Reason)
	require.Equal(t, n, summary.Completed)
	require.Equal(t, n, h.store.Len())
	for item, calls := range h.fetcher.calls {
		require.Equal(t, 1, calls, "item %s fetched more than once", item)
	}
}

func TestConcurrentWorkersRespectBudget(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(_ context.Context, _ *fakeConn, item harvest.Item, _ int) (harvest.Extraction, error) {
		return ok(named(item), item+"a", item+"b", item+"c")
	})
	h.cfg.Workers = 3
	h.cfg.MaxItems = 10
	h.creds = append(h.creds, harvest.Credential{Identifier: "carol"})
	h.cfg.SeedItems = items("r")

	summary, err := h.build().Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, ReasonBudget, summary.Reason)
	require.Equal(t, 10, summary.Completed)
	require.Equal(t, 10, h.store.Len())
}

func TestSnapshotReportsProgress(t *testing.T) {
	t.Parallel()
	var c *Controller
	var mid State
	h := newHarness(t, func(_ context.Context, _ *fakeConn, item harvest.Item, _ int) (harvest.Extraction, error) {
		if item == "b" {
			mid = c.Snapshot()
		}
		return ok(named(item), "b")
	})
	h.cfg.SeedItems = items("a")
	c = h.build()

	require.Equal(t, PhaseIdle, c.Snapshot().Phase)
	_, err := c.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, PhaseRunning, mid.Phase)
	require.Equal(t, 1, mid.Completed)
	require.Equal(t, 1, mid.InFlight)
	require.Equal(t, 1, mid.ActiveSessions)
	require.Equal(t, PhaseFinished, c.Snapshot().Phase)
	require.Zero(t, c.Snapshot().ActiveSessions)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	_, err := New(Config{MaxItems: 1, Cycles: 1}, Deps{})
	require.Error(t, err)
}
