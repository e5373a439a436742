package identity

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/identity-harvester/internal/harvest"
	"github.com/JakeFAU/identity-harvester/internal/quarantine"
)

type staticBans map[quarantine.Kind]map[string]bool

func (b staticBans) IsBanned(kind quarantine.Kind, asset string) bool {
	return b[kind][asset]
}

func creds(ids ...string) []harvest.Credential {
	out := make([]harvest.Credential, 0, len(ids))
	for _, id := range ids {
		out = append(out, harvest.Credential{Identifier: id, Secret: "pw-" + id})
	}
	return out
}

func egress(t *testing.T, raws ...string) []harvest.EgressPoint {
	t.Helper()
	out := make([]harvest.EgressPoint, 0, len(raws))
	for _, raw := range raws {
		ep, err := ParseEgress(raw)
		require.NoError(t, err)
		out = append(out, ep)
	}
	return out
}

func TestPoolCyclesEgress(t *testing.T) {
	t.Parallel()
	pool := NewPool(creds("a", "b", "c"), egress(t, "10.0.0.1:1", "10.0.0.2:2"), nil)

	ids := pool.Identities()
	require.Len(t, ids, 3)
	require.Equal(t, "10.0.0.1:1", ids[0].Egress.Raw)
	require.Equal(t, "10.0.0.2:2", ids[1].Egress.Raw)
	require.Equal(t, "10.0.0.1:1", ids[2].Egress.Raw)
}

func TestPoolWithoutEgressRunsDirect(t *testing.T) {
	t.Parallel()
	pool := NewPool(creds("a"), nil, nil)
	id, ok := pool.Next()
	require.True(t, ok)
	require.True(t, id.Egress.Direct())
	_, ok = pool.Next()
	require.False(t, ok)
}

func TestPoolFiltersQuarantined(t *testing.T) {
	t.Parallel()
	bans := staticBans{
		quarantine.KindCredential: {"b": true},
		quarantine.KindEgress:     {"10.0.0.1:1": true},
	}
	pool := NewPool(creds("a", "b", "c"), egress(t, "10.0.0.1:1", "10.0.0.2:2"), bans)

	require.Equal(t, 2, pool.Size())
	require.Equal(t, 2, pool.Filtered())
	for _, id := range pool.Identities() {
		require.NotEqual(t, "b", id.Credential.Identifier)
		require.Equal(t, "10.0.0.2:2", id.Egress.Raw)
	}
}

func TestPoolNextHonorsLaterBans(t *testing.T) {
	t.Parallel()
	ledger := quarantine.Open(quarantine.Paths{
		Credentials: filepath.Join(t.TempDir(), "banned.json"),
		Egress:      filepath.Join(t.TempDir(), "banned.txt"),
	}, nil, nil)
	pool := NewPool(creds("a", "b", "c"), egress(t, "10.0.0.1:1", "10.0.0.2:2"), ledger)

	first, ok := pool.Next()
	require.True(t, ok)
	require.Equal(t, "a", first.Credential.Identifier)

	// Banning a's egress also excludes c, which shares it.
	require.NoError(t, ledger.Ban(quarantine.KindEgress, first.Egress.Raw, "challenge"))

	second, ok := pool.Next()
	require.True(t, ok)
	require.Equal(t, "b", second.Credential.Identifier)
	_, ok = pool.Next()
	require.False(t, ok)
	require.Zero(t, pool.Remaining())
}

func TestPoolNextConcurrentHandsOutOnce(t *testing.T) {
	t.Parallel()
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = string(rune('A' + i))
	}
	pool := NewPool(creds(ids...), nil, nil)

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, ok := pool.Next()
				if !ok {
					return
				}
				mu.Lock()
				seen[id.Credential.Identifier]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 50)
	for id, n := range seen {
		require.Equal(t, 1, n, id)
	}
}
