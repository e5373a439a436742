package identity

import (
	"sync"

	"github.com/JakeFAU/identity-harvester/internal/harvest"
	"github.com/JakeFAU/identity-harvester/internal/quarantine"
)

// Banlist answers quarantine membership queries.
type Banlist interface {
	IsBanned(kind quarantine.Kind, asset string) bool
}

// Pool is the ordered set of identities for one cycle. Each identity is
// handed out at most once.
type Pool struct {
	mu         sync.Mutex
	identities []harvest.Identity
	next       int
	bans       Banlist
	filtered   int
}

// NewPool pairs each non-quarantined credential with a non-quarantined egress
// point, cycling the egress points when there are fewer of them. With no
// usable egress points every credential runs direct.
func NewPool(creds []harvest.Credential, egress []harvest.EgressPoint, bans Banlist) *Pool {
	p := &Pool{bans: bans}

	active := make([]harvest.EgressPoint, 0, len(egress))
	for _, ep := range egress {
		if p.banned(quarantine.KindEgress, ep.Raw) {
			p.filtered++
			continue
		}
		active = append(active, ep)
	}

	for _, c := range creds {
		if p.banned(quarantine.KindCredential, c.Identifier) {
			p.filtered++
			continue
		}
		id := harvest.Identity{Credential: c}
		if len(active) > 0 {
			id.Egress = active[len(p.identities)%len(active)]
		}
		p.identities = append(p.identities, id)
	}
	return p
}

// Next pops the next identity whose credential and egress are still clear.
// Bans written after the pool was built are honored here.
func (p *Pool) Next() (harvest.Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.next < len(p.identities) {
		id := p.identities[p.next]
		p.next++
		if p.banned(quarantine.KindCredential, id.Credential.Identifier) {
			continue
		}
		if !id.Egress.Direct() && p.banned(quarantine.KindEgress, id.Egress.Raw) {
			continue
		}
		return id, true
	}
	return harvest.Identity{}, false
}

// Remaining is the number of identities not yet popped.
func (p *Pool) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.identities) - p.next
}

// Size is the number of identities built for this cycle.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.identities)
}

// Filtered is how many credentials and egress points were excluded at build
// time because they were quarantined.
func (p *Pool) Filtered() int {
	return p.filtered
}

// Identities returns a copy of the full pairing list.
func (p *Pool) Identities() []harvest.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]harvest.Identity, len(p.identities))
	copy(out, p.identities)
	return out
}

func (p *Pool) banned(kind quarantine.Kind, asset string) bool {
	return p.bans != nil && asset != "" && p.bans.IsBanned(kind, asset)
}
