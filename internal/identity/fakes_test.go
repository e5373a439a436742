package identity

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/identity-harvester/internal/harvest"
)

type fakeConn struct {
	identity harvest.Identity
	closed   atomic.Int32
}

func (c *fakeConn) Identity() harvest.Identity { return c.identity }

func (c *fakeConn) Close() error {
	c.closed.Add(1)
	return nil
}

// fakeAuth scripts Resume and Login results per credential identifier.
// Login errors are consumed in order; once exhausted logins succeed.
type fakeAuth struct {
	mu        sync.Mutex
	resumeErr map[string]error
	loginErrs map[string][]error
	resumes   map[string]int
	logins    map[string]int
	conns     []*fakeConn
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{
		resumeErr: map[string]error{},
		loginErrs: map[string][]error{},
		resumes:   map[string]int{},
		logins:    map[string]int{},
	}
}

func (a *fakeAuth) Resume(_ context.Context, identity harvest.Identity, _ harvest.Token) (harvest.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := identity.Credential.Identifier
	a.resumes[id]++
	if err := a.resumeErr[id]; err != nil {
		return nil, err
	}
	conn := &fakeConn{identity: identity}
	a.conns = append(a.conns, conn)
	return conn, nil
}

func (a *fakeAuth) Login(ctx context.Context, identity harvest.Identity) (harvest.Conn, harvest.Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	id := identity.Credential.Identifier
	a.logins[id]++
	if errs := a.loginErrs[id]; len(errs) > 0 {
		err := errs[0]
		a.loginErrs[id] = errs[1:]
		return nil, nil, err
	}
	conn := &fakeConn{identity: identity}
	a.conns = append(a.conns, conn)
	return conn, harvest.Token(`[{"name":"session","value":"` + id + `"}]`), nil
}

func (a *fakeAuth) counts(id string) (resumes, logins int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resumes[id], a.logins[id]
}

type sequenceIDs struct {
	n atomic.Int64
}

func (s *sequenceIDs) NewID() (string, error) {
	return "sess-" + string(rune('a'+s.n.Add(1)-1)), nil
}
