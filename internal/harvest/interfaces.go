package harvest

import (
	"context"
	"time"
)

// Conn is a live, authenticated binding to a remote surface for one identity.
type Conn interface {
	Identity() Identity
	Close() error
}

// Authenticator establishes connections for identities.
type Authenticator interface {
	// Resume establishes a connection from a cached token and verifies it.
	Resume(ctx context.Context, identity Identity, token Token) (Conn, error)
	// Login performs a fresh credential login and returns the token to cache.
	Login(ctx context.Context, identity Identity) (Conn, Token, error)
}

// Fetcher fetches and extracts one item over an authenticated connection.
//
// Implementations return a *Failure classified as SessionInvalid when they see
// a block or challenge page, Transient on timeouts, and StructuralMismatch
// when the expected content is absent. Missing individual fields are not
// failures.
type Fetcher interface {
	Fetch(ctx context.Context, conn Conn, item Item) (Extraction, error)
}

// SeedProvider discovers fresh items when the frontier runs dry.
//
// NextSeed returns ErrNoSeed when the page at the cursor yields nothing new
// and ErrTopicExhausted when the current topic has no further pages. Topic
// ordering is the provider's policy.
type SeedProvider interface {
	NextSeed(ctx context.Context, conn Conn, cursor *SeedCursor, known Known) (Item, error)
}

// RecordSink receives records after they have been flushed to the result file.
type RecordSink interface {
	Name() string
	Export(ctx context.Context, records []Record) error
}

// Clock returns the current time and sleeps (useful for testing).
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces run and session IDs.
type IDGenerator interface {
	NewID() (string, error)
}
