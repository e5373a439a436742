// Package identity builds the pool of candidate identities (credential and
// egress pairings filtered by the quarantine ledger) and manages the
// lifecycle of authenticated sessions: acquisition with cached-token reuse,
// randomized per-session item caps, and retirement with quarantine of
// invalidated egress points.
package identity
