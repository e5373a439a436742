package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/identity-harvester/internal/fsutil"
	"github.com/JakeFAU/identity-harvester/internal/harvest"
)

// TokenCache stores one authentication token file per identity.
type TokenCache struct {
	dir string
}

// NewTokenCache returns a cache rooted at dir. An empty dir disables caching.
func NewTokenCache(dir string) *TokenCache {
	return &TokenCache{dir: dir}
}

// Path returns the token file for the identity.
func (c *TokenCache) Path(identity harvest.Identity) string {
	return filepath.Join(c.dir, tokenFileName(identity.Credential.Identifier))
}

// Load returns the cached token, if any.
func (c *TokenCache) Load(identity harvest.Identity) (harvest.Token, bool, error) {
	if c == nil || c.dir == "" {
		return nil, false, nil
	}
	data, ok, err := fsutil.ReadFile(c.Path(identity))
	if err != nil || !ok || len(data) == 0 {
		return nil, false, err
	}
	return harvest.Token(data), true, nil
}

// Save writes the token atomically with owner-only permissions.
func (c *TokenCache) Save(identity harvest.Identity, token harvest.Token) error {
	if c == nil || c.dir == "" || len(token) == 0 {
		return nil
	}
	if err := fsutil.WriteFile(c.Path(identity), token, 0o600); err != nil {
		return fmt.Errorf("save token for %s: %w", identity.Credential.Identifier, err)
	}
	return nil
}

// Invalidate deletes the cached token. A missing file is not an error.
func (c *TokenCache) Invalidate(identity harvest.Identity) error {
	if c == nil || c.dir == "" {
		return nil
	}
	err := os.Remove(c.Path(identity))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("invalidate token for %s: %w", identity.Credential.Identifier, err)
	}
	return nil
}

// tokenFileName keeps the alphanumerics of the identifier for readability and
// appends a short digest so distinct identifiers never share a file.
func tokenFileName(identifier string) string {
	var b strings.Builder
	for _, r := range identifier {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	sum := sha256.Sum256([]byte(identifier))
	return "token_" + b.String() + "_" + hex.EncodeToString(sum[:4]) + ".json"
}
