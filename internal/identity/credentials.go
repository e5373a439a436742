package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/JakeFAU/identity-harvester/internal/harvest"
)

// ErrNoCredentials is returned when the credentials file holds no usable entry.
var ErrNoCredentials = errors.New("no credentials configured")

// credentialFile accepts {identifier, secret} as well as the legacy
// {username, password} layout.
type credentialFile struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
	Username   string `json:"username"`
	Password   string `json:"password"`
}

// LoadCredentials reads the ordered credential list. Entries without an
// identifier are dropped; duplicates keep their first position.
func LoadCredentials(path string) ([]harvest.Credential, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-provided path
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var raw []credentialFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(raw))
	creds := make([]harvest.Credential, 0, len(raw))
	for _, r := range raw {
		id := strings.TrimSpace(firstNonEmpty(r.Identifier, r.Username))
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		creds = append(creds, harvest.Credential{
			Identifier: id,
			Secret:     firstNonEmpty(r.Secret, r.Password),
		})
	}
	if len(creds) == 0 {
		return nil, ErrNoCredentials
	}
	return creds, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
