package harvest

import (
	"strings"
	"time"
)

// Item identifies one target entity. It carries no mutable state.
type Item string

// String returns the raw identifier.
func (i Item) String() string {
	return string(i)
}

// Valid reports whether the identifier is non-blank.
func (i Item) Valid() bool {
	return strings.TrimSpace(string(i)) != ""
}

// Credential is a login identifier and its secret.
type Credential struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

// EgressPoint is a network egress descriptor (a proxy). The zero value means
// direct connection.
type EgressPoint struct {
	// Raw is the descriptor exactly as configured; it is the quarantine key.
	Raw string
	// Scheme is the proxy protocol, "http" unless the descriptor says otherwise.
	Scheme string
	// Host is host:port.
	Host     string
	Username string
	Password string
}

// Direct reports whether the egress point means "no proxy".
func (e EgressPoint) Direct() bool {
	return e.Host == ""
}

// URL renders the proxy as a URL, including credentials when present.
func (e EgressPoint) URL() string {
	if e.Direct() {
		return ""
	}
	scheme := e.Scheme
	if scheme == "" {
		scheme = "http"
	}
	if e.Username == "" {
		return scheme + "://" + e.Host
	}
	return scheme + "://" + e.Username + ":" + e.Password + "@" + e.Host
}

// Redacted renders the egress point without credentials, safe for logs.
func (e EgressPoint) Redacted() string {
	if e.Direct() {
		return "direct"
	}
	scheme := e.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + e.Host
}

// Identity pairs a credential with an optional egress point.
type Identity struct {
	Credential Credential
	Egress     EgressPoint
}

// String names the identity for logs without exposing secrets.
func (id Identity) String() string {
	return id.Credential.Identifier + "@" + id.Egress.Redacted()
}

// Token is an opaque authentication blob (typically serialized cookies).
type Token []byte

// Extraction is what a Fetcher returns for a successfully fetched item.
type Extraction struct {
	Fields   map[string]string
	Children []Item
}

// Record is the persisted result for one item.
type Record struct {
	Item       Item              `json:"item"`
	Fields     map[string]string `json:"fields"`
	Missing    []string          `json:"missing,omitempty"`
	Incomplete bool              `json:"incomplete"`
	RunID      string            `json:"run_id,omitempty"`
	FetchedAt  time.Time         `json:"fetched_at"`
}

// NewRecord builds a record from an extraction, flagging any expected field
// that came back empty.
func NewRecord(item Item, ext Extraction, expected []string, runID string, at time.Time) Record {
	fields := make(map[string]string, len(ext.Fields))
	for k, v := range ext.Fields {
		if v = strings.TrimSpace(v); v != "" {
			fields[k] = v
		}
	}
	var missing []string
	for _, name := range expected {
		if _, ok := fields[name]; !ok {
			missing = append(missing, name)
		}
	}
	return Record{
		Item:       item,
		Fields:     fields,
		Missing:    missing,
		Incomplete: len(missing) > 0,
		RunID:      runID,
		FetchedAt:  at,
	}
}

// Unresolved describes an item skipped after exhausting its retries.
type Unresolved struct {
	Item     Item      `json:"item"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

// SeedCursor is the position of the seed search: which topic and which result
// page. Providers advance it; the controller bounds it.
type SeedCursor struct {
	Topic int
	Page  int
}

// Known reports whether an item has already been seen this run.
type Known func(Item) bool
