// Package quarantine implements the persistent deny-list of credentials and
// egress points proven invalid. Entries written here exclude the asset from
// every later identity pool, in this run and all future runs.
package quarantine

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/identity-harvester/internal/fsutil"
)

// Kind is the type of asset being quarantined.
type Kind string

// Asset kinds.
const (
	KindCredential Kind = "credential"
	KindEgress     Kind = "egress"
)

// ErrUnknownKind is returned for asset kinds the ledger does not track.
var ErrUnknownKind = errors.New("unknown asset kind")

// Entry is one quarantined asset.
type Entry struct {
	Asset    string    `json:"identifier"`
	Kind     Kind      `json:"-"`
	Reason   string    `json:"reason"`
	BannedAt time.Time `json:"banned_at"`
}

// Paths locates the two ledger files.
type Paths struct {
	// Credentials is a JSON array of {identifier, reason, banned_at}.
	Credentials string
	// Egress is a plain list, one descriptor per line.
	Egress string
}

// Ledger is the single writer of quarantine state. Writes are serialized and
// reach disk before the in-memory view changes.
type Ledger struct {
	mu      sync.RWMutex
	paths   Paths
	now     func() time.Time
	logger  *zap.Logger
	entries map[Kind]map[string]Entry
	corrupt map[Kind]bool

	preserve func(filename string, now time.Time) (string, error)
}

// Open loads the ledger. Missing or unreadable files yield an empty set: the
// run proceeds rather than halting on a damaged deny-list.
func Open(paths Paths, now func() time.Time, logger *zap.Logger) *Ledger {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		paths:    paths,
		now:      now,
		logger:   logger,
		preserve: fsutil.PreserveCorrupt,
	}
	l.Reload()
	return l
}

// Reload re-reads both files, picking up bans written by earlier runs.
func (l *Ledger) Reload() {
	creds, credsCorrupt := l.readCredentials()
	egress := l.readEgress()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = map[Kind]map[string]Entry{
		KindCredential: creds,
		KindEgress:     egress,
	}
	l.corrupt = map[Kind]bool{KindCredential: credsCorrupt}
}

// IsBanned reports whether asset is quarantined.
func (l *Ledger) IsBanned(kind Kind, asset string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.entries[kind][strings.TrimSpace(asset)]
	return ok
}

// Entries returns the quarantined assets of kind sorted by asset.
func (l *Ledger) Entries(kind Kind) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.entries[kind]))
	for _, e := range l.entries[kind] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// Ban quarantines asset. The entry is written durably before the in-memory set
// is updated, so a crash right after Ban still persists it. Banning an asset
// twice is a no-op.
func (l *Ledger) Ban(kind Kind, asset, reason string) error {
	asset = strings.TrimSpace(asset)
	if asset == "" {
		return errors.New("quarantine: asset is required")
	}
	if kind != KindCredential && kind != KindEgress {
		return fmt.Errorf("quarantine %q: %w", kind, ErrUnknownKind)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[kind][asset]; ok {
		return nil
	}

	entry := Entry{Asset: asset, Kind: kind, Reason: reason, BannedAt: l.now().UTC()}
	if err := l.persist(kind, entry); err != nil {
		return err
	}
	l.entries[kind][asset] = entry
	l.logger.Warn("asset quarantined",
		zap.String("kind", string(kind)),
		zap.String("asset", redact(kind, asset)),
		zap.String("reason", reason),
	)
	return nil
}

// persist merges the on-disk state, the in-memory state and entry, then
// atomically replaces the file. Merging keeps bans written by a concurrent
// process. Caller holds l.mu.
func (l *Ledger) persist(kind Kind, entry Entry) error {
	switch kind {
	case KindCredential:
		onDisk, corrupt := l.readCredentials()
		if corrupt || l.corrupt[KindCredential] {
			// The rewrite below drops unparseable content; it must not run
			// until a copy of the original exists.
			backup, err := l.preserve(l.paths.Credentials, l.now())
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("preserve corrupt credential quarantine: %w", err)
			}
			if err == nil {
				l.logger.Warn("corrupt quarantine file preserved", zap.String("backup", backup))
			}
			l.corrupt[KindCredential] = false
		}
		merged := mergeEntries(onDisk, l.entries[KindCredential], entry)
		data, err := json.MarshalIndent(merged, "", "  ")
		if err != nil {
			return fmt.Errorf("encode credential quarantine: %w", err)
		}
		if err := fsutil.WriteFile(l.paths.Credentials, append(data, '\n'), 0o600); err != nil {
			return fmt.Errorf("persist credential quarantine: %w", err)
		}
	case KindEgress:
		merged := mergeEntries(l.readEgress(), l.entries[KindEgress], entry)
		var buf bytes.Buffer
		for _, e := range merged {
			buf.WriteString(e.Asset)
			buf.WriteByte('\n')
		}
		if err := fsutil.WriteFile(l.paths.Egress, buf.Bytes(), 0o600); err != nil {
			return fmt.Errorf("persist egress quarantine: %w", err)
		}
	}
	return nil
}

func mergeEntries(onDisk, inMemory map[string]Entry, entry Entry) []Entry {
	all := make(map[string]Entry, len(onDisk)+len(inMemory)+1)
	for k, v := range onDisk {
		all[k] = v
	}
	for k, v := range inMemory {
		all[k] = v
	}
	all[entry.Asset] = entry
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].BannedAt.Equal(out[j].BannedAt) {
			return out[i].BannedAt.Before(out[j].BannedAt)
		}
		return out[i].Asset < out[j].Asset
	})
	return out
}

// credentialRecord accepts both the current and the legacy ("username") key.
type credentialRecord struct {
	Identifier string    `json:"identifier"`
	Username   string    `json:"username"`
	Reason     string    `json:"reason"`
	BannedAt   time.Time `json:"banned_at"`
}

func (l *Ledger) readCredentials() (map[string]Entry, bool) {
	out := make(map[string]Entry)
	if l.paths.Credentials == "" {
		return out, false
	}
	data, ok, err := fsutil.ReadFile(l.paths.Credentials)
	if err != nil {
		l.logger.Warn("credential quarantine unreadable; treating as empty",
			zap.String("path", l.paths.Credentials), zap.Error(err))
		return out, false
	}
	if !ok || len(bytes.TrimSpace(data)) == 0 {
		return out, false
	}
	var records []credentialRecord
	if err := json.Unmarshal(data, &records); err != nil {
		l.logger.Warn("credential quarantine corrupt; treating as empty",
			zap.String("path", l.paths.Credentials), zap.Error(err))
		return out, true
	}
	for _, r := range records {
		id := strings.TrimSpace(r.Identifier)
		if id == "" {
			id = strings.TrimSpace(r.Username)
		}
		if id == "" {
			continue
		}
		out[id] = Entry{Asset: id, Kind: KindCredential, Reason: r.Reason, BannedAt: r.BannedAt}
	}
	return out, false
}

func (l *Ledger) readEgress() map[string]Entry {
	out := make(map[string]Entry)
	if l.paths.Egress == "" {
		return out
	}
	data, ok, err := fsutil.ReadFile(l.paths.Egress)
	if err != nil {
		l.logger.Warn("egress quarantine unreadable; treating as empty",
			zap.String("path", l.paths.Egress), zap.Error(err))
		return out
	}
	if !ok {
		return out
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		out[line] = Entry{Asset: line, Kind: KindEgress}
	}
	return out
}

// redact strips proxy credentials (anything before '@', or the trailing
// user:pass of a host:port:user:pass descriptor) for logging.
func redact(kind Kind, asset string) string {
	if kind != KindEgress {
		return asset
	}
	if at := strings.LastIndex(asset, "@"); at >= 0 {
		return asset[at+1:]
	}
	parts := strings.Split(asset, ":")
	if len(parts) == 4 {
		return parts[0] + ":" + parts[1]
	}
	return asset
}
