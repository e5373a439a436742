// Package results holds the resumable collection of harvested records. The
// collection is flushed to disk atomically as an indented JSON object keyed
// by item, and each flush forwards newly added records to the configured
// export sinks.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/identity-harvester/internal/fsutil"
	"github.com/JakeFAU/identity-harvester/internal/harvest"
	"github.com/JakeFAU/identity-harvester/internal/metrics"
)

var (
	// ErrDuplicate is returned by Add for an item already in the store.
	ErrDuplicate = errors.New("record already stored")
	// ErrInvalidItem is returned by Add for a blank item.
	ErrInvalidItem = errors.New("invalid item")
)

// UnresolvedSuffix is appended to the result file name for the unresolved list.
const UnresolvedSuffix = ".unresolved.json"

type sinkState struct {
	sink harvest.RecordSink
	// next is the index into Store.order of the first record not yet exported.
	next int
}

// Store is safe for concurrent use.
type Store struct {
	mu         sync.Mutex
	flushMu    sync.Mutex
	path       string
	logger     *zap.Logger
	now        func() time.Time
	records    map[harvest.Item]harvest.Record
	unresolved map[harvest.Item]harvest.Unresolved
	order      []harvest.Item
	sinks      []*sinkState
	flushes    int
}

// Open loads the records at path. A missing file starts an empty store; a
// corrupt one is preserved next to the original and the store starts empty.
func Open(path string, logger *zap.Logger, now func() time.Time) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	s := &Store{
		path:       path,
		logger:     logger,
		now:        now,
		records:    map[harvest.Item]harvest.Record{},
		unresolved: map[harvest.Item]harvest.Unresolved{},
	}
	if err := s.loadRecords(); err != nil {
		return nil, err
	}
	s.loadUnresolved()
	return s, nil
}

func (s *Store) loadRecords() error {
	data, ok, err := fsutil.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read results: %w", err)
	}
	if !ok || len(data) == 0 {
		return nil
	}
	var onDisk map[harvest.Item]harvest.Record
	if err := json.Unmarshal(data, &onDisk); err != nil {
		backup, perr := fsutil.PreserveCorrupt(s.path, s.now())
		if perr != nil {
			return fmt.Errorf("results file %s is corrupt and could not be preserved: %w", s.path, errors.Join(err, perr))
		}
		s.logger.Warn("results file corrupt, starting empty",
			zap.String("path", s.path),
			zap.String("backup", backup),
			zap.Error(err),
		)
		return nil
	}
	for item, rec := range onDisk {
		if !item.Valid() {
			continue
		}
		rec.Item = item
		s.records[item] = rec
	}
	s.logger.Info("results loaded", zap.String("path", s.path), zap.Int("records", len(s.records)))
	return nil
}

func (s *Store) loadUnresolved() {
	data, ok, err := fsutil.ReadFile(s.unresolvedPath())
	if err != nil || !ok {
		return
	}
	var list []harvest.Unresolved
	if err := json.Unmarshal(data, &list); err != nil {
		s.logger.Warn("unresolved list unreadable, ignoring", zap.Error(err))
		return
	}
	for _, u := range list {
		if _, stored := s.records[u.Item]; !stored && u.Item.Valid() {
			s.unresolved[u.Item] = u
		}
	}
}

// AddSink registers an export destination. Only records added after the
// sink is registered are exported to it.
func (s *Store) AddSink(sink harvest.RecordSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, &sinkState{sink: sink, next: len(s.order)})
}

// Add stores a record. Duplicate keys are rejected.
func (s *Store) Add(rec harvest.Record) error {
	if !rec.Item.Valid() {
		return ErrInvalidItem
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Item]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, rec.Item)
	}
	s.records[rec.Item] = rec
	s.order = append(s.order, rec.Item)
	delete(s.unresolved, rec.Item)
	return nil
}

// Has reports whether item is stored.
func (s *Store) Has(item harvest.Item) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[item]
	return ok
}

// Get returns the stored record.
func (s *Store) Get(item harvest.Item) (harvest.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[item]
	return rec, ok
}

// Keys returns every stored item, sorted.
func (s *Store) Keys() []harvest.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]harvest.Item, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Len is the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Added is the number of records added since Open.
func (s *Store) Added() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// MarkUnresolved records an item skipped after exhausting its retries.
func (s *Store) MarkUnresolved(item harvest.Item, reason string, attempts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, stored := s.records[item]; stored {
		return
	}
	s.unresolved[item] = harvest.Unresolved{Item: item, Reason: reason, Attempts: attempts, At: s.now().UTC()}
}

// Unresolved returns the unresolved items, sorted.
func (s *Store) Unresolved() []harvest.Unresolved {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unresolvedLocked()
}

func (s *Store) unresolvedLocked() []harvest.Unresolved {
	out := make([]harvest.Unresolved, 0, len(s.unresolved))
	for _, u := range s.unresolved {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Item < out[j].Item })
	return out
}

// Flush writes the collection and the unresolved list atomically, then
// exports records added since each sink's last successful export. Sink
// failures are logged and retried on the next flush; they do not fail Flush.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("encode results: %w", err)
	}
	unresolved, err := json.MarshalIndent(s.unresolvedLocked(), "", "  ")
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("encode unresolved: %w", err)
	}
	count := len(s.records)
	batches := s.pendingLocked()
	s.mu.Unlock()

	if err := fsutil.WriteFile(s.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("flush results: %w", err)
	}
	if err := fsutil.WriteFile(s.unresolvedPath(), append(unresolved, '\n'), 0o644); err != nil {
		return fmt.Errorf("flush unresolved: %w", err)
	}
	s.flushes++
	s.logger.Debug("results flushed", zap.String("path", s.path), zap.Int("records", count))

	s.export(ctx, batches)
	return nil
}

type batch struct {
	state   *sinkState
	records []harvest.Record
	end     int
}

func (s *Store) pendingLocked() []batch {
	out := make([]batch, 0, len(s.sinks))
	for _, st := range s.sinks {
		if st.next >= len(s.order) {
			continue
		}
		items := s.order[st.next:]
		recs := make([]harvest.Record, 0, len(items))
		for _, item := range items {
			recs = append(recs, s.records[item])
		}
		out = append(out, batch{state: st, records: recs, end: len(s.order)})
	}
	return out
}

func (s *Store) export(ctx context.Context, batches []batch) {
	for _, b := range batches {
		name := b.state.sink.Name()
		if err := b.state.sink.Export(ctx, b.records); err != nil {
			metrics.ObserveExport(name, false)
			s.logger.Warn("export failed, batch retained",
				zap.String("sink", name),
				zap.Int("records", len(b.records)),
				zap.Error(err),
			)
			continue
		}
		metrics.ObserveExport(name, true)
		s.mu.Lock()
		b.state.next = b.end
		s.mu.Unlock()
		s.logger.Info("records exported", zap.String("sink", name), zap.Int("records", len(b.records)))
	}
}

// Flushes is the number of successful file flushes.
func (s *Store) Flushes() int {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.flushes
}

// Path is the result file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) unresolvedPath() string {
	return s.path + UnresolvedSuffix
}
