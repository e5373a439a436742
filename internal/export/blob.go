package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/JakeFAU/identity-harvester/internal/harvest"
	"github.com/JakeFAU/identity-harvester/internal/storage"
)

// ContentTypeJSONL is the content type of exported batches.
const ContentTypeJSONL = "application/x-ndjson"

// BlobSink writes each exported batch as one JSON Lines object named
// <prefix>/<run>/<timestamp>-<seq>.jsonl, where run is the run ID carried by
// the batch's first record.
type BlobSink struct {
	name   string
	store  storage.BlobStore
	prefix string
	clock  harvest.Clock

	mu  sync.Mutex
	seq int
	// last holds the URI of the most recent batch.
	last string
}

var _ harvest.RecordSink = (*BlobSink)(nil)

// NewBlobSink builds a sink named name that writes through store.
func NewBlobSink(name string, store storage.BlobStore, prefix string, clock harvest.Clock) (*BlobSink, error) {
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if name == "" {
		name = "blob"
	}
	return &BlobSink{name: name, store: store, prefix: prefix, clock: clock}, nil
}

// Name identifies the sink in logs and metrics.
func (s *BlobSink) Name() string { return s.name }

// Export encodes records as JSON Lines and uploads them as a single object.
// The sequence number advances only on success so a retried batch reuses it.
func (s *BlobSink) Export(ctx context.Context, records []harvest.Record) error {
	if len(records) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode %s: %w", rec.Item, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	name := fmt.Sprintf("%s-%04d.jsonl", s.clock.Now().UTC().Format("20060102T150405Z"), s.seq+1)
	key := path.Join(s.prefix, records[0].RunID, name)
	uri, err := s.store.PutObject(ctx, key, ContentTypeJSONL, &buf)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	s.seq++
	s.last = uri
	return nil
}

// LastURI returns the URI of the most recent successful batch.
func (s *BlobSink) LastURI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
