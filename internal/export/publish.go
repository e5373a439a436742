package export

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/identity-harvester/internal/harvest"
	"github.com/JakeFAU/identity-harvester/internal/publisher"
)

// PublishSink sends one message per record, keyed by item.
type PublishSink struct {
	name  string
	pub   publisher.Publisher
	topic string
}

var _ harvest.RecordSink = (*PublishSink)(nil)

// NewPublishSink builds a sink that publishes to topic.
func NewPublishSink(name string, pub publisher.Publisher, topic string) (*PublishSink, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if name == "" {
		name = "publish"
	}
	return &PublishSink{name: name, pub: pub, topic: topic}, nil
}

// Name identifies the sink in logs and metrics.
func (s *PublishSink) Name() string { return s.name }

// Export stops at the first failed publish. The whole batch is offered again
// on the next flush, so consumers must tolerate duplicates.
func (s *PublishSink) Export(ctx context.Context, records []harvest.Record) error {
	for _, rec := range records {
		msg := publisher.Message{
			Topic:   s.topic,
			Key:     rec.Item.String(),
			Payload: rec,
			Attributes: map[string]string{
				"item":       rec.Item.String(),
				"run_id":     rec.RunID,
				"incomplete": fmt.Sprint(rec.Incomplete),
			},
		}
		if _, err := s.pub.Publish(ctx, msg); err != nil {
			return fmt.Errorf("publish %s: %w", rec.Item, err)
		}
	}
	return nil
}
