package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/identity-harvester/internal/publisher"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	attrs := map[string]string{"run_id": "run-1"}
	id1, err := pub.Publish(context.Background(), publisher.Message{Topic: "records", Key: "acme", Payload: "a", Attributes: attrs})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), publisher.Message{Topic: "records", Key: "globex", Payload: "b"})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	attrs["run_id"] = "changed"
	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "run-1", msgs[0].Attributes["run_id"])
	require.Equal(t, "globex", msgs[1].Key)

	msgs[0].Topic = "modified"
	require.Equal(t, "records", pub.Messages()[0].Topic)
}

func TestPublisherRejectsAfterCloseOrCancel(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pub.Publish(ctx, publisher.Message{Topic: "records"})
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, pub.Close())
	_, err = pub.Publish(context.Background(), publisher.Message{Topic: "records"})
	require.ErrorIs(t, err, ErrClosed)
	require.Empty(t, pub.Messages())
}
