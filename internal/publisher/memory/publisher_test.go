package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "tickets", map[string]string{"id": "t1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "tickets", "t2")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	msgs[0].Topic = "modified"
	require.Equal(t, "tickets", pub.Messages()[0].Topic)
}

func TestPublisherFailure(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("broker unavailable")
	pub.FailWith(boom)
	_, err := pub.Publish(context.Background(), "tickets", "t1")
	require.ErrorIs(t, err, boom)
	require.Empty(t, pub.Messages())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pub.FailWith(nil)
	_, err = pub.Publish(ctx, "tickets", "t1")
	require.ErrorIs(t, err, context.Canceled)
}
