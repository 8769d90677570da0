package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

func item(id string) discovery.QueueItem {
	return discovery.QueueItem{Request: discovery.CampaignRequest{CampaignID: id, SessionID: "s-" + id}}
}

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan discovery.QueueItem, 1)
	errCh := make(chan error, 1)

	go func() {
		got, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- got
	}()

	require.NoError(t, q.Enqueue(context.Background(), item("c-1")))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "c-1", got.Request.CampaignID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return campaign")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewQueue(1).Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), item("primed")))
	require.Equal(t, 1, q.Len())
	require.EqualError(t, q.Enqueue(ctx, item("late")), "enqueue canceled: context canceled")
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), item("queued")))
	q.Close()
	q.Close()

	require.ErrorIs(t, q.Enqueue(context.Background(), item("after")), ErrClosed)
	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "queued", got.Request.CampaignID)
	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
