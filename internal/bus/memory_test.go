package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidenhq/aiden/internal/common/logger"
)

func TestMemoryQueueGroupDeliversToOneMember(t *testing.T) {
	b := NewMemory(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	counts := map[string]int{}
	received := make(chan struct{}, 10)

	for _, name := range []string{"a", "b"} {
		name := name
		_, err := b.QueueSubscribe("subj", "workers", func(ctx context.Context, data []byte) {
			mu.Lock()
			counts[name]++
			mu.Unlock()
			received <- struct{}{}
		})
		require.NoError(t, err)
	}

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(context.Background(), "subj", []byte("m")))
	}
	for i := 0; i < 4; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 4, counts["a"]+counts["b"], "each message delivered exactly once")
	assert.Equal(t, 2, counts["a"], "round robin splits the load")
}

func TestMemorySeparateQueueGroupsEachGetACopy(t *testing.T) {
	b := NewMemory(logger.Default())
	defer b.Close()

	received := make(chan string, 2)
	for _, queue := range []string{"q1", "q2"} {
		queue := queue
		_, err := b.QueueSubscribe("subj", queue, func(ctx context.Context, data []byte) {
			received <- queue
		})
		require.NoError(t, err)
	}

	require.NoError(t, b.Publish(context.Background(), "subj", []byte("m")))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case q := <-received:
			got[q] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
	assert.True(t, got["q1"] && got["q2"])
}

func TestMemoryUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemory(logger.Default())
	defer b.Close()

	received := make(chan struct{}, 1)
	sub, err := b.QueueSubscribe("subj", "workers", func(ctx context.Context, data []byte) {
		received <- struct{}{}
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, b.Publish(context.Background(), "subj", []byte("m")))
	select {
	case <-received:
		t.Fatal("unsubscribed handler still received a message")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryClosedBusRejectsPublish(t *testing.T) {
	b := NewMemory(logger.Default())
	b.Close()
	err := b.Publish(context.Background(), "subj", []byte("m"))
	assert.ErrorIs(t, err, ErrClosed)
}
