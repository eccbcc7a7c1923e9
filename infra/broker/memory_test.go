package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SubscribeSeesPublishOrder(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, m.Publish(ctx, Message{Topic: "t", Value: []byte(v)}))
	}

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Subscribe(ctx, "t", "g", func(_ context.Context, d Delivery) error {
			mu.Lock()
			got = append(got, string(d.Value))
			n := len(got)
			mu.Unlock()
			if n == 4 {
				cancel()
			}
			return nil
		})
	}()

	require.NoError(t, m.Publish(context.Background(), Message{Topic: "t", Value: []byte("d")}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not finish")
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestMemory_HandlerErrorRedelivers(t *testing.T) {
	m := NewMemory()
	m.redeliverAfter = time.Millisecond
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Publish(ctx, Message{Topic: "t", Value: []byte("x")}))

	calls := 0
	err := m.Subscribe(ctx, "t", "g", func(_ context.Context, d Delivery) error {
		calls++
		if calls < 3 {
			return errors.New("store down")
		}
		cancel()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestMemory_PublishAfterClose(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())
	err := m.Publish(context.Background(), Message{Topic: "t"})
	assert.ErrorIs(t, err, ErrClosed)
}
