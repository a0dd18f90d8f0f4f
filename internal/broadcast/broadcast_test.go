package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	ch := New[int](4)
	a := ch.Subscribe()
	b := ch.Subscribe()

	ch.Publish(1)
	ch.Publish(2)

	for _, s := range []*Subscriber[int]{a, b} {
		v, ok := s.Recv()
		require.True(t, ok)
		assert.Equal(t, 1, v)
		v, ok = s.Recv()
		require.True(t, ok)
		assert.Equal(t, 2, v)
	}
}

func TestLaggingSubscriberDropsOldest(t *testing.T) {
	ch := New[int](2)
	s := ch.Subscribe()

	ch.Publish(1)
	ch.Publish(2)
	ch.Publish(3) // should drop 1, keep 2 and 3

	v, ok := s.Recv()
	require.True(t, ok)
	assert.Equal(t, 2, v)
	v, ok = s.Recv()
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ch := New[int](4)
	s := ch.Subscribe()
	s.Unsubscribe()

	assert.Equal(t, 0, ch.ReceiverCount())
	_, ok := s.Recv()
	assert.False(t, ok)
}

func TestCloseDetachesSubscribers(t *testing.T) {
	ch := New[int](4)
	s := ch.Subscribe()
	ch.Close()

	select {
	case _, ok := <-s.C():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for closed channel")
	}
	ch.Publish(1) // no-op, must not panic
}
