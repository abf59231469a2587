package eventbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: RunStarted, RunID: "r1"})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		require.Equal(t, RunStarted, e.Type)
		require.Equal(t, "r1", e.RunID)
		require.False(t, e.Time.IsZero())
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: RunSnapshot})
	b.Publish(Event{Type: RunSnapshot})
	b.Publish(Event{Type: RunCompleted})

	require.Equal(t, uint64(2), b.Dropped())
	require.Equal(t, RunSnapshot, (<-ch).Type)
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	require.False(t, ok)

	// Publishing after unsubscribe is harmless.
	b.Publish(Event{Type: RunStopped})
}

func TestConcurrentPublishUnsubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		_, unsub := b.Subscribe(2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(Event{Type: RunSnapshot})
			}
		}()
		go func() {
			defer wg.Done()
			unsub()
		}()
	}
	wg.Wait()
}

func TestTerminal(t *testing.T) {
	require.True(t, Event{Type: RunCompleted}.Terminal())
	require.True(t, Event{Type: RunStopped}.Terminal())
	require.False(t, Event{Type: RunSnapshot}.Terminal())
}

func TestNopBus(t *testing.T) {
	var b Bus = Nop{}
	b.Publish(Event{Type: RunStarted})
	ch, unsub := b.Subscribe(1)
	defer unsub()
	_, ok := <-ch
	require.False(t, ok)
}
