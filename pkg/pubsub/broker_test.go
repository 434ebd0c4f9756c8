package pubsub

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg := <-sub.C:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestMemoryBroker_PublishSubscribe(t *testing.T) {
	t.Run("should deliver a published payload to a subscriber", func(t *testing.T) {
		b := NewMemoryBroker(zerolog.Nop())
		sub := b.Subscribe("user:u1")
		defer sub.Close()

		b.Publish("user:u1", []byte("hello"))

		msg := receive(t, sub)
		assert.Equal(t, "user:u1", msg.Channel)
		assert.Equal(t, []byte("hello"), msg.Payload)
	})

	t.Run("should fan out to all subscribers of a channel", func(t *testing.T) {
		b := NewMemoryBroker(zerolog.Nop())
		first := b.Subscribe("tenant:acme")
		second := b.Subscribe("tenant:acme")
		defer first.Close()
		defer second.Close()

		b.Publish("tenant:acme", []byte("event"))

		assert.Equal(t, []byte("event"), receive(t, first).Payload)
		assert.Equal(t, []byte("event"), receive(t, second).Payload)
	})

	t.Run("should not deliver across channels", func(t *testing.T) {
		b := NewMemoryBroker(zerolog.Nop())
		sub := b.Subscribe("user:u1")
		defer sub.Close()

		b.Publish("user:u2", []byte("private"))

		select {
		case <-sub.C:
			t.Fatal("received a message from another channel")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("should drop publishes with no subscribers", func(t *testing.T) {
		b := NewMemoryBroker(zerolog.Nop())
		assert.NotPanics(t, func() {
			b.Publish("user:nobody", []byte("void"))
		})
	})

	t.Run("should preserve order for a single subscriber", func(t *testing.T) {
		b := NewMemoryBroker(zerolog.Nop())
		sub := b.Subscribe("conversation:c1")
		defer sub.Close()

		for i := byte(0); i < 10; i++ {
			b.Publish("conversation:c1", []byte{i})
		}
		for i := byte(0); i < 10; i++ {
			assert.Equal(t, []byte{i}, receive(t, sub).Payload)
		}
	})
}

func TestSubscription_Close(t *testing.T) {
	t.Run("should stop delivery and release the channel entry", func(t *testing.T) {
		b := NewMemoryBroker(zerolog.Nop())
		sub := b.Subscribe("user:u1")
		require.Equal(t, 1, b.SubscriberCount("user:u1"))

		sub.Close()
		assert.Equal(t, 0, b.SubscriberCount("user:u1"))

		// The subscription channel is closed.
		_, open := <-sub.C
		assert.False(t, open)
	})

	t.Run("should tolerate double close", func(t *testing.T) {
		b := NewMemoryBroker(zerolog.Nop())
		sub := b.Subscribe("user:u1")
		sub.Close()
		assert.NotPanics(t, sub.Close)
	})

	t.Run("should survive close racing concurrent publishes", func(t *testing.T) {
		b := NewMemoryBroker(zerolog.Nop())
		sub := b.Subscribe("user:u1")

		// Drain so the publisher never blocks on a full buffer.
		go func() {
			for range sub.C {
			}
		}()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				b.Publish("user:u1", []byte("x"))
			}
		}()

		time.Sleep(time.Millisecond)
		assert.NotPanics(t, sub.Close)
		wg.Wait()
	})
}
