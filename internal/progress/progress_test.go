package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autorefactor/pipeline/pkg/types"
)

func drain(t *testing.T, ch <-chan Delivery, n int) []Delivery {
	t.Helper()
	var out []Delivery
	for i := 0; i < n; i++ {
		select {
		case d, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d deliveries, wanted %d", len(out), n)
			}
			out = append(out, d)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d/%d", i+1, n)
		}
	}
	return out
}

func TestSubscribeReceivesReplayedEventsBeforeLiveOnes(t *testing.T) {
	b := New()
	b.Publish("s1", types.ProgressEvent{Message: "first"})
	b.Publish("s1", types.ProgressEvent{Message: "second"})

	ch := b.Subscribe(context.Background(), "s1")
	deliveries := drain(t, ch, 2)
	assert.Equal(t, "first", deliveries[0].Event.Message)
	assert.Equal(t, "second", deliveries[1].Event.Message)

	b.Publish("s1", types.ProgressEvent{Message: "third"})
	deliveries = drain(t, ch, 1)
	assert.Equal(t, "third", deliveries[0].Event.Message)
}

func TestEndClosesChannelAfterTerminalDelivery(t *testing.T) {
	b := New()
	b.Publish("s1", types.ProgressEvent{Message: "only"})
	b.End("s1")

	ch := b.Subscribe(context.Background(), "s1")
	deliveries := drain(t, ch, 2)
	assert.False(t, deliveries[0].End)
	assert.True(t, deliveries[1].End)

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after the terminal delivery")
}

func TestPublishAfterEndIsDropped(t *testing.T) {
	b := New()
	b.End("s1")
	b.Publish("s1", types.ProgressEvent{Message: "too late"})

	ch := b.Subscribe(context.Background(), "s1")
	deliveries := drain(t, ch, 1)
	assert.True(t, deliveries[0].End, "only the terminal marker should have been delivered")
}

func TestSubscribeCancellationEvictsStreamWithoutClosingSession(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx, "s1")
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "cancelled subscriber's channel should close without delivering anything")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancelled subscriber channel to close")
	}

	// A fresh subscribe for the same session after cancellation starts a
	// clean stream rather than replaying anything stale.
	b.Publish("s1", types.ProgressEvent{Message: "after cancel"})
	ch2 := b.Subscribe(context.Background(), "s1")
	deliveries := drain(t, ch2, 1)
	assert.Equal(t, "after cancel", deliveries[0].Event.Message)
}

func TestMultipleSessionsAreIndependent(t *testing.T) {
	b := New()
	b.Publish("a", types.ProgressEvent{Message: "a1"})
	b.Publish("b", types.ProgressEvent{Message: "b1"})

	chA := b.Subscribe(context.Background(), "a")
	chB := b.Subscribe(context.Background(), "b")

	da := drain(t, chA, 1)
	db := drain(t, chB, 1)
	require.Equal(t, "a1", da[0].Event.Message)
	require.Equal(t, "b1", db[0].Event.Message)
}
