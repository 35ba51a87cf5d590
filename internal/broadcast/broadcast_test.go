package broadcast

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blackbox-rec/blackboxd/internal/event"
)

func TestHub_PublishDeliversToSubscriber(t *testing.T) {
	h := New()
	sub := h.Subscribe()
	defer sub.Close()

	h.Publish(event.Event{TimestampNs: 1, Kind: event.KindSystemInfo})

	select {
	case e := <-sub.Events():
		require.Equal(t, int64(1), e.TimestampNs)
	default:
		t.Fatal("expected event to be delivered")
	}
}

func TestHub_PublishFansOutToMultipleSubscribers(t *testing.T) {
	h := New()
	a := h.Subscribe()
	b := h.Subscribe()
	defer a.Close()
	defer b.Close()

	h.Publish(event.Event{TimestampNs: 7})

	require.Equal(t, int64(7), (<-a.Events()).TimestampNs)
	require.Equal(t, int64(7), (<-b.Events()).TimestampNs)
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	h := New()
	sub := h.Subscribe()
	sub.Close()
	require.Equal(t, 0, h.SubscriberCount())

	h.Publish(event.Event{TimestampNs: 1})
	select {
	case <-sub.Events():
		t.Fatal("closed subscription must not receive further events")
	default:
	}
}

func TestHub_OverflowDropsOldestAndInsertsLagMarker(t *testing.T) {
	h := New()
	sub := h.Subscribe()
	defer sub.Close()

	for i := 0; i < QueueDepth+5; i++ {
		h.Publish(event.Event{TimestampNs: int64(i)})
	}

	var sawLag bool
	for i := 0; i < QueueDepth; i++ {
		e := <-sub.Events()
		if e.Kind == event.KindLag {
			sawLag = true
			require.Greater(t, e.Lag.Count, 0)
			break
		}
	}
	require.True(t, sawLag, "expected a lag marker after overflowing the queue")
}
