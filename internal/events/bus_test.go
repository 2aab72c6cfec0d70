package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_TypedSubscription(t *testing.T) {
	bus := NewBus()
	alerts := bus.Subscribe(TypeAlertCreated)
	status := bus.Subscribe(TypeConnectorStatus)

	bus.Emit(TypeAlertCreated, "connector/7", "misp-feed", map[string]interface{}{
		"title": "Alert from misp",
	})

	select {
	case ev := <-alerts:
		assert.Equal(t, TypeAlertCreated, ev.Type)
		assert.Equal(t, "connector/7", ev.Source)
		assert.Equal(t, "1.0", ev.SpecVersion)
		assert.NotEmpty(t, ev.ID)
	case <-time.After(time.Second):
		t.Fatal("typed subscriber did not receive the event")
	}

	select {
	case ev := <-status:
		t.Fatalf("status subscriber received unrelated event %s", ev.Type)
	default:
	}
}

func TestBus_AllSubscriberReceivesEverything(t *testing.T) {
	bus := NewBus()
	all := bus.Subscribe()

	bus.Emit(TypeConnectorEvent, "connector/1", "", nil)
	bus.Emit(TypeAgentInactive, "connector/2", "host-a", nil)

	got := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		select {
		case ev := <-all:
			got = append(got, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("catch-all subscriber missed an event")
		}
	}
	assert.Equal(t, []string{TypeConnectorEvent, TypeAgentInactive}, got)
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	bus.bufferSize = 1
	slow := bus.Subscribe(TypeConnectorEvent)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Emit(TypeConnectorEvent, "connector/1", "", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a saturated subscriber")
	}

	// The slow subscriber kept at most its buffer.
	assert.LessOrEqual(t, len(slow), 1)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TypeAlertCreated)
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open, "unsubscribed channel is closed")

	// Publishing after unsubscribe must not panic.
	bus.Emit(TypeAlertCreated, "connector/1", "", nil)
}

func TestCloudEvent_SSEFormat(t *testing.T) {
	ev := NewCloudEvent(TypeAlertCreated, "connector/7", "feed", map[string]interface{}{"k": "v"})
	framed, err := ev.SSEFormat()
	require.NoError(t, err)

	s := string(framed)
	assert.Contains(t, s, "event: "+TypeAlertCreated+"\n")
	assert.Contains(t, s, "id: "+ev.ID+"\n")
	assert.Contains(t, s, `"k":"v"`)
	assert.Contains(t, s, "\n\n")
}
