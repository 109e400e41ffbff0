package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSnapshotter struct {
	runs   []string
	agents []any
}

func (f fakeSnapshotter) ActiveRuns() []string  { return f.runs }
func (f fakeSnapshotter) ActiveAgents() []any   { return f.agents }

func TestSubscribeReceivesInitSnapshot(t *testing.T) {
	b := New(zap.NewNop())
	b.SetSnapshotter(fakeSnapshotter{runs: []string{"run-1"}})

	events, unsubscribe := b.Subscribe()
	defer unsubscribe()

	select {
	case ev := <-events:
		require.Equal(t, Init, ev.Type)
		data, ok := ev.Data.(map[string]any)
		require.True(t, ok)
		require.Equal(t, []string{"run-1"}, data["activeRuns"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for init snapshot")
	}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New(zap.NewNop())
	ev1, unsub1 := b.Subscribe()
	ev2, unsub2 := b.Subscribe()
	defer unsub1()
	defer unsub2()

	drain(t, ev1)
	drain(t, ev2)

	b.Publish(Event{Type: RunStarted, RunID: "r1"})

	for _, ch := range []<-chan Event{ev1, ev2} {
		select {
		case ev := <-ch:
			require.Equal(t, RunStarted, ev.Type)
			require.Equal(t, "r1", ev.RunID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestPublishDropsForFullMailboxWithoutBlocking(t *testing.T) {
	b := New(zap.NewNop())
	events, unsubscribe := b.Subscribe()
	defer unsubscribe()
	drain(t, events)

	done := make(chan struct{})
	go func() {
		for i := 0; i < mailboxSize*2; i++ {
			b.Publish(Event{Type: NodeScheduled})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full mailbox")
	}
}

func TestUnsubscribeClosesMailbox(t *testing.T) {
	b := New(zap.NewNop())
	events, unsubscribe := b.Subscribe()
	drain(t, events)
	unsubscribe()

	_, ok := <-events
	require.False(t, ok)
}

func drain(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected an initial event to drain")
	}
}
