package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out draining event stream")
		}
	}
}

func TestTurnStreamOrderingAndTerminal(t *testing.T) {
	mux := NewMux()
	st, err := mux.Open("turn-1")
	require.NoError(t, err)

	ctx := context.Background()
	for i, text := range []string{"a", "b", "c"} {
		ev := NewEvent("turn-1", EventToken)
		ev.Text = text
		require.NoError(t, st.Publish(ctx, ev), "publish %d", i)
	}
	done := NewEvent("turn-1", EventTurnComplete)
	done.Text = "abc"
	st.Complete(done)

	events := collect(t, st.Events())
	require.Len(t, events, 4)
	assert.Equal(t, "a", events[0].Text)
	assert.Equal(t, "b", events[1].Text)
	assert.Equal(t, "c", events[2].Text)
	assert.Equal(t, EventTurnComplete, events[3].Type)
	assert.True(t, events[3].Terminal())
}

func TestPublishAfterTerminalFails(t *testing.T) {
	mux := NewMux()
	st, err := mux.Open("turn-1")
	require.NoError(t, err)

	st.Complete(NewEvent("turn-1", EventTurnComplete))
	collect(t, st.Events())

	err = st.Publish(context.Background(), NewEvent("turn-1", EventToken))
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestDuplicateTurnIDRejected(t *testing.T) {
	mux := NewMux()
	_, err := mux.Open("turn-1")
	require.NoError(t, err)

	_, err = mux.Open("turn-1")
	assert.Error(t, err)
}

func TestBlockingBackpressureNeverDrops(t *testing.T) {
	mux := NewMux(func(o *Options) { o.BufferSize = 2 })
	st, err := mux.Open("turn-1")
	require.NoError(t, err)

	const total = 50
	published := make(chan struct{})
	go func() {
		defer close(published)
		for i := 0; i < total; i++ {
			ev := NewEvent("turn-1", EventToken)
			ev.Text = "x"
			if err := st.Publish(context.Background(), ev); err != nil {
				return
			}
		}
		st.Complete(NewEvent("turn-1", EventTurnComplete))
	}()

	// Slow consumer: the producer must block, not drop.
	var events []Event
	for ev := range st.Events() {
		events = append(events, ev)
		time.Sleep(time.Millisecond)
	}
	<-published

	require.Len(t, events, total+1)
	assert.Equal(t, EventTurnComplete, events[total].Type)
}

func TestPublishBlockedByFullBufferHonorsCallerContext(t *testing.T) {
	mux := NewMux(func(o *Options) { o.BufferSize = 1 })
	st, err := mux.Open("turn-1")
	require.NoError(t, err)

	// Fill buffer; nobody consumes.
	require.NoError(t, st.Publish(context.Background(), NewEvent("turn-1", EventToken)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// Pump may have moved one event to the unbuffered out channel; fill again
	// until Publish blocks on the caller context.
	var pubErr error
	for {
		pubErr = st.Publish(ctx, NewEvent("turn-1", EventToken))
		if pubErr != nil {
			break
		}
	}
	assert.ErrorIs(t, pubErr, context.DeadlineExceeded)

	st.Cancel("test done")
	collect(t, st.Events())
}

func TestCancelDeliversSingleTerminalErrorEvent(t *testing.T) {
	mux := NewMux()
	st, err := mux.Open("turn-1")
	require.NoError(t, err)

	require.NoError(t, st.Publish(context.Background(), NewEvent("turn-1", EventToken)))

	require.NoError(t, mux.Cancel("turn-1", "client disconnected"))

	// Stream context ends so producers can stop issuing work.
	select {
	case <-st.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("stream context not cancelled")
	}

	events := collect(t, st.Events())
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Contains(t, last.Err, "client disconnected")

	terminals := 0
	for _, ev := range events {
		if ev.Terminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
}

func TestCancelWithAbsentConsumerDeregistersStream(t *testing.T) {
	mux := NewMux()
	st, err := mux.Open("turn-1")
	require.NoError(t, err)

	// Nobody ever reads Events: the cancel terminal has no taker. The pump
	// must still wind down and the mux entry must go away.
	require.NoError(t, st.Publish(context.Background(), NewEvent("turn-1", EventToken)))
	require.NoError(t, mux.Cancel("turn-1", "client disconnected"))

	require.Eventually(t, func() bool {
		_, ok := mux.Get("turn-1")
		return !ok
	}, 3*time.Second, 10*time.Millisecond)

	// Late readers find the channel closed, and the id is reusable.
	_, open := <-st.Events()
	assert.False(t, open)
	_, err = mux.Open("turn-1")
	assert.NoError(t, err)
}

func TestCancelUnknownTurn(t *testing.T) {
	mux := NewMux()
	assert.Error(t, mux.Cancel("nope", "reason"))
}

func TestFailDeliversErrorEvent(t *testing.T) {
	mux := NewMux()
	st, err := mux.Open("turn-1")
	require.NoError(t, err)

	st.Fail(errors.New("boom"))

	events := collect(t, st.Events())
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Equal(t, "boom", events[0].Err)
}

func TestMuxRemovesFinishedStreams(t *testing.T) {
	mux := NewMux()
	st, err := mux.Open("turn-1")
	require.NoError(t, err)

	st.Complete(NewEvent("turn-1", EventTurnComplete))
	collect(t, st.Events())

	require.Eventually(t, func() bool {
		_, ok := mux.Get("turn-1")
		return !ok
	}, time.Second, 5*time.Millisecond)

	// The id is reusable once the previous stream finished.
	_, err = mux.Open("turn-1")
	assert.NoError(t, err)
}
