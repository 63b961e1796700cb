package a2a

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureRecorder struct {
	mu        sync.Mutex
	envelopes []Envelope
}

func (r *captureRecorder) Record(env Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envelopes = append(r.envelopes, env)
}

func (r *captureRecorder) all() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.envelopes))
	copy(out, r.envelopes)
	return out
}

func TestSendSuccess(t *testing.T) {
	bus := NewBus()

	env, err := bus.Send(context.Background(), "supervisor", "calculator", "invoke-tool", map[string]any{"a": 1}, func(ctx context.Context) (any, error) {
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, env.Status)
	assert.Equal(t, 42, env.Output)
	assert.Equal(t, "supervisor", env.Sender)
	assert.Equal(t, "calculator", env.Receiver)
	assert.NotEmpty(t, env.ID)
	assert.NotEmpty(t, env.CorrelationID)
	assert.False(t, env.Completed.Before(env.Started))
}

func TestSendError(t *testing.T) {
	bus := NewBus()
	boom := errors.New("boom")

	env, err := bus.Send(context.Background(), "a", "b", "x", nil, func(ctx context.Context) (any, error) {
		return nil, boom
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, StatusError, env.Status)
	assert.Equal(t, "boom", env.Err)
	assert.Nil(t, env.Output)
}

func TestCorrelationIDConstantAcrossOneRun(t *testing.T) {
	recorder := &captureRecorder{}
	bus := NewBus(func(o *Options) { o.Recorder = recorder })

	ctx := WithCorrelation(context.Background(), "turn-1")

	_, err := bus.Send(ctx, "supervisor", "agent", "run", nil, func(ctx context.Context) (any, error) {
		_, err := bus.Send(ctx, "agent", "tool", "invoke-tool", nil, func(ctx context.Context) (any, error) {
			return "ok", nil
		})
		require.NoError(t, err)
		_, err = bus.Send(ctx, "agent", "reasoning", "generate", nil, func(ctx context.Context) (any, error) {
			return "ok", nil
		})
		return "done", err
	})
	require.NoError(t, err)

	envs := recorder.all()
	require.Len(t, envs, 3)
	for _, env := range envs {
		assert.Equal(t, "turn-1", env.CorrelationID)
	}
}

func TestMintsCorrelationWhenAbsent(t *testing.T) {
	bus := NewBus()

	env, err := bus.Send(context.Background(), "a", "b", "x", nil, func(ctx context.Context) (any, error) {
		assert.NotEmpty(t, CorrelationFrom(ctx))
		return nil, nil
	})

	require.NoError(t, err)
	assert.NotEmpty(t, env.CorrelationID)
}

func TestSubCallsCountNestedSends(t *testing.T) {
	bus := NewBus()

	env, err := bus.Send(context.Background(), "agent", "loop", "run", nil, func(ctx context.Context) (any, error) {
		for i := 0; i < 3; i++ {
			if _, err := bus.Send(ctx, "loop", "tool", "invoke-tool", nil, func(ctx context.Context) (any, error) {
				return nil, nil
			}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, env.Metrics.SubCalls)
}

func TestSubCallsCountConcurrentNestedSends(t *testing.T) {
	bus := NewBus()
	const fanout = 16

	env, err := bus.Send(context.Background(), "agent", "loop", "run", nil, func(ctx context.Context) (any, error) {
		var wg sync.WaitGroup
		for i := 0; i < fanout; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = bus.Send(ctx, "loop", "tool", "invoke-tool", nil, func(ctx context.Context) (any, error) {
					return nil, nil
				})
			}()
		}
		wg.Wait()
		return nil, nil
	})

	require.NoError(t, err)
	assert.Equal(t, fanout, env.Metrics.SubCalls)
}

func TestSendAsync(t *testing.T) {
	bus := NewBus()

	h := bus.SendAsync(context.Background(), "a", "b", "x", nil, func(ctx context.Context) (any, error) {
		return "async", nil
	})

	env, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, env.Status)
	assert.Equal(t, "async", env.Output)
}
