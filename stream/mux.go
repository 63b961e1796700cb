package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentrelay/logging"
)

// DefaultBufferSize is the per-turn event buffer used when none is configured.
const DefaultBufferSize = 64

// ErrStreamClosed is returned by Publish after the turn stream has finished.
var ErrStreamClosed = errors.New("stream: turn stream closed")

// Options configures a Mux.
type Options struct {
	// BufferSize bounds each turn's event buffer. Producers block when the
	// buffer is full.
	BufferSize int
	// Logger defaults to NoOp.
	Logger logging.Logger
}

// Mux tracks the live turn streams and supports cancellation by turn id.
// Safe for concurrent use.
type Mux struct {
	bufferSize int
	logger     logging.Logger

	mu      sync.Mutex
	streams map[string]*TurnStream
}

// NewMux constructs a Mux with optional overrides.
func NewMux(optFns ...func(o *Options)) *Mux {
	opts := Options{
		BufferSize: DefaultBufferSize,
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Mux{
		bufferSize: opts.BufferSize,
		logger:     opts.Logger,
		streams:    make(map[string]*TurnStream),
	}
}

// Open creates the stream for a turn. The turn id must be unused.
func (m *Mux) Open(turnID string) (*TurnStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.streams[turnID]; exists {
		return nil, fmt.Errorf("stream: turn %q already open", turnID)
	}

	s := newTurnStream(turnID, m.bufferSize)
	m.streams[turnID] = s

	go func() {
		<-s.done
		m.mu.Lock()
		delete(m.streams, turnID)
		m.mu.Unlock()
		m.logger.Debug("stream.turn.closed", "turn_id", turnID)
	}()

	return s, nil
}

// Get returns the live stream for a turn, or false if none is open.
func (m *Mux) Get(turnID string) (*TurnStream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[turnID]
	return s, ok
}

// Cancel aborts a live turn stream: in-flight work observes the stream's
// context ending, pending events are discarded, and the consumer receives a
// single terminal error event. Cancelling an unknown turn id is an error.
func (m *Mux) Cancel(turnID, reason string) error {
	s, ok := m.Get(turnID)
	if !ok {
		return fmt.Errorf("stream: no open turn %q", turnID)
	}
	s.Cancel(reason)
	return nil
}

// TurnStream is the ordered event stream of a single turn. Many producers may
// Publish concurrently; one consumer reads Events. The stream ends with
// exactly one terminal event, after which Events is closed.
type TurnStream struct {
	turnID string

	in   chan Event    // bounded buffer, producers block when full
	out  chan Event    // consumer side
	quit chan struct{} // closed on Cancel
	done chan struct{} // closed when the pump exits

	finishOnce sync.Once
	termCh     chan Event
	cancelTerm Event

	ctx       context.Context
	ctxCancel context.CancelFunc
}

func newTurnStream(turnID string, bufferSize int) *TurnStream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &TurnStream{
		turnID:    turnID,
		in:        make(chan Event, bufferSize),
		out:       make(chan Event),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		termCh:    make(chan Event, 1),
		ctx:       ctx,
		ctxCancel: cancel,
	}
	go s.pump()
	return s
}

// TurnID returns the turn this stream belongs to.
func (s *TurnStream) TurnID() string { return s.turnID }

// Context is cancelled when the stream is cancelled, letting producers abort
// in-flight work promptly.
func (s *TurnStream) Context() context.Context { return s.ctx }

// Events returns the consumer channel. It closes after the terminal event.
func (s *TurnStream) Events() <-chan Event { return s.out }

// Publish enqueues an event, blocking while the buffer is full. It returns
// ErrStreamClosed once the stream has finished, or ctx.Err() if the caller's
// context ends first.
func (s *TurnStream) Publish(ctx context.Context, ev Event) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	case <-s.quit:
		return ErrStreamClosed
	default:
	}

	select {
	case s.in <- ev:
		return nil
	case <-s.done:
		return ErrStreamClosed
	case <-s.quit:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Complete finishes the stream successfully: buffered events are delivered,
// then the given terminal event, then Events closes. Only the first
// Complete/Fail/Cancel takes effect.
func (s *TurnStream) Complete(ev Event) { s.finish(ev) }

// Fail finishes the stream with a terminal error event built from err.
func (s *TurnStream) Fail(err error) {
	ev := NewEvent(s.turnID, EventError)
	ev.Err = err.Error()
	s.finish(ev)
}

// Cancel aborts the stream: the stream context ends, buffered events are
// discarded and the consumer receives a terminal error event with the reason.
func (s *TurnStream) Cancel(reason string) {
	s.finishOnce.Do(func() {
		ev := NewEvent(s.turnID, EventError)
		ev.Err = fmt.Sprintf("turn cancelled: %s", reason)
		s.cancelTerm = ev
		s.ctxCancel()
		close(s.quit)
	})
}

func (s *TurnStream) finish(ev Event) {
	s.finishOnce.Do(func() {
		s.termCh <- ev
	})
}

// pump is the single goroutine that owns the out channel, which is what makes
// the terminal-event-then-close ordering airtight under concurrent producers.
func (s *TurnStream) pump() {
	defer close(s.done)
	defer close(s.out)
	defer s.ctxCancel()

	for {
		select {
		case <-s.quit:
			s.deliverCancel(s.cancelTerm)
			return
		case term := <-s.termCh:
			s.drainInto(term)
			return
		case ev := <-s.in:
			select {
			case s.out <- ev:
			case <-s.quit:
				s.deliverCancel(s.cancelTerm)
				return
			}
		}
	}
}

// drainInto forwards events already buffered before the terminal request,
// then the terminal event itself.
func (s *TurnStream) drainInto(term Event) {
	for {
		select {
		case ev := <-s.in:
			select {
			case s.out <- ev:
			case <-s.quit:
				s.deliverCancel(s.cancelTerm)
				return
			}
		default:
			s.deliver(term)
			return
		}
	}
}

// cancelGrace bounds how long the pump waits for a consumer to take the
// cancel terminal. Cancellation frequently races a consumer that already
// left (client disconnect is the canonical trigger), and an absent consumer
// must not pin the pump and the mux entry.
const cancelGrace = time.Second

// deliver hands the consumer the terminal event on the Complete/Fail path.
// Consumers read Events until it closes, so this send completes.
func (s *TurnStream) deliver(term Event) {
	s.out <- term
}

// deliverCancel hands over the cancel terminal. Unlike Complete/Fail, the
// consumer may be gone by the time the turn is cancelled, so the send gives
// up after cancelGrace and the stream closes without it.
func (s *TurnStream) deliverCancel(term Event) {
	t := time.NewTimer(cancelGrace)
	defer t.Stop()
	select {
	case s.out <- term:
	case <-t.C:
	}
}
