package subscribe

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/crmmirror/crmmirror/pkg/connection"
	"github.com/crmmirror/crmmirror/pkg/transport"
)

const (
	// DefaultReceiveTimeout is how long one receive window waits before
	// the loop comes back around. An empty window is not a failure.
	DefaultReceiveTimeout = 60 * time.Second

	// DefaultRetryDelay is the pause between reconnection attempts.
	DefaultRetryDelay = 30 * time.Second
)

// State is the lifecycle state of a subscription.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateSubscribed
	StateReceiving
	StateReconnecting
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateReceiving:
		return "RECEIVING"
	case StateReconnecting:
		return "RECONNECTING"
	case StateStopping:
		return "STOPPING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// TransitionTo validates a state change and returns the new state.
func (s State) TransitionTo(newState State) (State, error) {
	switch s {
	case StateStopped:
		if newState == StateStarting {
			return newState, nil
		}
	case StateStarting:
		switch newState {
		case StateSubscribed, StateFailed, StateStopping:
			return newState, nil
		}
	case StateSubscribed:
		switch newState {
		case StateReceiving, StateReconnecting, StateStopping, StateFailed:
			return newState, nil
		}
	case StateReceiving:
		switch newState {
		case StateSubscribed, StateReconnecting, StateStopping, StateFailed:
			return newState, nil
		}
	case StateReconnecting:
		switch newState {
		case StateSubscribed, StateStopping, StateFailed:
			return newState, nil
		}
	case StateStopping:
		if newState == StateStopped {
			return newState, nil
		}
	case StateFailed:
		switch newState {
		case StateStarting, StateStopped, StateStopping:
			return newState, nil
		}
	}

	return s, fmt.Errorf("invalid state transition from %v to %v", s, newState)
}

// Handler processes one delivered message. A nil return means the
// outcome was durably recorded, including recorded failures, and the
// message may be acknowledged. A non-nil return leaves the message
// unsettled so the platform redelivers it.
type Handler interface {
	HandleMessage(ctx context.Context, msg *transport.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *transport.Message) error

func (f HandlerFunc) HandleMessage(ctx context.Context, msg *transport.Message) error {
	return f(ctx, msg)
}

// Subscription owns one change-event stream for one endpoint and
// topic. It reconnects on stream failure with a fresh session, and it
// never acknowledges a message whose outcome was not durably recorded.
type Subscription struct {
	transport transport.Transport
	conns     *connection.Cache
	handler   Handler

	endpointKey string
	topic       string

	receiveTimeout time.Duration
	retryDelay     time.Duration
	logger         zerolog.Logger

	mu       sync.Mutex
	state    State
	stream   transport.Subscription
	closeCh  chan struct{}
	loopDone chan struct{}

	received  atomic.Int64
	acked     atomic.Int64
	redelived atomic.Int64
}

// SubOption configures a Subscription.
type SubOption func(*Subscription)

// WithReceiveTimeout sets the receive window length.
func WithReceiveTimeout(d time.Duration) SubOption {
	return func(s *Subscription) { s.receiveTimeout = d }
}

// WithRetryDelay sets the pause between reconnection attempts.
func WithRetryDelay(d time.Duration) SubOption {
	return func(s *Subscription) { s.retryDelay = d }
}

// WithLogger sets the subscription logger.
func WithLogger(l zerolog.Logger) SubOption {
	return func(s *Subscription) { s.logger = l }
}

// New returns a Subscription in the stopped state.
func New(tr transport.Transport, conns *connection.Cache, handler Handler, endpointKey, topic string, opts ...SubOption) *Subscription {
	s := &Subscription{
		transport:      tr,
		conns:          conns,
		handler:        handler,
		endpointKey:    endpointKey,
		topic:          topic,
		receiveTimeout: DefaultReceiveTimeout,
		retryDelay:     DefaultRetryDelay,
		logger:         zerolog.Nop(),
		state:          StateStopped,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Subscription) transitionTo(newState State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.state.TransitionTo(newState)
	if err != nil {
		return err
	}

	s.logger.Debug().
		Stringer("from", s.state).
		Stringer("to", next).
		Msg("subscription state transition")
	s.state = next
	return nil
}

func (s *Subscription) mustTransitionTo(newState State) {
	if err := s.transitionTo(newState); err != nil {
		panic(fmt.Sprintf("BUG: %v", err))
	}
}

// State returns the current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsSubscribed reports whether the stream is open.
func (s *Subscription) IsSubscribed() bool {
	switch s.State() {
	case StateSubscribed, StateReceiving, StateReconnecting:
		return true
	}
	return false
}

// Counters returns received, acknowledged and redelivery-requested
// event counts since the subscription was created.
func (s *Subscription) Counters() (received, acked, redelivered int64) {
	return s.received.Load(), s.acked.Load(), s.redelived.Load()
}

// Start opens the stream and launches the receive loop. Starting an
// already running subscription is an error; after a failed Start the
// subscription is left in the failed state and Start may be called
// again.
func (s *Subscription) Start(ctx context.Context) error {
	if err := s.transitionTo(StateStarting); err != nil {
		return err
	}

	stream, err := s.open(ctx)
	if err != nil {
		s.mustTransitionTo(StateFailed)
		return fmt.Errorf("opening change event stream: %w", err)
	}

	s.mu.Lock()
	s.stream = stream
	s.closeCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.mu.Unlock()

	s.mustTransitionTo(StateSubscribed)
	go s.receiveLoop()

	s.logger.Info().
		Str("endpoint", s.endpointKey).
		Str("topic", s.topic).
		Msg("subscription started")
	return nil
}

// Stop closes the stream and waits for the receive loop to drain. A
// message already handed to the handler finishes before Stop returns,
// bounded by ctx. If ctx expires first the subscription stays in the
// stopping state until the loop exits, so a racing Start cannot
// overlap a live worker.
func (s *Subscription) Stop(ctx context.Context) error {
	if err := s.transitionTo(StateStopping); err != nil {
		return err
	}

	s.mu.Lock()
	closeCh, loopDone, stream := s.closeCh, s.loopDone, s.stream
	s.stream = nil
	s.mu.Unlock()

	if closeCh != nil {
		close(closeCh)
	}

	// Closing the stream unblocks a receive in progress. The loop sees
	// the stopping state and exits instead of reconnecting.
	if stream != nil {
		if err := stream.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("closing stream on stop")
		}
	}

	if loopDone != nil {
		select {
		case <-loopDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// The loop records STOPPED itself when Stop gave up waiting on an
	// earlier call; tolerate the transition having already happened.
	_ = s.transitionTo(StateStopped)

	s.logger.Info().Str("endpoint", s.endpointKey).Msg("subscription stopped")
	return nil
}

func (s *Subscription) open(ctx context.Context) (transport.Subscription, error) {
	conn, err := s.conns.Get(ctx, s.endpointKey, connection.ProtocolStreaming)
	if err != nil {
		return nil, err
	}

	return s.transport.Subscribe(ctx, transport.SubscribeRequest{
		ServiceURL: conn.ServiceURL,
		Token:      conn.Session.Token,
		Topic:      s.topic,
	})
}

// receiveLoop is the single consumer of the stream. Handling uses a
// background context so an in-flight record is never cancelled by
// Stop; the loop re-checks the close channel between messages.
func (s *Subscription) receiveLoop() {
	defer func() {
		// When a timed-out Stop stopped waiting, nobody else will move
		// the machine out of the stopping state.
		_ = s.transitionTo(StateStopped)
		close(s.loopDone)
	}()

	ctx := context.Background()
	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		s.mu.Lock()
		stream := s.stream
		s.mu.Unlock()
		if stream == nil {
			return
		}

		msg, err := stream.Receive(ctx, s.receiveTimeout)
		if err != nil {
			s.logger.Warn().Err(err).Msg("stream receive failed, reconnecting")
			if !s.reconnect(ctx) {
				return
			}
			continue
		}
		if msg == nil {
			s.logger.Debug().Msg("receive window elapsed without events")
			continue
		}

		s.received.Add(1)
		s.dispatch(ctx, stream, msg)
	}
}

func (s *Subscription) dispatch(ctx context.Context, stream transport.Subscription, msg *transport.Message) {
	if err := s.transitionTo(StateReceiving); err == nil {
		// Stop may have moved the state on while the handler ran, in
		// which case the stopping path owns the machine from here.
		defer func() { _ = s.transitionTo(StateSubscribed) }()
	}

	if err := s.handler.HandleMessage(ctx, msg); err != nil {
		s.redelived.Add(1)
		s.logger.Warn().
			Str("event_id", msg.ID).
			Err(err).
			Msg("handler could not record outcome, requesting redelivery")
		if nerr := stream.Nack(ctx, msg); nerr != nil {
			s.logger.Warn().Str("event_id", msg.ID).Err(nerr).Msg("nack failed")
		}
		return
	}

	if err := stream.Ack(ctx, msg); err != nil {
		s.logger.Warn().Str("event_id", msg.ID).Err(err).Msg("ack failed")
		return
	}
	s.acked.Add(1)
}

// reconnect tears the stream down, invalidates the endpoint's session
// and retries the subscribe until it succeeds or the subscription is
// stopped. Returns false when the loop should exit.
func (s *Subscription) reconnect(ctx context.Context) bool {
	if err := s.transitionTo(StateReconnecting); err != nil {
		return false
	}

	s.mu.Lock()
	if s.stream != nil {
		s.stream.Close()
		s.stream = nil
	}
	s.mu.Unlock()

	for attempt := 1; ; attempt++ {
		// A broken stream often means a stale session. Rebuild both.
		s.conns.InvalidateSession(s.endpointKey)

		stream, err := s.open(ctx)
		if err == nil {
			s.mu.Lock()
			s.stream = stream
			s.mu.Unlock()
			s.mustTransitionTo(StateSubscribed)
			s.logger.Info().Int("attempt", attempt).Msg("resubscribed after stream failure")
			return true
		}

		s.logger.Warn().
			Int("attempt", attempt).
			Dur("retry_delay", s.retryDelay).
			Err(err).
			Msg("resubscribe failed")

		select {
		case <-s.closeCh:
			return false
		case <-time.After(s.retryDelay):
		}
	}
}
