package subscribe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crmmirror/crmmirror/pkg/connection"
	"github.com/crmmirror/crmmirror/pkg/session"
	"github.com/crmmirror/crmmirror/pkg/transport"
)

type fakeStreamItem struct {
	msg *transport.Message
	err error
}

type fakeSub struct {
	items  chan fakeStreamItem
	acks   chan string
	nacks  chan string
	closed atomic.Bool
}

func newFakeSub() *fakeSub {
	return &fakeSub{
		items: make(chan fakeStreamItem, 16),
		acks:  make(chan string, 16),
		nacks: make(chan string, 16),
	}
}

func (f *fakeSub) Receive(ctx context.Context, timeout time.Duration) (*transport.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, nil
	case item, open := <-f.items:
		if !open {
			return nil, &transport.Error{Op: "receive", Err: errors.New("stream closed")}
		}
		return item.msg, item.err
	}
}

func (f *fakeSub) Ack(_ context.Context, msg *transport.Message) error {
	f.acks <- msg.ID
	return nil
}

func (f *fakeSub) Nack(_ context.Context, msg *transport.Message) error {
	f.nacks <- msg.ID
	return nil
}

func (f *fakeSub) Close() error {
	if f.closed.CompareAndSwap(false, true) {
		close(f.items)
	}
	return nil
}

type fakeTransport struct {
	mu         sync.Mutex
	subs       []*fakeSub
	subscribes int
	failNext   int
}

func (f *fakeTransport) Subscribe(context.Context, transport.SubscribeRequest) (transport.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.subscribes++
	if f.failNext > 0 {
		f.failNext--
		return nil, &transport.Error{Op: "dial", Err: errors.New("endpoint unavailable")}
	}
	sub := newFakeSub()
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeTransport) current() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

func (f *fakeTransport) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes
}

func testConns(logins *atomic.Int64) *connection.Cache {
	return connection.NewCache(session.NewCache(session.LoginFunc(
		func(_ context.Context, endpointKey string) (*session.LoginResult, error) {
			logins.Add(1)
			return &session.LoginResult{
				Token:         "tok",
				ServerBaseURL: "https://" + endpointKey + ".example.com",
				ExpiresAt:     time.Now().Add(time.Hour),
			}, nil
		})))
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond, msg)
}

func TestSubscription_handledMessageIsAcked(t *testing.T) {
	var logins atomic.Int64
	tr := &fakeTransport{}

	var handled []string
	var mu sync.Mutex
	sub := New(tr, testConns(&logins), HandlerFunc(func(_ context.Context, msg *transport.Message) error {
		mu.Lock()
		handled = append(handled, msg.ID)
		mu.Unlock()
		return nil
	}), "source", "/data/ChangeEvents")

	require.NoError(t, sub.Start(context.Background()))
	defer sub.Stop(context.Background())

	stream := tr.current()
	stream.items <- fakeStreamItem{msg: &transport.Message{ID: "evt-1"}}

	assert.Equal(t, "evt-1", <-stream.acks)
	mu.Lock()
	assert.Equal(t, []string{"evt-1"}, handled)
	mu.Unlock()

	received, acked, redelivered := sub.Counters()
	assert.Equal(t, int64(1), received)
	assert.Equal(t, int64(1), acked)
	assert.Equal(t, int64(0), redelivered)
}

func TestSubscription_unrecordedOutcomeIsNacked(t *testing.T) {
	var logins atomic.Int64
	tr := &fakeTransport{}

	sub := New(tr, testConns(&logins), HandlerFunc(func(context.Context, *transport.Message) error {
		return errors.New("store unavailable")
	}), "source", "/data/ChangeEvents")

	require.NoError(t, sub.Start(context.Background()))
	defer sub.Stop(context.Background())

	stream := tr.current()
	stream.items <- fakeStreamItem{msg: &transport.Message{ID: "evt-1"}}

	assert.Equal(t, "evt-1", <-stream.nacks)
	select {
	case id := <-stream.acks:
		t.Fatalf("event %s must not be acknowledged", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscription_reconnectsWithFreshSession(t *testing.T) {
	var logins atomic.Int64
	tr := &fakeTransport{}

	sub := New(tr, testConns(&logins),
		HandlerFunc(func(context.Context, *transport.Message) error { return nil }),
		"source", "/data/ChangeEvents",
		WithRetryDelay(time.Millisecond),
	)

	require.NoError(t, sub.Start(context.Background()))
	defer sub.Stop(context.Background())

	first := tr.current()
	first.items <- fakeStreamItem{err: &transport.Error{Op: "receive", Err: errors.New("connection reset")}}

	waitFor(t, func() bool { return tr.subscribeCount() >= 2 }, "a broken stream must be resubscribed")
	waitFor(t, func() bool { return sub.State() == StateSubscribed }, "subscription must settle after reconnect")

	assert.GreaterOrEqual(t, logins.Load(), int64(2), "reconnect must not reuse the invalidated session")

	// The replacement stream keeps delivering.
	second := tr.current()
	require.NotSame(t, first, second)
	second.items <- fakeStreamItem{msg: &transport.Message{ID: "evt-2"}}
	assert.Equal(t, "evt-2", <-second.acks)
}

func TestSubscription_reconnectRetriesUntilSuccess(t *testing.T) {
	var logins atomic.Int64
	tr := &fakeTransport{}

	sub := New(tr, testConns(&logins),
		HandlerFunc(func(context.Context, *transport.Message) error { return nil }),
		"source", "/data/ChangeEvents",
		WithRetryDelay(time.Millisecond),
	)

	require.NoError(t, sub.Start(context.Background()))
	defer sub.Stop(context.Background())

	tr.mu.Lock()
	tr.failNext = 2
	tr.mu.Unlock()

	tr.current().items <- fakeStreamItem{err: errors.New("connection reset")}

	waitFor(t, func() bool { return sub.State() == StateSubscribed }, "reconnect must keep retrying past failures")
	assert.GreaterOrEqual(t, tr.subscribeCount(), 4, "initial + 2 failed + 1 successful subscribe")
}

func TestSubscription_startFailureLeavesFailedState(t *testing.T) {
	var logins atomic.Int64
	tr := &fakeTransport{failNext: 1}

	sub := New(tr, testConns(&logins),
		HandlerFunc(func(context.Context, *transport.Message) error { return nil }),
		"source", "/data/ChangeEvents")

	require.Error(t, sub.Start(context.Background()))
	assert.Equal(t, StateFailed, sub.State())

	// A later Start recovers.
	require.NoError(t, sub.Start(context.Background()))
	defer sub.Stop(context.Background())
	assert.Equal(t, StateSubscribed, sub.State())
}

func TestSubscription_stopDrainsInFlightMessage(t *testing.T) {
	var logins atomic.Int64
	tr := &fakeTransport{}

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	sub := New(tr, testConns(&logins), HandlerFunc(func(context.Context, *transport.Message) error {
		close(entered)
		<-release
		finished.Store(true)
		return nil
	}), "source", "/data/ChangeEvents")

	require.NoError(t, sub.Start(context.Background()))

	tr.current().items <- fakeStreamItem{msg: &transport.Message{ID: "evt-1"}}
	<-entered

	stopDone := make(chan error, 1)
	go func() { stopDone <- sub.Stop(context.Background()) }()

	select {
	case <-stopDone:
		t.Fatal("stop must wait for the in-flight message")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-stopDone)
	assert.True(t, finished.Load(), "the in-flight message must finish before stop returns")
	assert.Equal(t, StateStopped, sub.State())
}

func TestSubscription_timedOutStopLeavesStoppingState(t *testing.T) {
	var logins atomic.Int64
	tr := &fakeTransport{}

	entered := make(chan struct{})
	release := make(chan struct{})

	sub := New(tr, testConns(&logins), HandlerFunc(func(context.Context, *transport.Message) error {
		close(entered)
		<-release
		return nil
	}), "source", "/data/ChangeEvents")

	require.NoError(t, sub.Start(context.Background()))

	tr.current().items <- fakeStreamItem{msg: &transport.Message{ID: "evt-1"}}
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sub.Stop(ctx), context.Canceled)

	assert.Equal(t, StateStopping, sub.State(), "a live worker must not be reported stopped")
	require.Error(t, sub.Start(context.Background()), "start must not overlap the draining worker")

	close(release)
	waitFor(t, func() bool { return sub.State() == StateStopped }, "the worker records the terminal state when it drains")

	require.NoError(t, sub.Start(context.Background()))
	require.NoError(t, sub.Stop(context.Background()))
}

func TestSubscription_lifecycleGuards(t *testing.T) {
	var logins atomic.Int64
	tr := &fakeTransport{}

	sub := New(tr, testConns(&logins),
		HandlerFunc(func(context.Context, *transport.Message) error { return nil }),
		"source", "/data/ChangeEvents")

	require.Error(t, sub.Stop(context.Background()), "stopping a stopped subscription is rejected")

	require.NoError(t, sub.Start(context.Background()))
	require.Error(t, sub.Start(context.Background()), "starting a running subscription is rejected")

	require.NoError(t, sub.Stop(context.Background()))
	require.NoError(t, sub.Start(context.Background()), "restart after stop")
	require.NoError(t, sub.Stop(context.Background()))
}

func TestState_transitions(t *testing.T) {
	_, err := StateStopped.TransitionTo(StateReceiving)
	require.Error(t, err)

	next, err := StateReceiving.TransitionTo(StateReconnecting)
	require.NoError(t, err)
	assert.Equal(t, StateReconnecting, next)

	assert.Equal(t, "RECONNECTING", next.String())
}
