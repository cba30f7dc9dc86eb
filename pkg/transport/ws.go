package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/crmmirror/crmmirror/internal/rand"
	"github.com/crmmirror/crmmirror/pkg/codec"
)

const (
	// RequestIDLength is the size of the id attached to outbound frames.
	RequestIDLength = 16

	// CloseMessageCode is sent on a clean shutdown.
	CloseMessageCode = 1000

	// DefaultHandshakeTimeout bounds the subscribe round trip.
	DefaultHandshakeTimeout = 30 * time.Second
)

// Frame actions understood by the streaming endpoint.
const (
	actionSubscribe  = "subscribe"
	actionSubscribed = "subscribed"
	actionEvent      = "event"
	actionHeartbeat  = "heartbeat"
	actionAck        = "ack"
	actionNack       = "nack"
	actionError      = "error"
)

type frame struct {
	ID       string            `json:"id,omitempty" cbor:"id,omitempty"`
	Action   string            `json:"action" cbor:"action"`
	Topic    string            `json:"topic,omitempty" cbor:"topic,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty" cbor:"metadata,omitempty"`
	Body     []byte            `json:"body,omitempty" cbor:"body,omitempty"`
	Error    string            `json:"error,omitempty" cbor:"error,omitempty"`
}

// WebSocketTransport implements Transport over gorilla websockets.
type WebSocketTransport struct {
	codec            codec.Codec
	handshakeTimeout time.Duration
	logger           zerolog.Logger
	dialer           *gorilla.Dialer
}

// WSOption configures a WebSocketTransport.
type WSOption func(*WebSocketTransport)

// WithCodec overrides the frame codec. The default is JSON.
func WithCodec(c codec.Codec) WSOption {
	return func(t *WebSocketTransport) { t.codec = c }
}

// WithHandshakeTimeout bounds the subscribe round trip.
func WithHandshakeTimeout(d time.Duration) WSOption {
	return func(t *WebSocketTransport) { t.handshakeTimeout = d }
}

// WithLogger sets the transport logger.
func WithLogger(l zerolog.Logger) WSOption {
	return func(t *WebSocketTransport) { t.logger = l }
}

// NewWebSocket returns a websocket Transport.
func NewWebSocket(opts ...WSOption) *WebSocketTransport {
	dialer := *gorilla.DefaultDialer
	dialer.EnableCompression = true

	t := &WebSocketTransport{
		codec:            codec.JSON{},
		handshakeTimeout: DefaultHandshakeTimeout,
		logger:           zerolog.Nop(),
		dialer:           &dialer,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Subscribe dials the streaming endpoint, sends a subscribe frame and
// waits for the confirmation before handing the stream to the caller.
func (t *WebSocketTransport) Subscribe(ctx context.Context, req SubscribeRequest) (Subscription, error) {
	header := http.Header{}
	if req.Token != "" {
		header.Set("Authorization", "Bearer "+req.Token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.handshakeTimeout)
	defer cancel()

	conn, _, err := t.dialer.DialContext(dialCtx, req.ServiceURL, header)
	if err != nil {
		return nil, &Error{Op: "dial", Err: err}
	}

	sub := &wsSubscription{
		conn:   conn,
		codec:  t.codec,
		logger: t.logger.With().Str("topic", req.Topic).Logger(),
		frames: make(chan *frame),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}

	id := rand.NewRequestID(RequestIDLength)
	if err := sub.writeFrame(&frame{ID: id, Action: actionSubscribe, Topic: req.Topic}); err != nil {
		conn.Close()
		return nil, &Error{Op: "subscribe", Err: err}
	}

	ackFrame, err := sub.readFrame(t.handshakeTimeout)
	if err != nil {
		conn.Close()
		return nil, &Error{Op: "subscribe", Err: err}
	}
	if ackFrame.Action != actionSubscribed || ackFrame.ID != id {
		conn.Close()
		msg := "unexpected handshake response"
		if ackFrame.Error != "" {
			msg = ackFrame.Error
		}
		return nil, &Error{Op: "subscribe", Err: errors.New(msg)}
	}

	// Handshake done, hand the connection to the read pump. No read
	// deadline from here on: liveness is the subscription layer's call.
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, &Error{Op: "subscribe", Err: err}
	}
	go sub.readPump()

	sub.logger.Info().Str("url", req.ServiceURL).Msg("subscribed to change event stream")
	return sub, nil
}

type wsSubscription struct {
	conn   *gorilla.Conn
	codec  codec.Codec
	logger zerolog.Logger

	frames chan *frame
	errs   chan error
	done   chan struct{}

	writeLock sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// readPump owns all reads after the handshake and forwards frames to
// Receive. A read error ends the pump; Receive surfaces it once.
func (s *wsSubscription) readPump() {
	defer close(s.frames)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case s.errs <- err:
			default:
			}
			return
		}

		var f frame
		if err := s.codec.Unmarshal(data, &f); err != nil {
			select {
			case s.errs <- fmt.Errorf("decoding frame: %w", err):
			default:
			}
			return
		}

		select {
		case s.frames <- &f:
		case <-s.done:
			return
		}
	}
}

// Receive waits for the next event frame. Heartbeats are consumed
// silently within the window. The (nil, nil) return means the window
// elapsed with the stream still healthy.
func (s *wsSubscription) Receive(ctx context.Context, timeout time.Duration) (*Message, error) {
	window := time.After(timeout)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-window:
			return nil, nil
		case f, open := <-s.frames:
			if !open {
				select {
				case err := <-s.errs:
					return nil, &Error{Op: "receive", Err: err}
				default:
					return nil, &Error{Op: "receive", Err: errors.New("stream closed")}
				}
			}

			switch f.Action {
			case actionEvent:
				return &Message{
					ID:       f.ID,
					Topic:    f.Topic,
					Metadata: f.Metadata,
					Body:     f.Body,
				}, nil
			case actionHeartbeat:
				continue
			case actionError:
				return nil, &Error{Op: "receive", Err: errors.New(f.Error)}
			default:
				s.logger.Debug().Str("action", f.Action).Msg("ignoring unexpected frame")
			}
		}
	}
}

// Ack settles msg so the platform will not redeliver it.
func (s *wsSubscription) Ack(_ context.Context, msg *Message) error {
	if err := s.writeFrame(&frame{ID: msg.ID, Action: actionAck}); err != nil {
		return &Error{Op: "ack", Err: err}
	}
	return nil
}

// Nack asks the platform to redeliver msg.
func (s *wsSubscription) Nack(_ context.Context, msg *Message) error {
	if err := s.writeFrame(&frame{ID: msg.ID, Action: actionNack}); err != nil {
		return &Error{Op: "nack", Err: err}
	}
	return nil
}

func (s *wsSubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		s.writeLock.Lock()
		err := s.conn.WriteMessage(gorilla.CloseMessage,
			gorilla.FormatCloseMessage(CloseMessageCode, ""))
		s.writeLock.Unlock()

		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
		s.closeErr = err
	})
	return s.closeErr
}

func (s *wsSubscription) writeFrame(f *frame) error {
	data, err := s.codec.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	return s.conn.WriteMessage(gorilla.TextMessage, data)
}

// readFrame is only used during the handshake, before the read pump
// takes over the connection.
func (s *wsSubscription) readFrame(timeout time.Duration) (*frame, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var f frame
	if err := s.codec.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	return &f, nil
}
