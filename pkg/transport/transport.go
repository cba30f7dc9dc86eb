// Package transport carries change events from the remote platform's
// streaming surface to the subscription layer. The wire protocol is
// frame oriented: subscribe, event, ack and nack frames, each encoded
// with the configured codec.
package transport

import (
	"context"
	"fmt"
	"time"
)

// Message is one change event as delivered by the platform. Body holds
// the raw event document; decoding is the subscription layer's job so
// that a malformed document can still be acknowledged.
type Message struct {
	ID       string
	Topic    string
	Metadata map[string]string
	Body     []byte
}

// SubscribeRequest carries everything needed to open one subscription.
type SubscribeRequest struct {
	ServiceURL string
	Token      string
	Topic      string
}

// Transport opens subscriptions against a streaming endpoint.
type Transport interface {
	Subscribe(ctx context.Context, req SubscribeRequest) (Subscription, error)
}

// Subscription is one open event stream.
//
// Receive blocks for up to timeout and returns (nil, nil) when the
// window elapses without an event, so callers can distinguish a quiet
// stream from a broken one. Ack and Nack settle a delivered message;
// a nacked or unsettled message is redelivered by the platform.
type Subscription interface {
	Receive(ctx context.Context, timeout time.Duration) (*Message, error)
	Ack(ctx context.Context, msg *Message) error
	Nack(ctx context.Context, msg *Message) error
	Close() error
}

// Error wraps a transport failure with the operation that hit it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
