package syncer

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/crmmirror/crmmirror/pkg/subscribe"
	"github.com/crmmirror/crmmirror/pkg/transport"
)

// Handler bridges the subscription to the synchronizer: decode the
// message, apply it, and report whether the outcome is durable.
type Handler struct {
	decoder *subscribe.Decoder
	sync    *Synchronizer
	logger  zerolog.Logger
}

var _ subscribe.Handler = (*Handler)(nil)

// NewHandler returns a message handler feeding the synchronizer.
func NewHandler(decoder *subscribe.Decoder, sync *Synchronizer, logger zerolog.Logger) *Handler {
	return &Handler{decoder: decoder, sync: sync, logger: logger}
}

// HandleMessage decodes and applies one message. A nil return means
// the outcome is durably recorded and the message may be acknowledged.
func (h *Handler) HandleMessage(ctx context.Context, msg *transport.Message) error {
	rec, err := h.decoder.Decode(msg)
	if err != nil {
		var derr *subscribe.DecodeError
		if errors.As(err, &derr) {
			// A malformed event never becomes well formed on
			// redelivery. Record the failure and let it be acked.
			return h.sync.RecordDecodeFailure(ctx, msg.ID, msg.Metadata["objectType"], derr)
		}
		return err
	}

	outcome := h.sync.Apply(ctx, rec)
	if !outcome.Durable {
		return outcome.Err
	}
	return nil
}
