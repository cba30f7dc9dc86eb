// Package subscribe owns the change-event subscription lifecycle:
// opening the stream, receiving and decoding events, acknowledging
// them after durable handling, and reconnecting when the stream
// degrades.
package subscribe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/buger/jsonparser"

	"github.com/crmmirror/crmmirror/pkg/models"
	"github.com/crmmirror/crmmirror/pkg/transport"
)

// DecodeError reports an event document that could not be turned into
// a change record. The event itself is still acknowledgeable; the
// failure is recorded in the sync log instead of wedging the stream.
type DecodeError struct {
	EventID string
	Reason  string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decoding event %s: %s: %v", e.EventID, e.Reason, e.Err)
	}
	return fmt.Sprintf("decoding event %s: %s", e.EventID, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder turns transport messages into change records. Field sourcing
// is forgiving: headers are preferred, then well-known body fields,
// because the platform varies the envelope between event versions.
type Decoder struct {
	now func() time.Time
}

// NewDecoder returns a Decoder using the wall clock.
func NewDecoder() *Decoder {
	return &Decoder{now: time.Now}
}

// Decode extracts a change record from msg.
//
// Object type comes from the objectType header, then the body's
// entityName, then the body's objectType. Record id comes from the
// recordId header, then the body's id, then the body's recordId. The
// operation defaults to UPDATE when absent. Field values come from the
// body's payload node, then its data node, then the whole body.
func (d *Decoder) Decode(msg *transport.Message) (*models.ChangeRecord, error) {
	if msg == nil {
		return nil, &DecodeError{Reason: "nil message"}
	}
	if len(msg.Body) == 0 && len(msg.Metadata) == 0 {
		return nil, &DecodeError{EventID: msg.ID, Reason: "empty event"}
	}

	objectType := firstValue(
		msg.Metadata["objectType"],
		bodyString(msg.Body, "entityName"),
		bodyString(msg.Body, "objectType"),
	)
	if objectType == "" {
		return nil, &DecodeError{EventID: msg.ID, Reason: "no object type in headers or body"}
	}

	recordID := firstValue(
		msg.Metadata["recordId"],
		bodyString(msg.Body, "id"),
		bodyString(msg.Body, "recordId"),
	)
	if recordID == "" {
		return nil, &DecodeError{EventID: msg.ID, Reason: "no record id in headers or body"}
	}

	operation := models.ParseOperationKind(firstValue(
		msg.Metadata["changeType"],
		bodyString(msg.Body, "changeType"),
	))

	fields, err := d.fieldValues(msg.Body)
	if err != nil {
		return nil, &DecodeError{EventID: msg.ID, Reason: "unparseable payload", Err: err}
	}

	sourceTS := d.now()
	if raw := bodyString(msg.Body, "timestamp"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			sourceTS = ts
		}
	}

	return &models.ChangeRecord{
		ObjectType:      objectType,
		RecordID:        recordID,
		Operation:       operation,
		FieldValues:     fields,
		SourceTimestamp: sourceTS,
		AckHandle:       msg.ID,
	}, nil
}

func (d *Decoder) fieldValues(body []byte) (map[string]any, error) {
	if len(body) == 0 {
		return map[string]any{}, nil
	}

	payload := body
	for _, key := range []string{"payload", "data"} {
		if node, dataType, _, err := jsonparser.Get(body, key); err == nil && dataType == jsonparser.Object {
			payload = node
			break
		}
	}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func bodyString(body []byte, key string) string {
	if len(body) == 0 {
		return ""
	}
	v, err := jsonparser.GetString(body, key)
	if err != nil {
		return ""
	}
	return v
}

func firstValue(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
