package extraction

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/Kioku/common/spec/envelope"
	"github.com/bdobrica/Kioku/internal/kioku/apperr"
	"github.com/bdobrica/Kioku/internal/kioku/memory"
)

// Enqueue publishes a memory.extract event for ownerID and returns the
// event id. Text is trimmed and cut to MaxInputChars.
func Enqueue(ctx context.Context, q Queue, ownerID, text, source string, now time.Time) (string, error) {
	const op = "extraction.enqueue"
	text = strings.TrimSpace(text)
	if ownerID == "" {
		return "", apperr.Validation(op, "ownerId is required")
	}
	if text == "" {
		return "", apperr.Validation(op, "text is required")
	}
	evt := &envelope.Event{
		ID:   uuid.NewString(),
		Type: envelope.TypeMemoryExtract,
		TS:   now,
		Payload: envelope.EventPayload{
			OwnerID: ownerID,
			Text:    Truncate(text, MaxInputChars),
			Source:  string(memory.ParseSource(source)),
		},
	}
	if err := q.Publish(ctx, evt); err != nil {
		return "", err
	}
	return evt.ID, nil
}
