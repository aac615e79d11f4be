package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Pagination cursors encode the last-seen (effective_date, id) pair as opaque
// base64 JSON; the pair is the keyset for the (date, id) sort order.
type cursorPayload struct {
	Date string `json:"date"`
	ID   string `json:"id"`
}

func encodeCursor(date time.Time, id uuid.UUID) string {
	payload, _ := json.Marshal(cursorPayload{
		Date: date.Format("2006-01-02"),
		ID:   id.String(),
	})
	return base64.StdEncoding.EncodeToString(payload)
}

func decodeCursor(cursor string) (time.Time, uuid.UUID, error) {
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("invalid cursor: %w", err)
	}

	var payload cursorPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("invalid cursor: %w", err)
	}

	date, err := time.Parse("2006-01-02", payload.Date)
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("invalid cursor date: %w", err)
	}

	id, err := uuid.Parse(payload.ID)
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("invalid cursor id: %w", err)
	}

	return date, id, nil
}
