package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/webhook-engine/internal/domain"
)

// EventMessage is the broker payload for an event awaiting dispatch.
type EventMessage struct {
	EventID    string          `json:"eventId"`
	Event      domain.Event    `json:"event"`
	Data       json.RawMessage `json:"data,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

func (m EventMessage) Validate() error {
	if strings.TrimSpace(m.EventID) == "" {
		return fmt.Errorf("eventId is required")
	}
	if _, err := domain.ParseEventFromString(m.Event.String()); err != nil {
		return err
	}
	if len(m.Data) > 0 && !json.Valid(m.Data) {
		return fmt.Errorf("data must be valid JSON")
	}
	return nil
}
