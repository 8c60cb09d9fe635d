package domain

import (
	"fmt"
	"strings"
)

// Event is the name of a platform event delivered to webhook subscribers.
type Event string

// Catalog entries are never renamed; new events are appended.
const (
	EventProjectCreated       Event = "project.created"
	EventProjectFunded        Event = "project.funded"
	EventProjectCompleted     Event = "project.completed"
	EventLoanCreated          Event = "loan.created"
	EventLoanFunded           Event = "loan.funded"
	EventLoanRepaid           Event = "loan.repaid"
	EventLoanDefaulted        Event = "loan.defaulted"
	EventContributionReceived Event = "contribution.received"
	EventCommunityMilestone   Event = "community.milestone"
	EventUserBadgeEarned      Event = "user.badge_earned"
)

var eventCatalog = []Event{
	EventProjectCreated,
	EventProjectFunded,
	EventProjectCompleted,
	EventLoanCreated,
	EventLoanFunded,
	EventLoanRepaid,
	EventLoanDefaulted,
	EventContributionReceived,
	EventCommunityMilestone,
	EventUserBadgeEarned,
}

func (e Event) String() string { return string(e) }

// IsKnown reports whether the event is part of the published catalog.
func (e Event) IsKnown() bool {
	for _, known := range eventCatalog {
		if e == known {
			return true
		}
	}
	return false
}

// EventCatalog returns a copy of the published event names.
func EventCatalog() []Event {
	events := make([]Event, len(eventCatalog))
	copy(events, eventCatalog)
	return events
}

func ParseEventFromString(s string) (Event, error) {
	ev := Event(strings.ToLower(strings.TrimSpace(s)))
	if ev == "" {
		return "", fmt.Errorf("%w: event is required", ErrValidation)
	}
	if strings.ContainsAny(string(ev), ", \t\n") {
		return "", fmt.Errorf("%w: invalid event name %q", ErrValidation, s)
	}
	return ev, nil
}
