package domain

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
)

// SubscriptionStatus represents the lifecycle state of a webhook subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPaused   SubscriptionStatus = "paused"
	SubscriptionStatusDisabled SubscriptionStatus = "disabled"
)

func (s SubscriptionStatus) String() string { return string(s) }

func (s SubscriptionStatus) IsValid() bool {
	switch s {
	case SubscriptionStatusActive, SubscriptionStatusPaused, SubscriptionStatusDisabled:
		return true
	}
	return false
}

func ParseSubscriptionStatusFromString(s string) (SubscriptionStatus, error) {
	st := SubscriptionStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid subscription status %q", ErrValidation, s)
	}
	return st, nil
}

const (
	// DefaultFailureThreshold is the number of consecutive failures after which
	// an active subscription is disabled.
	DefaultFailureThreshold = 5
	MaxLastErrorLength      = 500
	MaxNameLength           = 255
	MaxURLLength            = 2048
)

// Subscription is a third-party endpoint registered to receive platform events.
type Subscription struct {
	ID                  string
	OwnerID             string
	Name                string
	URL                 string
	Secret              string
	Events              []Event
	Status              SubscriptionStatus
	ConsecutiveFailures int
	LastAttemptAt       *time.Time
	LastSuccessAt       *time.Time
	LastErrorAt         *time.Time
	LastError           *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	DeletedAt           *time.Time
}

// SubscribesTo reports whether the subscription's event set contains event.
func (s *Subscription) SubscribesTo(event Event) bool {
	if s == nil {
		return false
	}
	return slices.Contains(s.Events, event)
}

func (s *Subscription) Validate() error {
	if strings.TrimSpace(s.OwnerID) == "" {
		return fmt.Errorf("%w: owner is required", ErrValidation)
	}
	if len([]rune(s.Name)) > MaxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrValidation, MaxNameLength)
	}
	if err := ValidateTargetURL(s.URL); err != nil {
		return err
	}
	if len(s.Events) == 0 {
		return fmt.Errorf("%w: at least one event is required", ErrValidation)
	}
	if !s.Status.IsValid() {
		return fmt.Errorf("%w: invalid subscription status %q", ErrValidation, s.Status)
	}
	return nil
}

// ValidateTargetURL accepts absolute http(s) URLs with a host.
func ValidateTargetURL(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fmt.Errorf("%w: url is required", ErrValidation)
	}
	if len(trimmed) > MaxURLLength {
		return fmt.Errorf("%w: url exceeds %d characters", ErrValidation, MaxURLLength)
	}

	parsed, err := url.ParseRequestURI(trimmed)
	if err != nil {
		return fmt.Errorf("%w: invalid url %q", ErrValidation, raw)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: url scheme must be http or https", ErrValidation)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: url host is required", ErrValidation)
	}
	return nil
}

// NormalizeEvents parses, deduplicates and sorts event names.
func NormalizeEvents(raw []string) ([]Event, error) {
	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		ev, err := ParseEventFromString(item)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	slices.Sort(events)
	return slices.Compact(events), nil
}

// Truncate shortens s to at most limit bytes without splitting a UTF-8 sequence.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
