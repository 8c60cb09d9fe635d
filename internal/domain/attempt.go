package domain

import (
	"fmt"
	"strings"
	"time"
)

// DeliveryStatus represents the state of a delivery attempt row.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

func (s DeliveryStatus) String() string { return string(s) }

func (s DeliveryStatus) IsValid() bool {
	switch s {
	case DeliveryStatusPending, DeliveryStatusDelivered, DeliveryStatusFailed:
		return true
	}
	return false
}

func ParseDeliveryStatusFromString(s string) (DeliveryStatus, error) {
	st := DeliveryStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid delivery status %q", ErrValidation, s)
	}
	return st, nil
}

const (
	// MaxDeliveryAttempts caps sends per delivery row, first attempt included.
	MaxDeliveryAttempts   = 5
	MaxResponseBodyLength = 1000
	MaxAttemptErrorLength = 1000
	FirstRetryDelay       = 60 * time.Second
)

// DeliveryAttempt is the ledger row for one event delivered to one subscription.
type DeliveryAttempt struct {
	ID             string
	SubscriptionID string
	Event          Event
	Payload        []byte
	Status         DeliveryStatus
	StatusCode     *int
	ResponseBody   *string
	Error          *string
	DurationMs     int64
	Attempts       int
	NextRetryAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsTerminal reports whether the row will never be sent again.
func (a *DeliveryAttempt) IsTerminal() bool {
	if a == nil {
		return true
	}
	if a.Status == DeliveryStatusDelivered {
		return true
	}
	return a.Attempts >= MaxDeliveryAttempts || (a.Status == DeliveryStatusFailed && a.NextRetryAt == nil)
}

// RetryDelay returns the wait before the next send once attempts sends have failed.
// The first failure waits one minute; retries back off 2^attempts minutes.
func RetryDelay(attempts int) time.Duration {
	if attempts <= 1 {
		return FirstRetryDelay
	}
	return time.Duration(1<<attempts) * time.Minute
}

// NextRetryAt returns nil once the attempt budget is exhausted.
func NextRetryAt(now time.Time, attempts int) *time.Time {
	if attempts >= MaxDeliveryAttempts {
		return nil
	}
	next := now.Add(RetryDelay(attempts)).UTC()
	return &next
}
