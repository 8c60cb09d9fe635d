package provider

import "context"

// Provider is the outbound webhook delivery port.
type Provider interface {
	Send(ctx context.Context, req SendRequest) Outcome
}

// SendRequest carries everything needed for one signed POST.
type SendRequest struct {
	URL        string
	Envelope   []byte
	Signature  string
	DeliveryID string
	Timestamp  string
}

// Outcome is the classified result of one send. Err is nil only when OK is true.
type Outcome struct {
	OK         bool
	StatusCode *int
	Body       string
	DurationMs int64
	Err        error
}

// Reason returns the failure reason recorded for audit.
func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
