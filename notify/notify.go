package notify

import (
	"context"
	"errors"
	"fmt"
)

// Priority levels understood by ntfy. Other transports map them as best they can.
const (
	PriorityMin     = "min"
	PriorityLow     = "low"
	PriorityDefault = "default"
	PriorityHigh    = "high"
	PriorityUrgent  = "urgent"
)

// Message is one outbound notification.
type Message struct {
	Title    string
	Body     string
	Priority string
	Click    string // URL opened when the notification is tapped
	Tags     []string
}

// Notifier delivers a message. A nil error means the remote end accepted it.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// NotifyError reports a failed delivery to one target.
type NotifyError struct {
	Target string
	Err    error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("notify %s: %v", e.Target, e.Err)
}

func (e *NotifyError) Unwrap() error {
	return e.Err
}

// StatusError is a non-success response from the remote end.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// Retryable reports whether a failed send may succeed if repeated.
// Client errors other than 429 and cancellation are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == 429 || se.Code >= 500
	}
	return true
}

// ValidPriority reports whether p is one of the known priority names.
func ValidPriority(p string) bool {
	switch p {
	case PriorityMin, PriorityLow, PriorityDefault, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}
