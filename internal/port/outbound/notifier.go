package outbound

import "context"

// Failure describes a server-side failure worth telling operators about.
type Failure struct {
	Transport string
	Route     string
	Status    int
	Message   string
	Cause     string
	RequestID string
}

// Notifier sends failure notifications to an external channel.
type Notifier interface {
	Notify(ctx context.Context, f Failure) error
}
