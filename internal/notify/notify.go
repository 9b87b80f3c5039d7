// Package notify delivers operator-facing alerts. Delivery is best-effort;
// failures are logged by callers and never block the control plane.
package notify

import "context"

// Notifier delivers one alert message to an external channel.
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// Noop discards all notifications.
type Noop struct{}

func (Noop) Notify(ctx context.Context, title, message string) error { return nil }
