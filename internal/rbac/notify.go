package rbac

import "context"

// Notifier delivers best-effort messages to users. The core never awaits
// delivery confirmation: dispatch happens after the state mutation commits and
// a failed send is logged and discarded, never rolled into the operation's
// result.
type Notifier interface {
	Notify(ctx context.Context, recipients []string, title, message string, meta map[string]string) error
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, []string, string, string, map[string]string) error {
	return nil
}
