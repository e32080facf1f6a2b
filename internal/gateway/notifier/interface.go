package notifier

import "context"

// TextNotifier is the channel a Dispatcher delivers to.
type TextNotifier interface {
	SendText(text string) error
}

// ContextSender is implemented by channels that honour a deadline; the
// dispatcher bounds each send with sendTimeout when it is available.
type ContextSender interface {
	SendTextContext(ctx context.Context, text string) error
}

// Notifier is what the engine and reconciler hold: fire-and-forget text
// plus structured cards.
type Notifier interface {
	Notify(text string)
	NotifyMessage(m StructuredMessage)
}

var (
	_ Notifier      = (*Dispatcher)(nil)
	_ ContextSender = (*Telegram)(nil)
	_ TextNotifier  = LogNotifier{}
)
