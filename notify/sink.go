// Package notify defines the fire-and-forget notification contract. Delivery
// transport lives outside the core; failures here are logged, never
// propagated, because notification is advisory rather than part of the system
// of record.
package notify

import (
	"context"
	"log/slog"
)

// Sink delivers a message to one account. Implementations belong to the
// surrounding gateway layer.
type Sink interface {
	Notify(ctx context.Context, accountID, message string) error
}

// Dispatcher wraps a Sink with the documented fire-and-forget semantics:
// send errors are logged and swallowed. A nil sink drops messages silently,
// which keeps the core runnable without a gateway attached.
type Dispatcher struct {
	sink Sink
	log  *slog.Logger
}

func NewDispatcher(sink Sink, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{sink: sink, log: log}
}

// Send delivers the message best-effort.
func (d *Dispatcher) Send(ctx context.Context, accountID, message string) {
	if d == nil || d.sink == nil || accountID == "" {
		return
	}
	if err := d.sink.Notify(ctx, accountID, message); err != nil {
		d.log.Warn("notification dropped", "account_id", accountID, "error", err)
	}
}

// Broadcast delivers the message to every listed account, best-effort each.
func (d *Dispatcher) Broadcast(ctx context.Context, accountIDs []string, message string) {
	for _, id := range accountIDs {
		d.Send(ctx, id, message)
	}
}
