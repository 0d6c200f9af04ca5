package admin

import (
	"log/slog"

	"github.com/fanvote/notifier/pkg/bus"
	"github.com/fanvote/notifier/pkg/queue"
)

type handlerOptions struct {
	dlq    *queue.DeadLetterStore
	bus    *bus.Bus
	checks map[string]HealthcheckFunc
	logger *slog.Logger
}

// Option configures the admin handler.
type Option func(*handlerOptions)

// WithDeadLetterStore enables the dead letter review endpoint.
func WithDeadLetterStore(dlq *queue.DeadLetterStore) Option {
	return func(o *handlerOptions) { o.dlq = dlq }
}

// WithBus enables the event bus statistics endpoint.
func WithBus(b *bus.Bus) Option {
	return func(o *handlerOptions) { o.bus = b }
}

// WithHealthcheck registers a named readiness check served by /healthz.
func WithHealthcheck(name string, check HealthcheckFunc) Option {
	return func(o *handlerOptions) {
		if name != "" && check != nil {
			o.checks[name] = check
		}
	}
}

// WithLogger sets the handler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *handlerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}
