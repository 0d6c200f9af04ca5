package bus

import "log/slog"

// Option is a functional option for configuring a Bus
type Option func(*busOptions)

type busOptions struct {
	logger *slog.Logger
}

// WithLogger sets the logger for the bus
func WithLogger(logger *slog.Logger) Option {
	return func(o *busOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}
