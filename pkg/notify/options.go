package notify

import (
	"log/slog"
	"time"

	"github.com/fanvote/notifier/pkg/sendtime"
)

type dispatcherOptions struct {
	sendGap time.Duration
	logger  *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*dispatcherOptions)

// WithSendGap sets the minimum interval between provider deliveries.
func WithSendGap(gap time.Duration) DispatcherOption {
	return func(o *dispatcherOptions) {
		if gap > 0 {
			o.sendGap = gap
		}
	}
}

// WithDispatcherLogger sets the dispatcher logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(o *dispatcherOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

type serviceOptions struct {
	slots  *sendtime.Scheduler
	logger *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceOptions)

// WithSendTimes sets the scheduler used for best-time sends.
func WithSendTimes(s *sendtime.Scheduler) ServiceOption {
	return func(o *serviceOptions) {
		if s != nil {
			o.slots = s
		}
	}
}

// WithServiceLogger sets the service logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(o *serviceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}
