package bus

import "errors"

var (
	// ErrEmptyTopic is returned when publishing with an empty topic
	ErrEmptyTopic = errors.New("topic cannot be empty")

	// ErrBusNil is returned when wiring a worker to a nil bus
	ErrBusNil = errors.New("bus cannot be nil")
)
