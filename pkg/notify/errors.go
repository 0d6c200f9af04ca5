package notify

import "errors"

var (
	ErrSenderNil        = errors.New("notify: sender cannot be nil")
	ErrRendererNil      = errors.New("notify: renderer cannot be nil")
	ErrBusNil           = errors.New("notify: bus cannot be nil")
	ErrUnknownKind      = errors.New("notify: unknown notification kind")
	ErrMissingRecipient = errors.New("notify: payload has no recipient")
	ErrNoRecipients     = errors.New("notify: no recipients")
)
