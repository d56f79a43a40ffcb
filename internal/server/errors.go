package server

import "errors"

var (
	ErrMissingAttribute   = errors.New("missing required connection attribute")
	ErrInvalidAttribute   = errors.New("invalid connection attribute")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrRegistryClosed     = errors.New("connection registry closed")
)
