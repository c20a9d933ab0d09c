package errors

import "fmt"

var (
	ErrWorkerPanic     = fmt.Errorf("worker panic")
	ErrUnauthorized    = fmt.Errorf("unauthorized")
	ErrInvalidFrame    = fmt.Errorf("invalid frame")
	ErrSpoofedSender   = fmt.Errorf("sender does not match connection identity")
	ErrSinkFull        = fmt.Errorf("sink buffer is full")
	ErrSinkClosed      = fmt.Errorf("sink is closed")
	ErrUnknownJob      = fmt.Errorf("unknown persistence job")
)
