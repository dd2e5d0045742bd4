package errors

import "fmt"

var (
	ErrWorkerPanic        = fmt.Errorf("worker panic")
	ErrEmptyProfileUpdate = fmt.Errorf("profile update returned no data")
	ErrUserDisabled       = fmt.Errorf("account has been disabled")
	ErrDuplicateKey       = fmt.Errorf("duplicate key")
	ErrNotFound           = fmt.Errorf("row not found")
	ErrUnknownTable       = fmt.Errorf("unknown table")
	ErrUnknownColumn      = fmt.Errorf("unknown column")
	ErrUnknownFunction    = fmt.Errorf("unknown function")
	ErrSubscriptionClosed = fmt.Errorf("subscription closed")
	ErrNotConnected       = fmt.Errorf("realtime connection lost")
	ErrRemote             = fmt.Errorf("remote error")
	ErrEmptyMessage       = fmt.Errorf("message has neither content nor metadata")
	ErrHandleExists       = fmt.Errorf("subscription handle already registered")
	ErrNotSubscribed      = fmt.Errorf("subscription is not subscribed")
)
