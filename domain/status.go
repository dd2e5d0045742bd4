package domain

// SubscriptionStatus is reported by the transport for a subscription.
type SubscriptionStatus string

const (
	StatusSubscribed   SubscriptionStatus = "SUBSCRIBED"
	StatusChannelError SubscriptionStatus = "CHANNEL_ERROR"
	StatusTimedOut     SubscriptionStatus = "TIMED_OUT"
	StatusClosed       SubscriptionStatus = "CLOSED"
)

// SessionState is the lifecycle state of a ChannelSession.
type SessionState int

const (
	StateIdle SessionState = iota
	StateSubscribing
	StateSubscribed
	StateTracking
	StateActive
	StateError
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateTracking:
		return "TRACKING"
	case StateActive:
		return "ACTIVE"
	case StateError:
		return "ERROR"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
