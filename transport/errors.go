package transport

import (
	"errors"
	"fmt"
)

// ErrorKind classifies transport failures
type ErrorKind int

const (
	Unreachable ErrorKind = iota + 1
	Timeout
	NotConnected
	Overflow
	Closed
)

func (k ErrorKind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case Timeout:
		return "timeout"
	case NotConnected:
		return "not connected"
	case Overflow:
		return "overflow"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a transport failure for one peer
type Error struct {
	Kind ErrorKind
	Peer string
	Err  error
}

func (e *Error) Error() string {
	msg := "transport: " + e.Kind.String()
	if e.Peer != "" {
		msg += " (" + e.Peer + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrTimeout) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Peer == "" || t.Peer == e.Peer)
}

// Sentinels for errors.Is
var (
	ErrUnreachable  = &Error{Kind: Unreachable}
	ErrTimeout      = &Error{Kind: Timeout}
	ErrNotConnected = &Error{Kind: NotConnected}
	ErrOverflow     = &Error{Kind: Overflow}
	ErrClosed       = &Error{Kind: Closed}
)

// ErrLinkLost is the disconnect reason when a link drops without either
// side asking for it
var ErrLinkLost = errors.New("link lost")

// ErrRemoteDisconnect is the disconnect reason when the peer closed the link
var ErrRemoteDisconnect = errors.New("remote disconnected")

// NewError builds an *Error
func NewError(kind ErrorKind, peer string, err error) *Error {
	return &Error{Kind: kind, Peer: peer, Err: err}
}

// KindOf returns the kind of a transport error in err's chain, or 0
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}
