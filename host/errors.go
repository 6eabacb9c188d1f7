package host

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/user/blue-gatt/transport"
	"github.com/user/blue-gatt/wire/att"
)

// Error kinds surfaced to callers. Match with errors.Is.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrTimeout          = errors.New("timed out")
	ErrCancelled        = errors.New("cancelled")
	ErrNotReady         = errors.New("connection not ready")
	ErrUnknownPeer      = errors.New("unknown peer")
	ErrNotFound         = errors.New("attribute not found")
	ErrBusy             = errors.New("operation already in progress")
	ErrClosed           = errors.New("host closed")
)

// OpError reports a failed operation on one peer. Kind is one of the
// package error kinds, or nil when the failure has no kind of its own
// (a transport error, a protocol error, an unmapped ATT error).
type OpError struct {
	Op   string
	Peer string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	peer := e.Peer
	if len(peer) > 8 {
		peer = peer[:8]
	}
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, peer, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, peer, e.Err)
}

func (e *OpError) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

func (e *OpError) Unwrap() error { return e.Err }

// opError classifies err for the caller of op
func opError(op, peer string, err error) error {
	if err == nil {
		return nil
	}
	var already *OpError
	if errors.As(err, &already) {
		return err
	}
	return &OpError{Op: op, Peer: peer, Kind: kindOf(err), Err: err}
}

func kindOf(err error) error {
	switch {
	case errors.Is(err, att.ErrRequestTimeout), errors.Is(err, transport.ErrTimeout):
		return ErrTimeout
	case errors.Is(err, att.ErrRequestCancelled), errors.Is(err, ErrCancelled):
		return ErrCancelled
	case errors.Is(err, ErrClosed), errors.Is(err, transport.ErrClosed):
		return ErrClosed
	}
	switch att.GetErrorCode(err) {
	case att.ErrReadNotPermitted, att.ErrWriteNotPermitted,
		att.ErrInsufficientAuthentication, att.ErrInsufficientAuthorization,
		att.ErrInsufficientEncryption, att.ErrInsufficientEncryptionKeySize:
		return ErrPermissionDenied
	case att.ErrInvalidHandle, att.ErrAttributeNotFound:
		return ErrNotFound
	}
	return nil
}
