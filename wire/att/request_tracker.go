package att

import (
	"errors"
	"fmt"
	"time"
)

// DefaultTimeout is the ATT transaction timeout (Core Spec Vol 3, Part F, 3.3.3)
const DefaultTimeout = 30 * time.Second

var (
	// ErrRequestTimeout is delivered when no response arrives before the deadline
	ErrRequestTimeout = errors.New("att: transaction timed out")

	// ErrRequestCancelled is delivered to a pending request torn down by the local side
	ErrRequestCancelled = errors.New("att: transaction cancelled")
)

// DoneFunc receives the outcome of a tracked request exactly once.
// On success err is nil and pkt is the response; an ATT Error Response
// arrives as a *Error with pkt set to the *ErrorResponse.
type DoneFunc func(pkt Packet, err error)

// RequestTracker enforces the one-outstanding-request rule for a single
// direction of a single bearer. It owns no goroutines or timers: the caller
// (an event loop) asks for the deadline, schedules it, and calls Expire.
// A RequestTracker is not safe for concurrent use.
type RequestTracker struct {
	pending *PendingRequest
	timeout time.Duration
	seq     uint64
}

// PendingRequest represents a single outstanding ATT request
type PendingRequest struct {
	Opcode   uint8  // Request opcode (e.g., 0x0A for Read Request)
	Handle   uint16 // Attribute handle being accessed
	Seq      uint64 // Distinguishes successive requests for stale timer checks
	SentAt   time.Time
	Deadline time.Time
	done     DoneFunc
}

// NewRequestTracker creates a new request tracker
func NewRequestTracker(timeout time.Duration) *RequestTracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &RequestTracker{timeout: timeout}
}

// Timeout returns the per-request timeout
func (rt *RequestTracker) Timeout() time.Duration {
	return rt.timeout
}

// Start registers a new outstanding request sent at now.
// It fails with a ProtocolViolation if another request is already pending,
// and with UnsupportedOpcode if the opcode expects no response.
func (rt *RequestTracker) Start(opcode uint8, handle uint16, now time.Time, done DoneFunc) (*PendingRequest, error) {
	if rt.pending != nil {
		return nil, &ProtocolError{
			Kind:   ProtocolViolation,
			Opcode: opcode,
			Detail: fmt.Sprintf("request already pending (%s on handle 0x%04X)", OpcodeName(rt.pending.Opcode), rt.pending.Handle),
		}
	}
	if GetResponseOpcode(opcode) == 0 {
		return nil, &ProtocolError{Kind: UnsupportedOpcode, Opcode: opcode, Detail: "opcode expects no response"}
	}

	rt.seq++
	rt.pending = &PendingRequest{
		Opcode:   opcode,
		Handle:   handle,
		Seq:      rt.seq,
		SentAt:   now,
		Deadline: now.Add(rt.timeout),
		done:     done,
	}
	return rt.pending, nil
}

// Complete delivers an inbound response to the pending request.
// A response that does not answer the pending request is a ProtocolViolation
// and leaves the pending request untouched.
func (rt *RequestTracker) Complete(pkt Packet) error {
	if pkt == nil {
		return &ProtocolError{Kind: MalformedPDU, Detail: "nil response"}
	}
	op := pkt.Opcode()
	if rt.pending == nil {
		return &ProtocolError{Kind: ProtocolViolation, Opcode: op, Detail: "no request pending"}
	}

	p := rt.pending
	if errResp, ok := pkt.(*ErrorResponse); ok {
		if errResp.RequestOpcode != p.Opcode {
			return &ProtocolError{
				Kind:   ProtocolViolation,
				Opcode: op,
				Detail: fmt.Sprintf("error response for %s while %s is pending", OpcodeName(errResp.RequestOpcode), OpcodeName(p.Opcode)),
			}
		}
		rt.pending = nil
		p.finish(pkt, NewError(errResp.ErrorCode, errResp.RequestOpcode, errResp.Handle))
		return nil
	}

	if expected := GetResponseOpcode(p.Opcode); op != expected {
		return &ProtocolError{
			Kind:   ProtocolViolation,
			Opcode: op,
			Detail: fmt.Sprintf("expected %s for %s", OpcodeName(expected), OpcodeName(p.Opcode)),
		}
	}
	rt.pending = nil
	p.finish(pkt, nil)
	return nil
}

// Expire fails the pending request with ErrRequestTimeout if its deadline has
// passed and seq still identifies it. It returns true only on the call that
// actually timed the request out.
func (rt *RequestTracker) Expire(seq uint64, now time.Time) bool {
	p := rt.pending
	if p == nil || p.Seq != seq || now.Before(p.Deadline) {
		return false
	}
	rt.pending = nil
	p.finish(nil, fmt.Errorf("%w: %s on handle 0x%04X after %v", ErrRequestTimeout, OpcodeName(p.Opcode), p.Handle, rt.timeout))
	return true
}

// Fail fails the pending request with err. Returns false if nothing was pending.
func (rt *RequestTracker) Fail(err error) bool {
	p := rt.pending
	if p == nil {
		return false
	}
	rt.pending = nil
	p.finish(nil, err)
	return true
}

// Cancel fails any pending request with ErrRequestCancelled (used during disconnection)
func (rt *RequestTracker) Cancel() bool {
	return rt.Fail(ErrRequestCancelled)
}

// HasPending returns true if there is a pending request
func (rt *RequestTracker) HasPending() bool {
	return rt.pending != nil
}

// Pending returns the outstanding request, or nil
func (rt *RequestTracker) Pending() *PendingRequest {
	return rt.pending
}

// GetPendingInfo returns info about the pending request (for debugging)
func (rt *RequestTracker) GetPendingInfo(now time.Time) (opcode uint8, handle uint16, age time.Duration, hasPending bool) {
	if rt.pending == nil {
		return 0, 0, 0, false
	}
	return rt.pending.Opcode, rt.pending.Handle, now.Sub(rt.pending.SentAt), true
}

func (p *PendingRequest) finish(pkt Packet, err error) {
	if p.done != nil {
		p.done(pkt, err)
	}
}
