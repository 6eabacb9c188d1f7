package host

import (
	"github.com/user/blue-gatt/transport"
	"github.com/user/blue-gatt/wire/gatt"
)

// AccessRequest is one read or write of a local attribute by a peer.
// For reads, Value holds the attribute value from Offset on and the
// delegate may replace it.
type AccessRequest struct {
	Peer   string
	Handle uint16
	UUID   gatt.UUID
	Offset int
	Value  []byte

	// Command marks a write the peer expects no answer for
	Command bool
}

// Delegate observes a Host. Methods run on the Host's callback goroutine,
// one at a time, never on the event loop.
type Delegate interface {
	// StateChanged follows every connection state transition
	StateChanged(peer string, from, to State)
	// Disconnected reports the end of a connection that reached Ready.
	// reason is nil when the local side asked for it.
	Disconnected(peer string, role transport.Role, reason error)

	// Notified delivers a notification or indication from a peer's table
	Notified(peer string, handle uint16, value []byte, indication bool)

	// WillRead may veto a read of a local characteristic value or descriptor.
	// Call respond once, from any goroutine, with an ATT error code or 0 to
	// allow it; req.Value may be replaced before that. Without an answer
	// within half the transaction timeout the peer gets Unlikely Error.
	WillRead(req *AccessRequest, respond func(code uint8))
	// WillWrite sees every write before it is applied and answers through
	// respond like WillRead. A non-zero ATT error code rejects the whole
	// batch.
	WillWrite(reqs []*AccessRequest, respond func(code uint8))
	// DidWrite reports writes that were applied to the table
	DidWrite(reqs []*AccessRequest)

	// Subscribed reports a CCCD change by a peer
	Subscribed(peer string, char gatt.CharacteristicInfo, state gatt.SubscriptionState)
	// ReadyToUpdate follows a confirmation that frees a peer for the next
	// indication after UpdateValue returned false
	ReadyToUpdate(peer string)
	// Paired reports a completed pairing, on either side
	Paired(peer string)
}

// BaseDelegate implements Delegate with no-ops; embed it and override what you need
type BaseDelegate struct{}

func (BaseDelegate) StateChanged(peer string, from, to State) {}

func (BaseDelegate) Disconnected(peer string, role transport.Role, reason error) {}

func (BaseDelegate) Notified(peer string, handle uint16, value []byte, indication bool) {}

func (BaseDelegate) WillRead(req *AccessRequest, respond func(code uint8)) { respond(0) }

func (BaseDelegate) WillWrite(reqs []*AccessRequest, respond func(code uint8)) { respond(0) }

func (BaseDelegate) DidWrite(reqs []*AccessRequest) {}

func (BaseDelegate) Subscribed(peer string, char gatt.CharacteristicInfo, state gatt.SubscriptionState) {
}

func (BaseDelegate) ReadyToUpdate(peer string) {}

func (BaseDelegate) Paired(peer string) {}
