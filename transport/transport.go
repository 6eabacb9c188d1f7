// Package transport is the boundary between the GATT host and whatever
// moves bytes between devices: a radio, a socket, or an in-process air.
package transport

import (
	"context"
	"time"

	"github.com/user/blue-gatt/wire/advertising"
	"github.com/user/blue-gatt/wire/att"
	"github.com/user/blue-gatt/wire/gatt"
	"github.com/user/blue-gatt/wire/l2cap"
)

// MaxFrameLen is the largest L2CAP frame an adapter carries
const MaxFrameLen = l2cap.HeaderLen + att.MaxMTU

// Role is our side of a link
type Role int

const (
	RoleCentral    Role = iota + 1 // we initiated the link
	RolePeripheral                 // the peer initiated the link
)

func (r Role) String() string {
	switch r {
	case RoleCentral:
		return "central"
	case RolePeripheral:
		return "peripheral"
	default:
		return "unknown"
	}
}

// Advertisement is one received (or published) advertising event
type Advertisement struct {
	Peer         string
	Data         []byte // advertising payload, AD structures
	ScanResponse []byte // scan response payload, AD structures
	Connectable  bool
	RSSI         int
	SeenAt       time.Time
}

// Decode parses both payloads into their fields
func (a Advertisement) Decode() (*advertising.Data, error) {
	return advertising.Parse(a.Data, a.ScanResponse)
}

// ScanFilter narrows what StartScanning reports
type ScanFilter struct {
	// Services keeps advertisements listing at least one of these UUIDs.
	// Empty keeps everything.
	Services []gatt.UUID
	// AllowDuplicates reports every advertising event instead of the
	// first one per peer.
	AllowDuplicates bool
}

// Matcher returns a stateful predicate applying the filter to a stream of
// advertisements. Each scan needs its own matcher.
func (f ScanFilter) Matcher() func(Advertisement) bool {
	seen := make(map[string]bool)
	return func(adv Advertisement) bool {
		if len(f.Services) > 0 {
			data, err := adv.Decode()
			if err != nil {
				return false
			}
			found := false
			for _, u := range f.Services {
				if data.HasService(u) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		if !f.AllowDuplicates {
			if seen[adv.Peer] {
				return false
			}
			seen[adv.Peer] = true
		}
		return true
	}
}

// Handler receives link events. Adapters call it from their own goroutines;
// events for one peer arrive one at a time and in order.
type Handler interface {
	// OnConnect reports a link the peer opened to us
	OnConnect(peer string, role Role)
	// OnReceive delivers one complete L2CAP frame
	OnReceive(peer string, frame []byte)
	// OnDisconnect reports the end of a link. reason is nil when we asked
	// for the disconnect.
	OnDisconnect(peer string, reason error)
}

// Adapter is the whole contract the host needs from a radio
type Adapter interface {
	// ID is this device's identifier, as seen by peers
	ID() string
	SetHandler(h Handler)

	Advertise(adv Advertisement) error
	StopAdvertising() error
	// StartScanning streams matching advertisements until ctx ends or the
	// adapter closes; the channel is closed then.
	StartScanning(ctx context.Context, filter ScanFilter) (<-chan Advertisement, error)

	// Connect opens a link to an advertising peer. It fails with
	// Unreachable or Timeout.
	Connect(ctx context.Context, peer string) error
	Disconnect(peer string) error
	// Send queues one L2CAP frame. It fails with NotConnected or Overflow.
	Send(peer string, frame []byte) error
	Connected(peer string) bool

	// Close drops every link and stops advertising and scanning
	Close() error
}
