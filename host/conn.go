package host

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/user/blue-gatt/logger"
	"github.com/user/blue-gatt/security"
	"github.com/user/blue-gatt/transport"
	"github.com/user/blue-gatt/wire/att"
	"github.com/user/blue-gatt/wire/debug"
	"github.com/user/blue-gatt/wire/gatt"
	"github.com/user/blue-gatt/wire/l2cap"
)

const (
	// disconnectGrace is how long a local disconnect waits for the
	// adapter's end-of-link event before finishing on its own
	disconnectGrace = 2 * time.Second

	// maxInbox bounds peer-initiated PDUs held while the connection is not
	// ready to serve them
	maxInbox = 256
)

// request is one client transaction waiting for its turn on the bearer
type request struct {
	pkt    att.Packet
	handle uint16
	done   att.DoneFunc
}

// Conn is the state machine of one link. Every field belongs to the Host's
// event loop.
type Conn struct {
	h     *Host
	peer  string
	role  transport.Role
	state State
	mtu   int
	sec   gatt.Security

	degraded     bool
	reachedReady bool

	// client direction: our requests to the peer's table
	requests *att.RequestTracker
	reqTimer *Timer
	queue    []*request
	services *gatt.DiscoveryCache

	// server direction: the peer's use of our table
	indications *att.RequestTracker
	indTimer    *Timer
	wantReady   bool
	cccd        *gatt.CCCDManager
	prepared    *att.Fragmenter
	inbox       [][]byte
	busy        bool

	pairing   *security.Pairing
	pairTimer *Timer
	pairDone  []func(error)

	connectDone   func(error)
	cancelConnect context.CancelFunc
	closeTimer    *Timer
	closeReason   error
}

func newConn(h *Host, peer string, role transport.Role) *Conn {
	c := &Conn{
		h:           h,
		peer:        peer,
		role:        role,
		mtu:         att.DefaultMTU,
		requests:    att.NewRequestTracker(h.timeout),
		indications: att.NewRequestTracker(h.timeout),
		cccd:        gatt.NewCCCDManager(),
		prepared:    att.NewFragmenter(),
	}
	// Both sides keep the key, so a bonded peer comes back encrypted
	if _, ok := h.bonds.Get(peer); ok {
		c.sec.Encrypted = true
	}
	return c
}

func (c *Conn) tag() string {
	return logger.ShortID(c.h.id) + " Conn " + logger.ShortID(c.peer)
}

// setState moves the machine along a legal edge and tells the delegate
func (c *Conn) setState(to State) bool {
	from := c.state
	if from == to {
		return true
	}
	if !from.CanTransition(to) {
		logger.Warn(c.tag(), "illegal transition %s -> %s", from, to)
		return false
	}
	c.state = to
	logger.Debug(c.tag(), "%s -> %s", from, to)
	c.h.emit(func(d Delegate) { d.StateChanged(c.peer, from, to) })

	if to == Ready {
		c.reachedReady = true
		if done := c.connectDone; done != nil {
			c.connectDone = nil
			c.h.callback(func() { done(nil) })
		}
		c.drainInbox()
	}
	return true
}

// receive routes one inbound L2CAP frame
func (c *Conn) receive(frame []byte) {
	pkt, err := l2cap.Decode(frame)
	if err != nil {
		logger.Warn(c.tag(), "dropping bad frame: %v", err)
		return
	}
	c.h.tracer.LogFrame(debug.RX, c.peer, pkt)

	if !c.state.live() {
		logger.Warn(c.tag(), "discarding %s PDU in state %s", l2cap.ChannelName(pkt.ChannelID), c.state)
		return
	}

	switch pkt.ChannelID {
	case l2cap.ChannelATT:
		c.receiveATT(pkt.Payload)
	case l2cap.ChannelSMP:
		c.receiveSMP(pkt.Payload)
	default:
		logger.Warn(c.tag(), "no handler for %s", l2cap.ChannelName(pkt.ChannelID))
	}
}

// receiveATT answers our own outstanding transactions in every live state.
// Anything the peer starts waits in the inbox until the connection is Ready
// and the previous request from the peer has been answered.
func (c *Conn) receiveATT(pdu []byte) {
	if len(pdu) == 0 {
		logger.Warn(c.tag(), "empty ATT PDU")
		return
	}

	op := pdu[0]
	switch {
	case att.IsResponse(op):
		c.onResponse(pdu)
	case op == att.OpHandleValueConfirmation:
		if err := c.indications.Complete(&att.HandleValueConfirmation{}); err != nil {
			logger.Warn(c.tag(), "unexpected confirmation: %v", err)
		}
	case c.state != Ready || c.busy:
		if len(c.inbox) >= maxInbox {
			logger.Warn(c.tag(), "inbox full, dropping %s", att.OpcodeName(op))
			return
		}
		c.inbox = append(c.inbox, append([]byte(nil), pdu...))
	default:
		c.dispatch(pdu)
	}
}

func (c *Conn) drainInbox() {
	for len(c.inbox) > 0 && c.state == Ready && !c.busy {
		pdu := c.inbox[0]
		c.inbox = c.inbox[1:]
		c.dispatch(pdu)
	}
}

// dispatch handles one peer-initiated PDU. Undecodable requests are
// answered with an Error Response and the link stays up.
func (c *Conn) dispatch(pdu []byte) {
	op := pdu[0]
	pkt, err := att.DecodePacket(pdu)
	if err != nil {
		logger.Warn(c.tag(), "inbound %s: %v", att.OpcodeName(op), err)
		if att.IsCommand(op) || op == att.OpHandleValueNotification || op == att.OpHandleValueIndication {
			return
		}
		code := uint8(att.ErrInvalidPDU)
		if att.IsProtocolKind(err, att.UnsupportedOpcode) {
			code = att.ErrRequestNotSupported
		}
		c.sendError(op, 0, code)
		return
	}

	switch p := pkt.(type) {
	case *att.HandleValueNotification:
		c.onNotification(p.Handle, p.Value, false)
	case *att.HandleValueIndication:
		c.onNotification(p.Handle, p.Value, true)
		c.sendPDU(&att.HandleValueConfirmation{})
	default:
		c.serve(pkt)
	}
}

func (c *Conn) onResponse(pdu []byte) {
	pkt, err := att.DecodePacket(pdu)
	if err != nil {
		logger.Warn(c.tag(), "malformed response: %v", err)
		if c.requests.Fail(err) {
			c.pump()
		}
		return
	}
	if err := c.requests.Complete(pkt); err != nil {
		logger.Warn(c.tag(), "unexpected %s: %v", att.OpcodeName(pkt.Opcode()), err)
		return
	}
	c.pump()
}

func (c *Conn) onNotification(handle uint16, value []byte, indication bool) {
	v := append([]byte(nil), value...)
	logger.Trace(c.tag(), "value 0x%04X: %X (indication=%v)", handle, v, indication)
	c.h.emit(func(d Delegate) { d.Notified(c.peer, handle, v, indication) })
}

// send queues a transaction behind the ones already waiting
func (c *Conn) send(r *request) {
	if !c.state.live() {
		r.done(nil, att.ErrRequestCancelled)
		return
	}
	c.queue = append(c.queue, r)
	c.pump()
}

// sendNext queues a transaction ahead of the others, so a multi-step
// procedure runs without interleaving
func (c *Conn) sendNext(r *request) {
	if !c.state.live() {
		r.done(nil, att.ErrRequestCancelled)
		return
	}
	c.queue = append([]*request{r}, c.queue...)
	c.pump()
}

func (c *Conn) pump() {
	for len(c.queue) > 0 && !c.requests.HasPending() && c.state.live() {
		r := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.issue(r)
	}
}

func (c *Conn) issue(r *request) {
	data, err := att.EncodePacket(r.pkt)
	if err == nil && len(data) > c.mtu {
		err = errors.Errorf("%s is %d bytes, MTU is %d", att.OpcodeName(r.pkt.Opcode()), len(data), c.mtu)
	}
	if err != nil {
		r.done(nil, err)
		return
	}

	p, err := c.requests.Start(r.pkt.Opcode(), r.handle, c.h.loop.now(), func(pkt att.Packet, err error) {
		c.h.loop.Cancel(c.reqTimer)
		c.reqTimer = nil
		r.done(pkt, err)
	})
	if err != nil {
		r.done(nil, err)
		return
	}

	seq := p.Seq
	c.reqTimer = c.h.loop.AfterFunc(c.requests.Timeout(), func() {
		c.reqTimer = nil
		if c.requests.Expire(seq, c.h.loop.now()) {
			c.timedOut("request")
		}
	})

	if err := c.transmit(l2cap.ChannelATT, data); err != nil {
		c.requests.Fail(err)
	}
}

// timedOut marks the bearer degraded; by default the link is dropped
func (c *Conn) timedOut(what string) {
	c.degraded = true
	logger.Warn(c.tag(), "%s timed out after %v, link degraded", what, c.h.timeout)
	if c.h.disconnectOnTimeout {
		c.disconnect(ErrTimeout)
		return
	}
	c.pump()
}

func (c *Conn) transmit(cid uint16, payload []byte) error {
	frame := &l2cap.Packet{ChannelID: cid, Payload: payload}
	data, err := frame.Encode()
	if err != nil {
		return err
	}
	c.h.tracer.LogFrame(debug.TX, c.peer, frame)
	if err := c.h.adapter.Send(c.peer, data); err != nil {
		logger.Warn(c.tag(), "send %s: %v", l2cap.ChannelName(cid), err)
		return err
	}
	return nil
}

func (c *Conn) sendPDU(pkt att.Packet) error {
	data, err := att.EncodePacket(pkt)
	if err != nil {
		logger.Error(c.tag(), "encode %s: %v", att.OpcodeName(pkt.Opcode()), err)
		return err
	}
	return c.transmit(l2cap.ChannelATT, data)
}

func (c *Conn) sendError(reqOpcode uint8, handle uint16, code uint8) {
	logger.Debug(c.tag(), "%s on 0x%04X -> %s", att.OpcodeName(reqOpcode), handle, att.ErrorName(code))
	c.sendPDU(&att.ErrorResponse{RequestOpcode: reqOpcode, Handle: handle, ErrorCode: code})
}

// disconnect is a local request to end the link. It moves to Disconnecting
// at once, whatever the current state, and aborts everything pending.
func (c *Conn) disconnect(reason error) {
	if !c.state.live() {
		return
	}
	c.closeReason = reason
	c.setState(Disconnecting)
	c.abort(reason)

	if err := c.h.adapter.Disconnect(c.peer); err != nil {
		logger.Debug(c.tag(), "adapter disconnect: %v", err)
		c.finish(reason)
		return
	}
	c.closeTimer = c.h.loop.AfterFunc(disconnectGrace, func() {
		c.closeTimer = nil
		logger.Warn(c.tag(), "no end-of-link event after %v", disconnectGrace)
		c.finish(reason)
	})
}

// linkDown handles the adapter's end-of-link event
func (c *Conn) linkDown(reason error) {
	if c.state == Disconnecting {
		c.finish(c.closeReason)
		return
	}
	if c.state == Disconnected {
		return
	}
	logger.Info(c.tag(), "link lost in %s: %v", c.state, reason)
	if reason == nil {
		reason = transport.ErrLinkLost
	}
	c.closeReason = reason
	c.setState(Disconnecting)
	c.abort(reason)
	c.finish(reason)
}

// abort fails every pending transaction with Cancelled and every pending
// connect or pairing with reason
func (c *Conn) abort(reason error) {
	if c.cancelConnect != nil {
		c.cancelConnect()
		c.cancelConnect = nil
	}

	c.requests.Cancel()
	queued := c.queue
	c.queue = nil
	for _, r := range queued {
		r.done(nil, att.ErrRequestCancelled)
	}

	c.indications.Cancel()
	c.h.loop.Cancel(c.indTimer)
	c.indTimer = nil
	c.wantReady = false

	if reason == nil {
		reason = ErrCancelled
	}
	c.endPairing(reason)
	c.prepared.ClearAllQueues()
	c.inbox = nil

	if done := c.connectDone; done != nil {
		c.connectDone = nil
		err := opError("connect", c.peer, reason)
		c.h.callback(func() { done(err) })
	}
}

// finish lands in Disconnected and forgets the connection
func (c *Conn) finish(reason error) {
	c.h.loop.Cancel(c.closeTimer)
	c.closeTimer = nil
	if c.state == Disconnected {
		return
	}
	c.setState(Disconnected)

	for _, sub := range c.cccd.Clear() {
		if info, ok := c.h.db.Characteristic(sub.Handle); ok {
			c.h.emit(func(d Delegate) { d.Subscribed(c.peer, info, gatt.SubscriptionState{Handle: sub.Handle}) })
		}
	}
	if c.h.conns[c.peer] == c {
		delete(c.h.conns, c.peer)
	}

	logger.Info(c.tag(), "disconnected (%v)", reason)
	if c.reachedReady {
		role := c.role
		c.h.emit(func(d Delegate) { d.Disconnected(c.peer, role, reason) })
	}
}

// info copies what callers may see of the connection
func (c *Conn) info() ConnInfo {
	info := ConnInfo{
		Peer:          c.peer,
		Role:          c.role,
		State:         c.state,
		MTU:           c.mtu,
		Security:      c.sec,
		Degraded:      c.degraded,
		Subscriptions: c.cccd.GetAllSubscriptions(),
	}
	if c.services != nil {
		info.Services = copyDiscovery(c.services)
	}
	return info
}

// ConnInfo is a point-in-time view of one connection
type ConnInfo struct {
	Peer     string
	Role     transport.Role
	State    State
	MTU      int
	Security gatt.Security
	Degraded bool
	// Services is the peer's table as discovered, nil before discovery
	Services *gatt.DiscoveryCache
	// Subscriptions are the peer's CCCD settings on our table
	Subscriptions []gatt.SubscriptionState
}

func copyDiscovery(dc *gatt.DiscoveryCache) *gatt.DiscoveryCache {
	out := gatt.NewDiscoveryCache()
	out.Services = append(out.Services, dc.Services...)
	for k, v := range dc.Characteristics {
		out.Characteristics[k] = append([]gatt.DiscoveredCharacteristic(nil), v...)
	}
	for k, v := range dc.Descriptors {
		out.Descriptors[k] = append([]gatt.DiscoveredDescriptor(nil), v...)
	}
	return out
}
