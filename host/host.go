// Package host runs the GATT engine on top of a transport.Adapter: one
// event loop per Host, one Conn state machine per peer, an ATT client for
// the peer's table and an ATT server for ours.
package host

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/user/blue-gatt/logger"
	"github.com/user/blue-gatt/security"
	"github.com/user/blue-gatt/transport"
	"github.com/user/blue-gatt/wire/advertising"
	"github.com/user/blue-gatt/wire/att"
	"github.com/user/blue-gatt/wire/debug"
	"github.com/user/blue-gatt/wire/gatt"
)

// Options configures a Host. Only Adapter is required.
type Options struct {
	Adapter  transport.Adapter
	Database *gatt.Database
	Delegate Delegate

	// MTU is our receive MTU offered in exchanges, clamped to 23..517
	MTU int
	// Timeout bounds every ATT transaction and pairing. Delegate hooks
	// get half of it to answer.
	Timeout time.Duration
	// KeepLinkOnTimeout leaves a link up, marked degraded, after a
	// transaction times out. By default the link is dropped.
	KeepLinkOnTimeout bool
	// SkipDiscovery makes new central links go straight to Ready
	SkipDiscovery bool

	Bonds  *security.BondStore
	Tracer *debug.Tracer

	// Restore re-injects a previous session
	Restore *Snapshot
}

// Host is one device: a GATT client toward the peers it connects to and a
// GATT server for every peer connected to it.
type Host struct {
	id       string
	adapter  transport.Adapter
	db       *gatt.Database
	delegate Delegate

	mtu                 int
	timeout             time.Duration
	disconnectOnTimeout bool
	skipDiscovery       bool

	bonds  *security.BondStore
	tracer *debug.Tracer

	loop      *Loop
	callbacks *callbackQueue
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// loop only
	conns map[string]*Conn
}

// New starts a Host and takes over the adapter's events
func New(opts Options) (*Host, error) {
	if opts.Adapter == nil {
		return nil, errors.New("host: no adapter")
	}
	h := &Host{
		id:                  opts.Adapter.ID(),
		adapter:             opts.Adapter,
		db:                  opts.Database,
		delegate:            opts.Delegate,
		mtu:                 opts.MTU,
		timeout:             opts.Timeout,
		disconnectOnTimeout: !opts.KeepLinkOnTimeout,
		skipDiscovery:       opts.SkipDiscovery,
		bonds:               opts.Bonds,
		tracer:              opts.Tracer,
		conns:               make(map[string]*Conn),
	}
	if h.db == nil {
		h.db = gatt.NewDatabase()
	}
	if h.mtu == 0 {
		h.mtu = att.MaxMTU
	}
	h.mtu = att.ClampMTU(h.mtu)
	if h.timeout <= 0 {
		h.timeout = att.DefaultTimeout
	}
	if h.bonds == nil {
		h.bonds = security.NewBondStore()
	}

	if opts.Restore != nil {
		if err := h.restoreTable(opts.Restore); err != nil {
			return nil, err
		}
	}

	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.loop = NewLoop()
	h.callbacks = newCallbackQueue()

	if opts.Restore != nil {
		snap := opts.Restore
		if err := h.loop.Do(func() { h.restoreConns(snap) }); err != nil {
			return nil, err
		}
	}
	h.adapter.SetHandler(h)
	logger.Info(h.tag(), "host up (mtu %d, timeout %v)", h.mtu, h.timeout)
	return h, nil
}

func (h *Host) tag() string {
	return logger.ShortID(h.id) + " Host"
}

// ID is the local device identifier
func (h *Host) ID() string { return h.id }

// Database is the local attribute table
func (h *Host) Database() *gatt.Database { return h.db }

// Bonds holds the link keys of paired peers
func (h *Host) Bonds() *security.BondStore { return h.bonds }

func (h *Host) post(fn func()) error {
	if !h.loop.Post(fn) {
		return ErrClosed
	}
	return nil
}

// callback hands fn to the callback goroutine
func (h *Host) callback(fn func()) {
	h.callbacks.push(fn)
}

// Deliver runs fn on the callback goroutine, after every delegate event
// already queued
func (h *Host) Deliver(fn func()) {
	h.callbacks.push(fn)
}

// emit delivers a delegate event, in loop order
func (h *Host) emit(fn func(Delegate)) {
	d := h.delegate
	if d == nil {
		return
	}
	h.callbacks.push(func() { fn(d) })
}

// hooked reports whether the delegate sees accesses to a
func (h *Host) hooked(a *gatt.Attribute) bool {
	if h.delegate == nil {
		return false
	}
	switch {
	case a.Type.Equal(gatt.UUIDPrimaryService),
		a.Type.Equal(gatt.UUIDSecondaryService),
		a.Type.Equal(gatt.UUIDInclude),
		a.Type.Equal(gatt.UUIDCharacteristic),
		a.Type.Equal(gatt.UUIDClientCharacteristicConfig):
		return false
	}
	return true
}

// hookWait is how long a connection waits for WillRead or WillWrite
func (h *Host) hookWait() time.Duration {
	return h.timeout / 2
}

// OnConnect accepts a link a peer opened to us
func (h *Host) OnConnect(peer string, role transport.Role) {
	h.post(func() { h.accept(peer, role) })
}

// OnReceive hands a frame to the peer's state machine
func (h *Host) OnReceive(peer string, frame []byte) {
	h.post(func() {
		c := h.conns[peer]
		if c == nil {
			logger.Warn(h.tag(), "frame from unknown peer %s dropped", logger.ShortID(peer))
			return
		}
		c.receive(frame)
	})
}

// OnDisconnect ends the peer's state machine
func (h *Host) OnDisconnect(peer string, reason error) {
	h.post(func() {
		if c := h.conns[peer]; c != nil {
			c.linkDown(reason)
		}
	})
}

// accept runs the peripheral side of a new link. Discovery is the
// client's business, so the link is Ready as soon as it is up.
func (h *Host) accept(peer string, role transport.Role) {
	if role != transport.RolePeripheral {
		return
	}
	c := h.conns[peer]
	switch {
	case c == nil:
		c = newConn(h, peer, role)
		h.conns[peer] = c
		c.setState(Connecting)
	case c.state == Connecting && c.role == transport.RolePeripheral:
		logger.Info(c.tag(), "restored link is back")
		h.loop.Cancel(c.closeTimer)
		c.closeTimer = nil
	default:
		logger.Warn(c.tag(), "connect event in state %s ignored", c.state)
		return
	}
	logger.Info(c.tag(), "accepted link")
	c.setState(Connected)
	c.setState(Ready)
}

// Connect opens a link to peer and brings it to Ready. done runs on the
// callback goroutine with nil once the link is Ready, or the reason it
// never got there.
func (h *Host) Connect(peer string, done func(error)) error {
	perr := h.post(func() {
		c := h.conns[peer]
		if c != nil {
			if c.state == Ready {
				h.callback(func() { done(nil) })
				return
			}
			err := opError("connect", peer, ErrBusy)
			h.callback(func() { done(err) })
			return
		}
		c = newConn(h, peer, transport.RoleCentral)
		h.conns[peer] = c
		c.connectDone = done
		c.setState(Connecting)
		c.dial()
	})
	if perr != nil {
		return opError("connect", peer, perr)
	}
	return nil
}

// dial runs the adapter's blocking connect off the loop
func (c *Conn) dial() {
	ctx, cancel := context.WithTimeout(c.h.ctx, c.h.timeout)
	c.cancelConnect = cancel
	h := c.h
	go func() {
		err := h.adapter.Connect(ctx, c.peer)
		cancel()
		h.post(func() { c.connectResult(err) })
	}()
}

func (c *Conn) connectResult(err error) {
	if c.h.conns[c.peer] != c || c.state != Connecting {
		if err == nil && c.h.conns[c.peer] == nil {
			logger.Debug(c.tag(), "connect finished after it was abandoned, dropping link")
			c.h.adapter.Disconnect(c.peer)
		}
		return
	}
	c.cancelConnect = nil
	if err != nil {
		logger.Warn(c.tag(), "connect failed: %v", err)
		c.abort(err)
		c.finish(err)
		return
	}
	logger.Info(c.tag(), "link up")
	c.setState(Connected)
	c.setup()
}

// Disconnect ends the link to peer. Pending operations fail with Cancelled.
func (h *Host) Disconnect(peer string) error {
	var err error
	if derr := h.loop.Do(func() {
		c := h.conns[peer]
		if c == nil {
			err = opError("disconnect", peer, ErrUnknownPeer)
			return
		}
		c.disconnect(nil)
	}); derr != nil {
		return opError("disconnect", peer, derr)
	}
	return err
}

// DisconnectAll ends every link
func (h *Host) DisconnectAll() error {
	return h.loop.Do(func() {
		for _, c := range h.sortedConns() {
			c.disconnect(nil)
		}
	})
}

func (h *Host) sortedConns() []*Conn {
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].peer < out[j].peer })
	return out
}

// Conn returns a view of the connection to peer
func (h *Host) Conn(peer string) (ConnInfo, bool) {
	var info ConnInfo
	var ok bool
	h.loop.Do(func() {
		if c := h.conns[peer]; c != nil {
			info, ok = c.info(), true
		}
	})
	return info, ok
}

// Conns returns a view of every connection, sorted by peer
func (h *Host) Conns() []ConnInfo {
	var out []ConnInfo
	h.loop.Do(func() {
		for _, c := range h.sortedConns() {
			out = append(out, c.info())
		}
	})
	return out
}

// AddService publishes a service in the local table
func (h *Host) AddService(svc gatt.Service) (gatt.HandleRange, error) {
	r, err := h.db.AddService(svc)
	if err != nil {
		return r, errors.Wrap(err, "can't add service")
	}
	logger.Info(h.tag(), "service %s at %s", svc.UUID, r)
	return r, nil
}

// RemoveService withdraws the service declared at handle. Subscriptions to
// its characteristics end.
func (h *Host) RemoveService(handle uint16) bool {
	var chars []gatt.CharacteristicInfo
	for _, s := range h.db.Services() {
		if s.Range.Start == handle {
			chars = s.Characteristics
		}
	}
	if !h.db.RemoveService(handle) {
		return false
	}
	h.dropSubscriptions(chars)
	return true
}

// RemoveAllServices empties the local table
func (h *Host) RemoveAllServices() {
	var chars []gatt.CharacteristicInfo
	for _, s := range h.db.Services() {
		chars = append(chars, s.Characteristics...)
	}
	h.db.RemoveAllServices()
	h.dropSubscriptions(chars)
}

func (h *Host) dropSubscriptions(chars []gatt.CharacteristicInfo) {
	if len(chars) == 0 {
		return
	}
	h.loop.Do(func() {
		for _, c := range h.sortedConns() {
			for _, ch := range chars {
				sub, ok := c.cccd.GetSubscription(ch.ValueHandle)
				if !ok || !sub.Active() {
					continue
				}
				c.cccd.SetSubscription(ch.ValueHandle, gatt.EncodeCCCDValue(false, false))
				c.h.emit(func(d Delegate) { d.Subscribed(c.peer, ch, gatt.SubscriptionState{Handle: ch.ValueHandle}) })
			}
		}
	})
}

// Advertise publishes data; connectable lets centrals open links to us
func (h *Host) Advertise(data *advertising.Data, connectable bool) error {
	adv, rsp, err := data.Encode()
	if err != nil {
		return errors.Wrap(err, "can't encode advertisement")
	}
	return h.adapter.Advertise(transport.Advertisement{
		Peer:         h.id,
		Data:         adv,
		ScanResponse: rsp,
		Connectable:  connectable,
		SeenAt:       time.Now(),
	})
}

func (h *Host) StopAdvertising() error {
	return h.adapter.StopAdvertising()
}

// Scan reports matching advertisements to fn on the callback goroutine
// until ctx ends or the Host closes
func (h *Host) Scan(ctx context.Context, filter transport.ScanFilter, fn func(transport.Advertisement)) error {
	ch, err := h.adapter.StartScanning(ctx, filter)
	if err != nil {
		return errors.Wrap(err, "can't start scanning")
	}
	go func() {
		for adv := range ch {
			h.callback(func() { fn(adv) })
		}
	}()
	return nil
}

// readyConn finds the connection an operation on peer's table runs on
func (h *Host) readyConn(peer string) (*Conn, error) {
	c := h.conns[peer]
	if c == nil {
		return nil, ErrUnknownPeer
	}
	if c.state != Ready {
		return nil, ErrNotReady
	}
	return c, nil
}

// run posts an operation on a Ready connection. fail reports errors that
// stop it before it starts.
func (h *Host) run(op, peer string, fail func(error), fn func(c *Conn)) {
	report := func(err error) {
		err = opError(op, peer, err)
		h.callback(func() { fail(err) })
	}
	if err := h.post(func() {
		c, err := h.readyConn(peer)
		if err != nil {
			report(err)
			return
		}
		fn(c)
	}); err != nil {
		fail(opError(op, peer, err))
	}
}

// Read fetches the value at handle in peer's table, however long it is.
// Reads and writes to one peer may be started from any number of
// goroutines: they queue on the connection and go out one transaction at a
// time, so a second call waits its turn instead of failing.
func (h *Host) Read(peer string, handle uint16, done func([]byte, error)) {
	h.run("read", peer, func(err error) { done(nil, err) }, func(c *Conn) {
		c.read(handle, func(v []byte, err error) {
			err = opError("read", peer, err)
			h.callback(func() { done(v, err) })
		})
	})
}

// Write stores value at handle in peer's table and waits for the ack.
// It queues behind other reads and writes to the peer like Read.
func (h *Host) Write(peer string, handle uint16, value []byte, done func(error)) {
	v := append([]byte(nil), value...)
	h.run("write", peer, done, func(c *Conn) {
		c.write(handle, v, func(err error) {
			err = opError("write", peer, err)
			h.callback(func() { done(err) })
		})
	})
}

// WriteWithoutResponse sends a Write Command. It returns once the command
// is handed to the adapter.
func (h *Host) WriteWithoutResponse(peer string, handle uint16, value []byte) error {
	var err error
	if derr := h.loop.Do(func() {
		c, rerr := h.readyConn(peer)
		if rerr != nil {
			err = rerr
			return
		}
		err = c.writeCommand(handle, value)
	}); derr != nil {
		err = derr
	}
	return opError("write", peer, err)
}

// Subscribe sets the CCCD of the characteristic whose value is at
// valueHandle. Both flags false unsubscribes.
func (h *Host) Subscribe(peer string, valueHandle uint16, notify, indicate bool, done func(error)) {
	h.run("subscribe", peer, done, func(c *Conn) {
		c.subscribe(valueHandle, notify, indicate, func(err error) {
			err = opError("subscribe", peer, err)
			h.callback(func() { done(err) })
		})
	})
}

// Discover walks peer's table again and replaces the cached result
func (h *Host) Discover(peer string, done func(*gatt.DiscoveryCache, error)) {
	h.run("discover", peer, func(err error) { done(nil, err) }, func(c *Conn) {
		c.discover(func(cache *gatt.DiscoveryCache, err error) {
			var out *gatt.DiscoveryCache
			if err == nil {
				c.services = cache
				out = copyDiscovery(cache)
			}
			err = opError("discover", peer, err)
			h.callback(func() { done(out, err) })
		})
	})
}

// Pair runs the key exchange with peer and raises the link to encrypted
func (h *Host) Pair(peer string, done func(error)) {
	h.run("pair", peer, done, func(c *Conn) {
		c.pair(func(err error) {
			err = opError("pair", peer, err)
			h.callback(func() { done(err) })
		})
	})
}

// UpdateValue sets a local characteristic value and pushes it to its
// subscribers, or to those in peers when given. It returns false when some
// subscriber is still confirming an earlier indication; the delegate hears
// ReadyToUpdate when it may try again.
func (h *Host) UpdateValue(handle uint16, value []byte, peers ...string) (bool, error) {
	if _, ok := h.db.Characteristic(handle); !ok {
		return false, errors.Wrapf(ErrNotFound, "no characteristic value at 0x%04X", handle)
	}
	if err := h.db.SetValue(handle, value); err != nil {
		return false, err
	}
	v := append([]byte(nil), value...)
	var sent bool
	if err := h.loop.Do(func() { sent = h.push(handle, v, peers, nil) }); err != nil {
		return false, err
	}
	return sent, nil
}

// written reports applied peer writes and forwards new characteristic
// values to the other subscribers
func (h *Host) written(from *Conn, reqs []*AccessRequest) {
	h.emit(func(d Delegate) { d.DidWrite(reqs) })
	for _, r := range reqs {
		if _, ok := h.db.Characteristic(r.Handle); !ok {
			continue
		}
		if a, ok := h.db.Lookup(r.Handle); ok {
			h.push(r.Handle, a.Value, nil, from)
		}
	}
}

// Close drives every connection to Disconnected and releases the adapter.
// Pending operations fail with ErrClosed.
func (h *Host) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.loop.Do(func() {
			for _, c := range h.sortedConns() {
				if c.state.live() {
					c.setState(Disconnecting)
				}
				c.abort(ErrClosed)
				c.finish(ErrClosed)
			}
		})
		h.cancel()
		h.loop.Stop()
		err = h.adapter.Close()
		h.callbacks.close()
		logger.Info(h.tag(), "host closed")
	})
	return err
}
