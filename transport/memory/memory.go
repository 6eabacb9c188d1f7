// Package memory is an in-process transport: adapters created from the same
// Air see each other's advertisements and can open links to each other.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/blue-gatt/logger"
	"github.com/user/blue-gatt/transport"
)

// DefaultQueueLimit is how many undelivered frames one peer may have
// queued at a receiver before Send reports Overflow
const DefaultQueueLimit = 256

const scanBuffer = 64

// Air is the shared medium. Link topology and advertisements live here.
type Air struct {
	mu       sync.Mutex
	adapters map[string]*Adapter
	adverts  map[string]transport.Advertisement
	scanners map[*scanner]struct{}
	rssi     int
}

type scanner struct {
	owner string
	ch    chan transport.Advertisement
	match func(transport.Advertisement) bool
}

// NewAir returns an empty medium
func NewAir() *Air {
	return &Air{
		adapters: make(map[string]*Adapter),
		adverts:  make(map[string]transport.Advertisement),
		scanners: make(map[*scanner]struct{}),
		rssi:     -50,
	}
}

type eventKind int

const (
	evConnect eventKind = iota
	evReceive
	evDisconnect
)

type event struct {
	kind   eventKind
	peer   string
	role   transport.Role
	frame  []byte
	reason error
}

// Adapter is one device on the Air
type Adapter struct {
	id         string
	air        *Air
	queueLimit int
	quit       chan struct{}

	// guarded by air.mu
	links  map[string]transport.Role
	closed bool

	mu      sync.Mutex
	cond    *sync.Cond
	handler transport.Handler
	events  []event
	queued  map[string]int
	stopped bool
}

// NewAdapter attaches a device to the Air. An empty id gets a random one.
func (air *Air) NewAdapter(id string) *Adapter {
	if id == "" {
		id = uuid.NewString()
	}
	a := &Adapter{
		id:         id,
		air:        air,
		queueLimit: DefaultQueueLimit,
		quit:       make(chan struct{}),
		links:      make(map[string]transport.Role),
		queued:     make(map[string]int),
	}
	a.cond = sync.NewCond(&a.mu)

	air.mu.Lock()
	air.adapters[id] = a
	air.mu.Unlock()

	go a.run()
	return a
}

// SetQueueLimit changes the per-peer receive queue limit
func (a *Adapter) SetQueueLimit(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queueLimit = n
}

func (a *Adapter) tag() string {
	return logger.ShortID(a.id) + " Air"
}

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) SetHandler(h transport.Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
	a.cond.Broadcast()
}

func (a *Adapter) Advertise(adv transport.Advertisement) error {
	air := a.air
	air.mu.Lock()
	defer air.mu.Unlock()
	if a.closed {
		return transport.NewError(transport.Closed, "", nil)
	}

	adv.Peer = a.id
	adv.SeenAt = time.Now()
	adv.RSSI = air.rssi
	air.adverts[a.id] = adv
	for s := range air.scanners {
		if s.owner != a.id {
			s.offer(adv)
		}
	}
	logger.Debug(a.tag(), "advertising (%d+%d bytes, connectable=%v)", len(adv.Data), len(adv.ScanResponse), adv.Connectable)
	return nil
}

func (a *Adapter) StopAdvertising() error {
	a.air.mu.Lock()
	defer a.air.mu.Unlock()
	delete(a.air.adverts, a.id)
	return nil
}

// offer must be called with air.mu held
func (s *scanner) offer(adv transport.Advertisement) {
	if !s.match(adv) {
		return
	}
	select {
	case s.ch <- adv:
	default:
		// Slow scanner; the next advertising event will do
	}
}

func (a *Adapter) StartScanning(ctx context.Context, filter transport.ScanFilter) (<-chan transport.Advertisement, error) {
	air := a.air
	s := &scanner{
		owner: a.id,
		ch:    make(chan transport.Advertisement, scanBuffer),
		match: filter.Matcher(),
	}

	air.mu.Lock()
	if a.closed {
		air.mu.Unlock()
		return nil, transport.NewError(transport.Closed, "", nil)
	}
	air.scanners[s] = struct{}{}
	for id, adv := range air.adverts {
		if id != a.id {
			s.offer(adv)
		}
	}
	air.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-a.quit:
		}
		air.mu.Lock()
		delete(air.scanners, s)
		close(s.ch)
		air.mu.Unlock()
	}()

	return s.ch, nil
}

func (a *Adapter) Connect(ctx context.Context, peer string) error {
	if err := ctx.Err(); err != nil {
		return transport.NewError(transport.Timeout, peer, err)
	}

	air := a.air
	air.mu.Lock()
	if a.closed {
		air.mu.Unlock()
		return transport.NewError(transport.Closed, peer, nil)
	}
	if _, ok := a.links[peer]; ok {
		air.mu.Unlock()
		return nil
	}
	target := air.adapters[peer]
	adv, advertising := air.adverts[peer]
	if target == nil || target.closed || !advertising || !adv.Connectable {
		air.mu.Unlock()
		return transport.NewError(transport.Unreachable, peer, nil)
	}
	a.links[peer] = transport.RoleCentral
	target.links[a.id] = transport.RolePeripheral
	air.mu.Unlock()

	logger.Info(a.tag(), "connected to %s", logger.ShortID(peer))
	target.enqueue(event{kind: evConnect, peer: a.id, role: transport.RolePeripheral})
	return nil
}

// unlink removes the link from both sides and queues the disconnect events
func (air *Air) unlink(a, b *Adapter, reasonA, reasonB error) bool {
	air.mu.Lock()
	_, ok := a.links[b.id]
	delete(a.links, b.id)
	delete(b.links, a.id)
	air.mu.Unlock()
	if !ok {
		return false
	}
	a.enqueue(event{kind: evDisconnect, peer: b.id, reason: reasonA})
	b.enqueue(event{kind: evDisconnect, peer: a.id, reason: reasonB})
	return true
}

func (a *Adapter) Disconnect(peer string) error {
	a.air.mu.Lock()
	target := a.air.adapters[peer]
	a.air.mu.Unlock()
	if target == nil || !a.air.unlink(a, target, nil, transport.ErrRemoteDisconnect) {
		return transport.NewError(transport.NotConnected, peer, nil)
	}
	logger.Info(a.tag(), "disconnected from %s", logger.ShortID(peer))
	return nil
}

// Drop simulates link loss between two adapters
func (air *Air) Drop(a, b string) bool {
	air.mu.Lock()
	x, y := air.adapters[a], air.adapters[b]
	air.mu.Unlock()
	if x == nil || y == nil {
		return false
	}
	return air.unlink(x, y, transport.ErrLinkLost, transport.ErrLinkLost)
}

func (a *Adapter) Send(peer string, frame []byte) error {
	if len(frame) > transport.MaxFrameLen {
		return transport.NewError(transport.Overflow, peer, nil)
	}

	a.air.mu.Lock()
	_, linked := a.links[peer]
	target := a.air.adapters[peer]
	a.air.mu.Unlock()
	if !linked || target == nil {
		return transport.NewError(transport.NotConnected, peer, nil)
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)
	if !target.enqueue(event{kind: evReceive, peer: a.id, frame: buf}) {
		return transport.NewError(transport.Overflow, peer, nil)
	}
	return nil
}

func (a *Adapter) Connected(peer string) bool {
	a.air.mu.Lock()
	defer a.air.mu.Unlock()
	_, ok := a.links[peer]
	return ok
}

// Close drops every link, withdraws the advertisement and ends all scans
func (a *Adapter) Close() error {
	air := a.air
	air.mu.Lock()
	if a.closed {
		air.mu.Unlock()
		return nil
	}
	a.closed = true
	delete(air.adverts, a.id)
	var peers []*Adapter
	for id := range a.links {
		if p := air.adapters[id]; p != nil {
			peers = append(peers, p)
		}
	}
	air.mu.Unlock()

	for _, p := range peers {
		air.unlink(a, p, nil, transport.ErrRemoteDisconnect)
	}
	close(a.quit)

	air.mu.Lock()
	delete(air.adapters, a.id)
	air.mu.Unlock()

	a.mu.Lock()
	a.stopped = true
	a.cond.Broadcast()
	a.mu.Unlock()
	return nil
}

// enqueue reports false when the sender's queue at this adapter is full
func (a *Adapter) enqueue(ev event) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return ev.kind != evReceive
	}
	if ev.kind == evReceive {
		if a.queued[ev.peer] >= a.queueLimit {
			return false
		}
		a.queued[ev.peer]++
	}
	a.events = append(a.events, ev)
	a.cond.Signal()
	return true
}

// run delivers events to the handler one at a time, in order
func (a *Adapter) run() {
	for {
		a.mu.Lock()
		// Events wait for a handler
		for (len(a.events) == 0 || a.handler == nil) && !a.stopped {
			a.cond.Wait()
		}
		if len(a.events) == 0 {
			a.mu.Unlock()
			return
		}
		ev := a.events[0]
		a.events = a.events[1:]
		if ev.kind == evReceive {
			a.queued[ev.peer]--
		}
		h := a.handler
		a.mu.Unlock()

		if h == nil {
			continue
		}
		switch ev.kind {
		case evConnect:
			h.OnConnect(ev.peer, ev.role)
		case evReceive:
			h.OnReceive(ev.peer, ev.frame)
		case evDisconnect:
			h.OnDisconnect(ev.peer, ev.reason)
		}
	}
}

var _ transport.Adapter = (*Adapter)(nil)
