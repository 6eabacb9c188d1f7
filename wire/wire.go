// Package wire is a transport adapter that links devices on one host over
// Unix domain sockets or WebSockets. Advertisements are files in a shared
// directory; scanning polls it.
package wire

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/user/blue-gatt/logger"
	"github.com/user/blue-gatt/transport"
	"github.com/user/blue-gatt/util"
)

// Network selects the link carrier
type Network string

const (
	NetworkUnix      Network = "unix"
	NetworkWebSocket Network = "websocket"
)

// DefaultScanInterval is how often scanners re-read the advertising directory
const DefaultScanInterval = 200 * time.Millisecond

const (
	linkPath     = "/link"
	idHeader     = "X-Device-Id"
	dialDeadline = 5 * time.Second
)

// Options configures a Wire
type Options struct {
	ID           string       // device id; random when empty
	DataDir      string       // defaults to util.GetDataDir()
	Network      Network      // defaults to NetworkUnix
	Listen       string       // WebSocket listen address, default 127.0.0.1:0
	ScanInterval time.Duration
	Radio        *RadioConfig // nil is a perfect radio
	EventLog     bool         // write connection_events.jsonl
}

// Wire is a transport.Adapter over sockets
type Wire struct {
	id       string
	opts     Options
	registry *registry
	radio    *radio
	events   *ConnectionEventLogger

	listener net.Listener
	server   *http.Server
	address  string

	mu      sync.RWMutex
	handler transport.Handler
	links   map[string]*link
	closed  bool

	quit chan struct{}
	wg   sync.WaitGroup
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New creates a Wire and starts listening
func New(opts Options) (*Wire, error) {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Network == "" {
		opts.Network = NetworkUnix
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = DefaultScanInterval
	}
	if opts.DataDir == "" {
		opts.DataDir = util.GetDataDir()
	}

	advDir, err := util.GetAdvertisingDir(opts.DataDir)
	if err != nil {
		return nil, errors.Wrap(err, "can't create advertising dir")
	}

	w := &Wire{
		id:       opts.ID,
		opts:     opts,
		registry: &registry{dir: advDir},
		radio:    newRadio(opts.Radio),
		links:    make(map[string]*link),
		quit:     make(chan struct{}),
	}
	if opts.EventLog {
		w.events = NewConnectionEventLogger(opts.DataDir, opts.ID)
	}

	if err := w.listen(); err != nil {
		return nil, err
	}
	w.events.LogListening(w.address)
	logger.Info(w.tag(), "listening on %s (%s)", w.address, opts.Network)
	return w, nil
}

func (w *Wire) tag() string {
	return logger.ShortID(w.id) + " Wire"
}

func (w *Wire) listen() error {
	switch w.opts.Network {
	case NetworkUnix:
		socketDir, err := util.GetSocketDir(w.opts.DataDir)
		if err != nil {
			return errors.Wrap(err, "can't create socket dir")
		}
		path := filepath.Join(socketDir, w.id+".sock")
		os.Remove(path)
		ln, err := net.Listen("unix", path)
		if err != nil {
			return errors.Wrapf(err, "can't listen on %s", path)
		}
		w.listener = ln
		w.address = path
		w.wg.Add(1)
		go w.acceptConnections()

	case NetworkWebSocket:
		addr := w.opts.Listen
		if addr == "" {
			addr = "127.0.0.1:0"
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return errors.Wrapf(err, "can't listen on %s", addr)
		}
		w.listener = ln
		w.address = ln.Addr().String()
		mux := http.NewServeMux()
		mux.HandleFunc(linkPath, w.handleUpgrade)
		w.server = &http.Server{Handler: mux}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.server.Serve(ln)
		}()

	default:
		return errors.Errorf("unknown network %q", w.opts.Network)
	}
	return nil
}

// Address is where peers dial us
func (w *Wire) Address() string { return w.address }

func (w *Wire) ID() string { return w.id }

func (w *Wire) SetHandler(h transport.Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = h
}

func (w *Wire) getHandler() transport.Handler {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.handler
}

// acceptConnections handles incoming Unix socket links
func (w *Wire) acceptConnections() {
	defer w.wg.Done()
	for {
		conn, err := w.listener.Accept()
		if err != nil {
			select {
			case <-w.quit:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		w.wg.Add(1)
		go w.handleIncomingConnection(conn)
	}
}

// handleIncomingConnection reads the peer's id, answers with ours and
// registers the link (we become Peripheral)
func (w *Wire) handleIncomingConnection(conn net.Conn) {
	defer w.wg.Done()

	conn.SetDeadline(time.Now().Add(dialDeadline))
	peer, err := readHandshake(conn)
	if err == nil {
		err = writeHandshake(conn, w.id)
	}
	if err != nil {
		logger.Warn(w.tag(), "handshake failed: %v", err)
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	w.events.LogConnectionAccepted(peer)
	w.accept(peer, &streamConn{conn: conn})
}

func (w *Wire) handleUpgrade(rw http.ResponseWriter, r *http.Request) {
	peer := r.URL.Query().Get("id")
	if peer == "" {
		http.Error(rw, "missing id", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(rw, r, http.Header{idHeader: {w.id}})
	if err != nil {
		logger.Warn(w.tag(), "Failed to upgrade connection: %v", err)
		return
	}
	w.events.LogConnectionAccepted(peer)
	w.accept(peer, &wsConn{conn: conn})
}

func (w *Wire) accept(peer string, conn frameConn) {
	l := newLink(peer, transport.RolePeripheral, conn)
	if !w.register(l) {
		logger.Warn(w.tag(), "rejecting second link from %s", logger.ShortID(peer))
		conn.Close()
		return
	}

	logger.Info(w.tag(), "accepted link from %s", logger.ShortID(peer))
	if h := w.getHandler(); h != nil {
		h.OnConnect(peer, transport.RolePeripheral)
	}
	w.start(l)
}

// register stores the link unless one already exists or we are closing.
// The link's two goroutines are counted here, under the lock Close takes.
func (w *Wire) register(l *link) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	if _, exists := w.links[l.peer]; exists {
		return false
	}
	w.links[l.peer] = l
	w.wg.Add(2)
	return true
}

func (w *Wire) start(l *link) {
	go func() {
		defer w.wg.Done()
		l.writeLoop(func(err error) {
			w.events.LogLinkError(l.peer, err)
		})
	}()
	go w.readMessages(l)
}

// readMessages delivers frames until the link dies, then reports the
// disconnect exactly once
func (w *Wire) readMessages(l *link) {
	defer w.wg.Done()

	var readErr error
	for {
		frame, err := l.conn.ReadFrame()
		if err != nil {
			readErr = err
			break
		}
		if h := w.getHandler(); h != nil {
			h.OnReceive(l.peer, frame)
		}
	}

	l.shutdown(false)

	w.mu.Lock()
	if w.links[l.peer] == l {
		delete(w.links, l.peer)
	}
	w.mu.Unlock()

	var reason error
	switch {
	case l.closedLocally():
		reason = nil
	case isCleanClose(readErr):
		reason = transport.ErrRemoteDisconnect
	default:
		reason = errors.Wrap(transport.ErrLinkLost, readErr.Error())
	}
	w.events.LogLinkClosed(l.role.String(), l.peer, reason)
	logger.Info(w.tag(), "link to %s closed (%v)", logger.ShortID(l.peer), reason)
	if h := w.getHandler(); h != nil {
		h.OnDisconnect(l.peer, reason)
	}
}

func isCleanClose(err error) bool {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// Connect dials an advertising peer (we become Central)
func (w *Wire) Connect(ctx context.Context, peer string) error {
	if w.isClosed() {
		return transport.NewError(transport.Closed, peer, nil)
	}
	if w.Connected(peer) {
		return nil
	}

	rec, err := w.registry.lookup(peer)
	if err != nil || !rec.Connectable || rec.Network != w.opts.Network {
		return transport.NewError(transport.Unreachable, peer, err)
	}

	select {
	case <-time.After(w.radio.connectionDelay()):
	case <-ctx.Done():
		return transport.NewError(transport.Timeout, peer, ctx.Err())
	}
	if !w.radio.connectionSucceeds() {
		return transport.NewError(transport.Unreachable, peer, errors.New("connection failed"))
	}

	conn, err := w.dial(ctx, rec)
	if err != nil {
		if ctx.Err() != nil {
			return transport.NewError(transport.Timeout, peer, err)
		}
		return transport.NewError(transport.Unreachable, peer, err)
	}

	l := newLink(peer, transport.RoleCentral, conn)
	if !w.register(l) {
		conn.Close()
		if w.isClosed() {
			return transport.NewError(transport.Closed, peer, nil)
		}
		// Lost a race with a concurrent Connect; the other link stands
		return nil
	}

	w.events.LogConnectionEstablished(peer, rec.Address)
	logger.Info(w.tag(), "connected to %s", logger.ShortID(peer))
	w.start(l)
	return nil
}

func (w *Wire) dial(ctx context.Context, rec *advertRecord) (frameConn, error) {
	switch rec.Network {
	case NetworkUnix:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", rec.Address)
		if err != nil {
			return nil, err
		}
		deadline := time.Now().Add(dialDeadline)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		conn.SetDeadline(deadline)
		if err := writeHandshake(conn, w.id); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "failed to send handshake")
		}
		got, err := readHandshake(conn)
		if err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "failed to read handshake")
		}
		if got != rec.ID {
			conn.Close()
			return nil, errors.Errorf("dialed %s but reached %s", rec.ID, got)
		}
		conn.SetDeadline(time.Time{})
		return &streamConn{conn: conn}, nil

	case NetworkWebSocket:
		u := url.URL{Scheme: "ws", Host: rec.Address, Path: linkPath, RawQuery: url.Values{"id": {w.id}}.Encode()}
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			return nil, err
		}
		if got := resp.Header.Get(idHeader); got != rec.ID {
			conn.Close()
			return nil, errors.Errorf("dialed %s but reached %s", rec.ID, got)
		}
		return &wsConn{conn: conn}, nil
	}
	return nil, errors.Errorf("unknown network %q", rec.Network)
}

func (w *Wire) Disconnect(peer string) error {
	w.mu.RLock()
	l, ok := w.links[peer]
	w.mu.RUnlock()
	if !ok {
		return transport.NewError(transport.NotConnected, peer, nil)
	}
	l.shutdown(true)
	return nil
}

func (w *Wire) Send(peer string, frame []byte) error {
	if len(frame) > transport.MaxFrameLen {
		return transport.NewError(transport.Overflow, peer, nil)
	}
	w.mu.RLock()
	l, ok := w.links[peer]
	w.mu.RUnlock()
	if !ok {
		return transport.NewError(transport.NotConnected, peer, nil)
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)
	if !l.enqueue(buf) {
		select {
		case <-l.done:
			return transport.NewError(transport.NotConnected, peer, nil)
		default:
			return transport.NewError(transport.Overflow, peer, nil)
		}
	}
	return nil
}

func (w *Wire) Connected(peer string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.links[peer]
	return ok
}

// GetConnectedPeers lists peers with a live link
func (w *Wire) GetConnectedPeers() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	peers := make([]string, 0, len(w.links))
	for p := range w.links {
		peers = append(peers, p)
	}
	return peers
}

func (w *Wire) isClosed() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.closed
}

func (w *Wire) Advertise(adv transport.Advertisement) error {
	if w.isClosed() {
		return transport.NewError(transport.Closed, "", nil)
	}
	return w.registry.publish(&advertRecord{
		ID:           w.id,
		Network:      w.opts.Network,
		Address:      w.address,
		Data:         adv.Data,
		ScanResponse: adv.ScanResponse,
		Connectable:  adv.Connectable,
		UpdatedAt:    time.Now(),
	})
}

func (w *Wire) StopAdvertising() error {
	return w.registry.withdraw(w.id)
}

// StartScanning polls the advertising directory every ScanInterval
func (w *Wire) StartScanning(ctx context.Context, filter transport.ScanFilter) (<-chan transport.Advertisement, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, transport.NewError(transport.Closed, "", nil)
	}
	w.wg.Add(1)
	w.mu.Unlock()

	ch := make(chan transport.Advertisement, 16)
	match := filter.Matcher()

	go func() {
		defer w.wg.Done()
		defer close(ch)

		ticker := time.NewTicker(w.opts.ScanInterval)
		defer ticker.Stop()

		for {
			for _, rec := range w.registry.list(w.id) {
				if rec.Network != w.opts.Network {
					continue
				}
				adv := transport.Advertisement{
					Peer:         rec.ID,
					Data:         rec.Data,
					ScanResponse: rec.ScanResponse,
					Connectable:  rec.Connectable,
					RSSI:         w.radio.rssi(),
					SeenAt:       time.Now(),
				}
				if !match(adv) {
					continue
				}
				select {
				case ch <- adv:
				case <-ctx.Done():
					return
				case <-w.quit:
					return
				}
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			case <-w.quit:
				return
			}
		}
	}()
	return ch, nil
}

// Close withdraws the advertisement, drops every link and waits for all
// goroutines (idempotent)
func (w *Wire) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	links := make([]*link, 0, len(w.links))
	for _, l := range w.links {
		links = append(links, l)
	}
	w.mu.Unlock()

	close(w.quit)
	w.registry.withdraw(w.id)
	for _, l := range links {
		l.shutdown(true)
	}

	var err error
	if w.server != nil {
		err = w.server.Close()
	} else if w.listener != nil {
		err = w.listener.Close()
	}
	w.wg.Wait()

	if w.opts.Network == NetworkUnix {
		os.Remove(w.address)
	}
	return err
}

var _ transport.Adapter = (*Wire)(nil)
