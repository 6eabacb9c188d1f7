package host

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/blue-gatt/logger"
	"github.com/user/blue-gatt/transport"
	"github.com/user/blue-gatt/transport/memory"
	"github.com/user/blue-gatt/wire/advertising"
	"github.com/user/blue-gatt/wire/att"
	"github.com/user/blue-gatt/wire/gatt"
	"github.com/user/blue-gatt/wire/l2cap"
)

// rawLink drives one side of a link with hand-built ATT PDUs
type rawLink struct {
	t    *testing.T
	a    *memory.Adapter
	peer string
	raw  *rawPeer
}

func newRawLink(t *testing.T, air *memory.Air, id, peer string) *rawLink {
	t.Helper()
	l := &rawLink{t: t, a: air.NewAdapter(id), peer: peer, raw: &rawPeer{frames: make(chan []byte, 1024)}}
	l.a.SetHandler(l.raw)
	t.Cleanup(func() { l.a.Close() })
	return l
}

// newRawPeripheral advertises id so a host can connect to it
func newRawPeripheral(t *testing.T, air *memory.Air, id, peer string) *rawLink {
	t.Helper()
	l := newRawLink(t, air, id, peer)
	if err := l.a.Advertise(transport.Advertisement{Connectable: true}); err != nil {
		t.Fatalf("Advertise: %v", err)
	}
	return l
}

func (l *rawLink) send(pkt att.Packet) {
	l.t.Helper()
	pdu, err := att.EncodePacket(pkt)
	if err != nil {
		l.t.Fatalf("encode %T: %v", pkt, err)
	}
	frame, err := l2cap.NewATTPacket(pdu).Encode()
	if err != nil {
		l.t.Fatalf("encode frame: %v", err)
	}
	if err := l.a.Send(l.peer, frame); err != nil {
		l.t.Fatalf("Send: %v", err)
	}
}

func (l *rawLink) next(what string) att.Packet {
	l.t.Helper()
	frame := waitFor(l.t, l.raw.frames, what)
	pkt, err := l2cap.Decode(frame)
	if err != nil {
		l.t.Fatalf("decode frame: %v", err)
	}
	p, err := att.DecodePacket(pkt.Payload)
	if err != nil {
		l.t.Fatalf("decode ATT: %v", err)
	}
	return p
}

// quiet fails if anything arrives within d
func (l *rawLink) quiet(d time.Duration) {
	l.t.Helper()
	select {
	case frame := <-l.raw.frames:
		l.t.Fatalf("unexpected frame % X", frame)
	case <-time.After(d):
	}
}

func expect[T att.Packet](t *testing.T, l *rawLink, what string) T {
	t.Helper()
	p := l.next(what)
	v, ok := p.(T)
	if !ok {
		var zero T
		t.Fatalf("%s: got %T, want %T", what, p, zero)
	}
	return v
}

func waitState(t *testing.T, h *Host, peer string, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if info, ok := h.Conn(peer); ok && info.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	info, _ := h.Conn(peer)
	t.Fatalf("%s never reached %s, last %+v", peer, want, info)
}

func echoService() gatt.Service {
	return gatt.Service{
		UUID:    gatt.UUID16(0xFFF0),
		Primary: true,
		Characteristics: []gatt.Characteristic{
			{UUID: gatt.UUID16(0xFFF1), Properties: gatt.PropRead | gatt.PropWriteWithoutResponse, Value: []byte("idle")},
		},
	}
}

func valueHandle(t *testing.T, h *Host, char uint16) uint16 {
	t.Helper()
	chars := h.Database().Characteristics(gatt.UUID16(char))
	if len(chars) != 1 {
		t.Fatalf("%d characteristics %04X", len(chars), char)
	}
	return chars[0].ValueHandle
}

// lockedBuffer collects log lines written from the loop goroutine
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLog(t *testing.T) *lockedBuffer {
	b := &lockedBuffer{}
	logger.SetOutput(b)
	t.Cleanup(func() { logger.SetOutput(os.Stdout) })
	return b
}

func TestRequestsHeldUntilReady(t *testing.T) {
	air := memory.NewAir()
	c := newHost(t, air, centralID, Options{})
	if _, err := c.AddService(echoService()); err != nil {
		t.Fatalf("AddService: %v", err)
	}
	handle := valueHandle(t, c, 0xFFF1)
	p := newRawPeripheral(t, air, peripheralID, centralID)

	done := make(chan error, 1)
	if err := c.Connect(peripheralID, func(err error) { done <- err }); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	expect[*att.ExchangeMTURequest](t, p, "MTU request")
	p.send(&att.ExchangeMTUResponse{ServerRxMTU: 23})
	group := expect[*att.ReadByGroupTypeRequest](t, p, "service discovery")
	waitState(t, c, peripheralID, ServiceDiscovery)

	// The write must land before the read is answered
	p.send(&att.WriteCommand{Handle: handle, Value: []byte{0xAB}})
	p.send(&att.ReadRequest{Handle: handle})
	p.quiet(100 * time.Millisecond)

	var held int
	if err := c.loop.Do(func() { held = len(c.conns[peripheralID].inbox) }); err != nil {
		t.Fatal(err)
	}
	if held != 2 {
		t.Fatalf("%d PDUs held during discovery, want 2", held)
	}

	p.send(&att.ErrorResponse{RequestOpcode: att.OpReadByGroupTypeRequest, Handle: group.StartHandle, ErrorCode: att.ErrAttributeNotFound})
	if err := waitFor(t, done, "connect"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	resp := expect[*att.ReadResponse](t, p, "read response")
	if !bytes.Equal(resp.Value, []byte{0xAB}) {
		t.Errorf("read answered with % X, want AB", resp.Value)
	}
	p.quiet(50 * time.Millisecond)
}

func TestPDUsDiscardedAfterDisconnect(t *testing.T) {
	air := memory.NewAir()
	rec := newRecorder()
	reads := make(chan *AccessRequest, 4)
	rec.willRead = func(req *AccessRequest) uint8 {
		reads <- req
		return 0
	}
	p := startPeripheral(t, air, rec, echoService())
	handle := valueHandle(t, p, 0xFFF1)

	c := newRawLink(t, air, centralID, peripheralID)
	if err := c.a.Connect(t.Context(), peripheralID); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, p, centralID, Ready)

	frame := func(pkt att.Packet) []byte {
		pdu, err := att.EncodePacket(pkt)
		if err != nil {
			t.Fatal(err)
		}
		f, err := l2cap.NewATTPacket(pdu).Encode()
		if err != nil {
			t.Fatal(err)
		}
		return f
	}
	readFrame := frame(&att.ReadRequest{Handle: handle})
	writeFrame := frame(&att.WriteCommand{Handle: handle, Value: []byte("late")})

	var state State
	var held int
	if err := p.loop.Do(func() {
		conn := p.conns[centralID]
		conn.disconnect(errLocal)
		conn.receive(readFrame)
		conn.receive(writeFrame)
		state = conn.state
		held = len(conn.inbox)
	}); err != nil {
		t.Fatal(err)
	}
	if state != Disconnecting || held != 0 {
		t.Fatalf("after Disconnect: state %s, %d PDUs held", state, held)
	}

	if err := waitFor(t, rec.disconnected, "disconnect"); !errors.Is(err, errLocal) {
		t.Errorf("disconnect reason = %v", err)
	}
	c.quiet(100 * time.Millisecond)
	select {
	case req := <-reads:
		t.Errorf("WillRead called after Disconnect for 0x%04X", req.Handle)
	case reqs := <-rec.didWrite:
		t.Errorf("DidWrite called after Disconnect with %d writes", len(reqs))
	default:
	}
	if v, _ := p.Database().Lookup(handle); string(v.Value) != "idle" {
		t.Errorf("value changed to %q after Disconnect", v.Value)
	}
}

func TestInboxOverflowDropped(t *testing.T) {
	air := memory.NewAir()
	rec := newRecorder()
	release := make(chan struct{})
	rec.willRead = func(*AccessRequest) uint8 {
		<-release
		return 0
	}

	a := air.NewAdapter(peripheralID)
	a.SetQueueLimit(4 * maxInbox)
	p, err := New(Options{Adapter: a, Delegate: rec})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	if _, err := p.AddService(echoService()); err != nil {
		t.Fatalf("AddService: %v", err)
	}
	if err := p.Advertise(&advertising.Data{LocalName: "test"}, true); err != nil {
		t.Fatalf("Advertise: %v", err)
	}
	handle := valueHandle(t, p, 0xFFF1)

	c := newRawLink(t, air, centralID, peripheralID)
	c.a.SetQueueLimit(4 * maxInbox)
	if err := c.a.Connect(t.Context(), peripheralID); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, p, centralID, Ready)
	logs := captureLog(t)

	// The first read holds the connection busy in WillRead; the next
	// maxInbox wait, the rest are dropped.
	const extra = 10
	for i := 0; i < maxInbox+1+extra; i++ {
		c.send(&att.ReadRequest{Handle: handle})
	}

	deadline := time.Now().Add(3 * time.Second)
	for strings.Count(logs.String(), "inbox full, dropping Read Request") < extra {
		if time.Now().After(deadline) {
			t.Fatalf("missing overflow warnings, log:\n%s", logs.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	var held int
	if err := p.loop.Do(func() { held = len(p.conns[centralID].inbox) }); err != nil {
		t.Fatal(err)
	}
	if held != maxInbox {
		t.Fatalf("inbox holds %d PDUs, want %d", held, maxInbox)
	}

	close(release)
	for i := 0; i < maxInbox+1; i++ {
		expect[*att.ReadResponse](t, c, "read response")
	}
	c.quiet(200 * time.Millisecond)
	if n := strings.Count(logs.String(), "inbox full"); n != extra {
		t.Errorf("%d overflow warnings, want %d", n, extra)
	}
	if !strings.Contains(logs.String(), "WARN") {
		t.Errorf("overflow not logged at WARN:\n%s", logs.String())
	}
	info, _ := p.Conn(centralID)
	if info.State != Ready {
		t.Errorf("link %s after overflow, want Ready", info.State)
	}
}

// discoverAgainst connects c to a raw peripheral that answers each
// discovery request with the next reply, and returns the connect result
func discoverAgainst(t *testing.T, replies ...att.Packet) error {
	t.Helper()
	air := memory.NewAir()
	c := newHost(t, air, centralID, Options{})
	p := newRawPeripheral(t, air, peripheralID, centralID)

	done := make(chan error, 1)
	if err := c.Connect(peripheralID, func(err error) { done <- err }); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for _, reply := range replies {
		p.next("discovery request")
		p.send(reply)
	}
	return waitFor(t, done, "connect")
}

func TestDiscoveryRejectsBackwardHandles(t *testing.T) {
	service := &att.ReadByGroupTypeResponse{Length: 6, AttributeData: []byte{0x01, 0x00, 0x10, 0x00, 0xF0, 0xFF}}
	noMoreServices := &att.ErrorResponse{RequestOpcode: att.OpReadByGroupTypeRequest, Handle: 0x0011, ErrorCode: att.ErrAttributeNotFound}
	// declaration 0x0002, read, value 0x0003, UUID FFF1
	char := &att.ReadByTypeResponse{Length: 7, AttributeData: []byte{0x02, 0x00, gatt.PropRead, 0x03, 0x00, 0xF1, 0xFF}}

	t.Run("characteristics", func(t *testing.T) {
		// the second page starts at 0x0004 and repeats the first
		err := discoverAgainst(t, &att.ExchangeMTUResponse{ServerRxMTU: 23}, service, noMoreServices, char, char)
		if !errors.Is(err, att.ErrMalformedPDU) {
			t.Fatalf("connect error = %v, want malformed PDU", err)
		}
	})

	t.Run("descriptors", func(t *testing.T) {
		noMoreChars := &att.ErrorResponse{RequestOpcode: att.OpReadByTypeRequest, Handle: 0x0004, ErrorCode: att.ErrAttributeNotFound}
		// handle 0x0003 is below the 0x0004 the walk asked from
		desc := &att.FindInformationResponse{Format: 0x01, Data: []byte{0x03, 0x00, 0x02, 0x29}}
		err := discoverAgainst(t, &att.ExchangeMTUResponse{ServerRxMTU: 23}, service, noMoreServices, char, noMoreChars, desc)
		if !errors.Is(err, att.ErrMalformedPDU) {
			t.Fatalf("connect error = %v, want malformed PDU", err)
		}
	})
}

func TestConcurrentReadsQueued(t *testing.T) {
	air := memory.NewAir()
	rec := newRecorder()
	rec.willRead = func(*AccessRequest) uint8 {
		time.Sleep(10 * time.Millisecond)
		return 0
	}
	p := startPeripheral(t, air, rec, echoService())
	handle := valueHandle(t, p, 0xFFF1)
	c := newHost(t, air, centralID, Options{})
	connect(t, c, peripheralID)

	type result struct {
		value []byte
		err   error
	}
	const n = 8
	results := make(chan result, n)
	for i := 0; i < n; i++ {
		go c.Read(peripheralID, handle, func(v []byte, err error) { results <- result{v, err} })
	}
	for i := 0; i < n; i++ {
		r := waitFor(t, results, "read")
		if r.err != nil {
			t.Fatalf("read %d: %v", i, r.err)
		}
		if string(r.value) != "idle" {
			t.Errorf("read %d = %q", i, r.value)
		}
	}
	info, _ := c.Conn(peripheralID)
	if info.State != Ready {
		t.Errorf("link %s after concurrent reads", info.State)
	}
}

// writeHook runs will inside WillWrite before allowing the batch
type writeHook struct {
	BaseDelegate
	will func([]*AccessRequest)
}

func (w *writeHook) WillWrite(reqs []*AccessRequest, respond func(uint8)) {
	w.will(reqs)
	respond(0)
}

func TestExecuteWriteAllOrNothing(t *testing.T) {
	air := memory.NewAir()
	hook := &writeHook{}
	p := startPeripheral(t, air, hook, gatt.Service{
		UUID:    gatt.UUID16(0xFFF0),
		Primary: true,
		Characteristics: []gatt.Characteristic{
			gatt.NewReadWriteCharacteristic(gatt.UUID16(0xFFF1), []byte("alpha")),
			gatt.NewReadWriteCharacteristic(gatt.UUID16(0xFFF2), []byte("beta")),
		},
	})
	first, second := valueHandle(t, p, 0xFFF1), valueHandle(t, p, 0xFFF2)
	// the table shrinks while the batch waits for approval
	hook.will = func([]*AccessRequest) {
		if err := p.Database().SetValue(second, nil); err != nil {
			t.Errorf("SetValue: %v", err)
		}
	}

	c := newRawLink(t, air, centralID, peripheralID)
	if err := c.a.Connect(t.Context(), peripheralID); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, p, centralID, Ready)

	c.send(&att.PrepareWriteRequest{Handle: first, Offset: 0, Value: []byte("ALPHA")})
	expect[*att.PrepareWriteResponse](t, c, "prepare write response")
	c.send(&att.PrepareWriteRequest{Handle: second, Offset: 4, Value: []byte("!")})
	expect[*att.PrepareWriteResponse](t, c, "prepare write response")
	c.send(&att.ExecuteWriteRequest{Flags: att.ExecuteWriteCommit})
	c.raw.expectError(t, att.OpExecuteWriteRequest, att.ErrInvalidOffset)

	if a, _ := p.Database().Lookup(first); string(a.Value) != "alpha" {
		t.Errorf("first value %q after a failed execute, want alpha", a.Value)
	}
	if a, _ := p.Database().Lookup(second); len(a.Value) != 0 {
		t.Errorf("second value %q, want the empty value the hook set", a.Value)
	}
}
