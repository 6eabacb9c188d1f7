package wire

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/blue-gatt/transport"
	"github.com/user/blue-gatt/util"
	"github.com/user/blue-gatt/wire/advertising"
	"github.com/user/blue-gatt/wire/gatt"
	"github.com/user/blue-gatt/wire/l2cap"
)

type recorder struct {
	connects    chan string
	frames      chan []byte
	disconnects chan error
}

func newRecorder() *recorder {
	return &recorder{
		connects:    make(chan string, 8),
		frames:      make(chan []byte, 64),
		disconnects: make(chan error, 8),
	}
}

func (r *recorder) OnConnect(peer string, role transport.Role) { r.connects <- peer }
func (r *recorder) OnReceive(peer string, frame []byte)        { r.frames <- frame }
func (r *recorder) OnDisconnect(peer string, reason error) {
	if reason == nil {
		reason = errors.New("local")
	}
	r.disconnects <- reason
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
	var zero T
	return zero
}

func newPair(t *testing.T, network Network) (*Wire, *Wire) {
	t.Helper()
	dir := t.TempDir()
	a, err := New(Options{ID: "a", DataDir: dir, Network: network, ScanInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New(a) failed: %v", err)
	}
	b, err := New(Options{ID: "b", DataDir: dir, Network: network, ScanInterval: 20 * time.Millisecond, EventLog: true})
	if err != nil {
		a.Close()
		t.Fatalf("New(b) failed: %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func advertise(t *testing.T, w *Wire, services ...gatt.UUID) {
	t.Helper()
	adv, rsp, err := (&advertising.Data{LocalName: w.ID(), ServiceUUIDs: services}).Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if err := w.Advertise(transport.Advertisement{Data: adv, ScanResponse: rsp, Connectable: true}); err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
}

func frame(t *testing.T, payload ...byte) []byte {
	t.Helper()
	data, err := l2cap.NewATTPacket(payload).Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return data
}

func testLink(t *testing.T, network Network) {
	central, periph := newPair(t, network)
	cr, pr := newRecorder(), newRecorder()
	central.SetHandler(cr)
	periph.SetHandler(pr)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := central.Connect(ctx, "b"); !errors.Is(err, transport.ErrUnreachable) {
		t.Fatalf("connect before advertising: err = %v, want Unreachable", err)
	}

	advertise(t, periph)
	if err := central.Connect(ctx, "b"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := waitFor(t, pr.connects, "connect"); got != "a" {
		t.Errorf("peripheral saw %q connect", got)
	}

	// Frames flow both ways, in order
	for i := byte(0); i < 3; i++ {
		if err := central.Send("b", frame(t, 0x0A, i, 0x00)); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	for i := byte(0); i < 3; i++ {
		got := waitFor(t, pr.frames, "frame")
		if !bytes.Equal(got, frame(t, 0x0A, i, 0x00)) {
			t.Errorf("frame %d = %X", i, got)
		}
	}
	if err := periph.Send("a", frame(t, 0x0B, 0x42)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := waitFor(t, cr.frames, "reply"); !bytes.Equal(got, frame(t, 0x0B, 0x42)) {
		t.Errorf("reply = %X", got)
	}

	if err := central.Send("b", make([]byte, transport.MaxFrameLen+1)); !errors.Is(err, transport.ErrOverflow) {
		t.Errorf("oversized: err = %v, want Overflow", err)
	}

	if err := central.Disconnect("b"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if reason := waitFor(t, cr.disconnects, "local disconnect"); reason.Error() != "local" {
		t.Errorf("local reason = %v", reason)
	}
	reason := waitFor(t, pr.disconnects, "remote disconnect")
	if !errors.Is(reason, transport.ErrRemoteDisconnect) && !errors.Is(reason, transport.ErrLinkLost) {
		t.Errorf("remote reason = %v", reason)
	}
	if err := central.Send("b", frame(t, 0x0A)); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("send after disconnect: err = %v", err)
	}
}

func TestUnixLink(t *testing.T) {
	testLink(t, NetworkUnix)
}

func TestWebSocketLink(t *testing.T) {
	testLink(t, NetworkWebSocket)
}

func TestScanning(t *testing.T) {
	central, periph := newPair(t, NetworkUnix)
	advertise(t, periph, gatt.UUID16(0x180D))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := central.StartScanning(ctx, transport.ScanFilter{Services: []gatt.UUID{gatt.UUID16(0x180D)}})
	if err != nil {
		t.Fatalf("StartScanning failed: %v", err)
	}
	adv := waitFor(t, ch, "advertisement")
	if adv.Peer != "b" || !adv.Connectable || adv.RSSI != -50 {
		t.Errorf("adv = %+v", adv)
	}
	data, err := adv.Decode()
	if err != nil || data.LocalName != "b" {
		t.Errorf("decoded = %+v, %v", data, err)
	}

	periph.StopAdvertising()
	cancel()
	for range ch {
	}
}

func TestCloseWithdrawsAndDisconnects(t *testing.T) {
	central, periph := newPair(t, NetworkUnix)
	cr := newRecorder()
	central.SetHandler(cr)
	periph.SetHandler(newRecorder())

	advertise(t, periph)
	if err := central.Connect(context.Background(), "b"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := periph.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	waitFor(t, cr.disconnects, "disconnect after peer close")

	dir := filepath.Dir(periph.registry.path("b"))
	if _, err := os.Stat(filepath.Join(dir, "b.json")); !os.IsNotExist(err) {
		t.Errorf("advertisement still present: %v", err)
	}
	if err := central.Connect(context.Background(), "b"); !errors.Is(err, transport.ErrUnreachable) {
		t.Errorf("connect to closed peer: err = %v", err)
	}
	if err := periph.Advertise(transport.Advertisement{}); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("advertise after close: err = %v", err)
	}

	events, err := os.ReadFile(filepath.Join(util.GetDeviceDir(periph.opts.DataDir, "b"), ConnectionEventsFile))
	if err != nil || !bytes.Contains(events, []byte("connection_accepted")) {
		t.Errorf("connection events = %s, %v", events, err)
	}
}

func TestConnectTimeout(t *testing.T) {
	dir := t.TempDir()
	radio := PerfectRadioConfig()
	radio.MinConnectionDelay = time.Second
	radio.MaxConnectionDelay = time.Second
	central, err := New(Options{ID: "c", DataDir: dir, Radio: radio})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer central.Close()
	periph, err := New(Options{ID: "p", DataDir: dir})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer periph.Close()
	advertise(t, periph)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := central.Connect(ctx, "p"); !errors.Is(err, transport.ErrTimeout) {
		t.Errorf("err = %v, want Timeout", err)
	}
}

func TestRadio(t *testing.T) {
	r := newRadio(nil)
	if !r.connectionSucceeds() || r.connectionDelay() != 0 || r.rssi() != -50 {
		t.Error("perfect radio should never fail or delay")
	}

	cfg := DefaultRadioConfig()
	cfg.Deterministic = true
	cfg.Seed = 7
	r = newRadio(cfg)
	for i := 0; i < 100; i++ {
		d := r.connectionDelay()
		if d < cfg.MinConnectionDelay || d >= cfg.MaxConnectionDelay {
			t.Fatalf("delay %v out of range", d)
		}
		if v := r.rssi(); v < -60 || v > -40 {
			t.Fatalf("rssi %d out of range", v)
		}
	}

	cfg.ConnectionFailureRate = 1
	if newRadio(cfg).connectionSucceeds() {
		t.Error("failure rate 1 should always fail")
	}
}
