package memory

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/user/blue-gatt/transport"
	"github.com/user/blue-gatt/wire/advertising"
	"github.com/user/blue-gatt/wire/gatt"
)

type recorder struct {
	connects    chan string
	frames      chan []byte
	disconnects chan error
	block       chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		connects:    make(chan string, 16),
		frames:      make(chan []byte, 1024),
		disconnects: make(chan error, 16),
	}
}

func (r *recorder) OnConnect(peer string, role transport.Role) {
	r.connects <- peer
}

func (r *recorder) OnReceive(peer string, frame []byte) {
	if r.block != nil {
		<-r.block
	}
	r.frames <- frame
}

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
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
	var zero T
	return zero
}

func advertise(t *testing.T, a *Adapter, services ...gatt.UUID) {
	t.Helper()
	adv, rsp, err := (&advertising.Data{LocalName: a.ID(), ServiceUUIDs: services}).Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if err := a.Advertise(transport.Advertisement{Data: adv, ScanResponse: rsp, Connectable: true}); err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
}

func TestScanSeesAdvertisements(t *testing.T) {
	air := NewAir()
	periph := air.NewAdapter("periph")
	central := air.NewAdapter("central")
	defer periph.Close()
	defer central.Close()

	advertise(t, periph, gatt.UUID16(0x180D))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := central.StartScanning(ctx, transport.ScanFilter{Services: []gatt.UUID{gatt.UUID16(0x180D)}})
	if err != nil {
		t.Fatalf("StartScanning failed: %v", err)
	}

	adv := waitFor(t, ch, "advertisement")
	if adv.Peer != "periph" || !adv.Connectable {
		t.Errorf("adv = %+v", adv)
	}
	data, err := adv.Decode()
	if err != nil || data.LocalName != "periph" {
		t.Errorf("decoded = %+v, %v", data, err)
	}

	// Duplicates are filtered
	advertise(t, periph, gatt.UUID16(0x180D))
	select {
	case dup := <-ch:
		t.Errorf("unexpected duplicate %+v", dup)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	for range ch {
	}
}

func TestConnectSendDisconnect(t *testing.T) {
	air := NewAir()
	periph := air.NewAdapter("periph")
	central := air.NewAdapter("central")
	defer periph.Close()
	defer central.Close()

	pr, cr := newRecorder(), newRecorder()
	periph.SetHandler(pr)
	central.SetHandler(cr)

	ctx := context.Background()
	if err := central.Connect(ctx, "periph"); !errors.Is(err, transport.ErrUnreachable) {
		t.Fatalf("connect before advertising: err = %v, want Unreachable", err)
	}

	advertise(t, periph)
	if err := central.Connect(ctx, "periph"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := waitFor(t, pr.connects, "connect"); got != "central" {
		t.Errorf("peripheral saw connect from %q", got)
	}
	if !central.Connected("periph") || !periph.Connected("central") {
		t.Fatal("link should be up on both sides")
	}

	for i := 0; i < 3; i++ {
		if err := central.Send("periph", []byte{byte(i)}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if got := waitFor(t, pr.frames, "frame"); !bytes.Equal(got, []byte{byte(i)}) {
			t.Errorf("frame %d = %v", i, got)
		}
	}

	if err := central.Send("periph", make([]byte, transport.MaxFrameLen+1)); !errors.Is(err, transport.ErrOverflow) {
		t.Errorf("oversized frame: err = %v, want Overflow", err)
	}

	if err := central.Disconnect("periph"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if reason := waitFor(t, pr.disconnects, "remote disconnect"); !errors.Is(reason, transport.ErrRemoteDisconnect) {
		t.Errorf("peripheral reason = %v", reason)
	}
	waitFor(t, cr.disconnects, "local disconnect")

	if err := central.Send("periph", []byte{1}); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("send after disconnect: err = %v, want NotConnected", err)
	}
}

func TestSendOverflow(t *testing.T) {
	air := NewAir()
	periph := air.NewAdapter("periph")
	central := air.NewAdapter("central")
	defer central.Close()

	pr := newRecorder()
	pr.block = make(chan struct{})
	periph.SetHandler(pr)
	periph.SetQueueLimit(2)

	advertise(t, periph)
	if err := central.Connect(context.Background(), "periph"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	var overflow error
	for i := 0; i < 10 && overflow == nil; i++ {
		overflow = central.Send("periph", []byte{byte(i)})
	}
	if !errors.Is(overflow, transport.ErrOverflow) {
		t.Errorf("err = %v, want Overflow", overflow)
	}
	close(pr.block)
	periph.Close()
}

func TestDropAndClose(t *testing.T) {
	air := NewAir()
	periph := air.NewAdapter("periph")
	central := air.NewAdapter("")
	if central.ID() == "" {
		t.Fatal("adapter should get a random id")
	}

	pr, cr := newRecorder(), newRecorder()
	periph.SetHandler(pr)
	central.SetHandler(cr)
	advertise(t, periph)

	ctx := context.Background()
	if err := central.Connect(ctx, "periph"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, pr.connects, "connect")

	if !air.Drop("periph", central.ID()) {
		t.Fatal("Drop reported no link")
	}
	if reason := waitFor(t, cr.disconnects, "link loss"); !errors.Is(reason, transport.ErrLinkLost) {
		t.Errorf("reason = %v, want ErrLinkLost", reason)
	}
	waitFor(t, pr.disconnects, "link loss")

	if err := central.Connect(ctx, "periph"); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	waitFor(t, pr.connects, "reconnect")

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, _ := central.StartScanning(scanCtx, transport.ScanFilter{})

	central.Close()
	if reason := waitFor(t, pr.disconnects, "close"); !errors.Is(reason, transport.ErrRemoteDisconnect) {
		t.Errorf("reason = %v", reason)
	}
	for range ch {
	}
	if err := central.Advertise(transport.Advertisement{}); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("advertise after close: err = %v", err)
	}
	periph.Close()
}
