package swift

import (
	"bytes"
	"testing"
	"time"

	"github.com/user/blue-gatt/transport/memory"
)

func TestAddServiceBindsHandles(t *testing.T) {
	air := memory.NewAir()
	d := newTestPeripheralManagerDelegate()
	hr := heartRateService()
	echo := echoService()
	pm := startPeripheralManager(t, air, d, hr, echo)

	if got := pm.Services(); len(got) != 2 || got[0] != hr || got[1] != echo {
		t.Fatalf("Services() = %v", got)
	}
	// Service, declaration, value, CCCD for 2A37; declaration, value for 2A38
	if hr.start != 1 || hr.Characteristics[0].handle != 3 || hr.Characteristics[1].handle != 6 {
		t.Errorf("handles: service %d, 2A37 %d, 2A38 %d", hr.start, hr.Characteristics[0].handle, hr.Characteristics[1].handle)
	}
	if echo.start != 7 {
		t.Errorf("second service starts at %d, want 7", echo.start)
	}
	for _, c := range hr.Characteristics {
		if c.Service != hr {
			t.Errorf("%s has no parent service", c.UUID)
		}
	}
	if !pm.IsAdvertising() {
		t.Error("IsAdvertising = false after StartAdvertising")
	}
}

func TestAddServiceRejectsWritableCachedValue(t *testing.T) {
	air := memory.NewAir()
	d := newTestPeripheralManagerDelegate()
	pm := startPeripheralManager(t, air, d)

	svc := &CBMutableService{
		UUID:      "180F",
		IsPrimary: true,
		Characteristics: []*CBMutableCharacteristic{{
			UUID:        "2A19",
			Properties:  CBCharacteristicPropertyRead | CBCharacteristicPropertyWrite,
			Permissions: CBAttributePermissionsReadable | CBAttributePermissionsWriteable,
			Value:       []byte{100},
		}},
	}
	if err := pm.AddService(svc); err == nil {
		t.Fatal("AddService accepted a writable characteristic with a cached value")
	}
	if err := waitFor(t, d.didAddService, "DidAddService"); err == nil {
		t.Error("DidAddService reported success")
	}
	if len(pm.Services()) != 0 {
		t.Error("rejected service was published")
	}

	if err := pm.AddService(&CBMutableService{UUID: "bogus", IsPrimary: true}); err == nil {
		t.Error("AddService accepted a malformed UUID")
	}
	waitFor(t, d.didAddService, "DidAddService")
}

func TestStaticValueServedWithoutDelegate(t *testing.T) {
	air := memory.NewAir()
	md := newTestPeripheralManagerDelegate()
	startPeripheralManager(t, air, md, heartRateService())

	cd := newTestCentralDelegate()
	cm := startCentralManager(t, air, cd, nil)
	pd := newTestPeripheralDelegate()
	p := connectAndDiscover(t, cm, cd, pd)

	location := p.Characteristic("180D", "2A38")
	if location == nil {
		t.Fatal("2A38 not discovered")
	}
	p.ReadValue(location)
	r := waitFor(t, pd.didUpdateValue, "read of 2A38")
	if r.err != nil {
		t.Fatalf("read: %v", r.err)
	}
	if !bytes.Equal(r.char.Value, []byte{0x01}) {
		t.Errorf("value = %X, want 01", r.char.Value)
	}
	expectNone(t, md.didReceiveRead, "read request for a cached value")
}

func TestReadRequestAnsweredByDelegate(t *testing.T) {
	air := memory.NewAir()
	md := newTestPeripheralManagerDelegate()
	md.readValue = []byte("hello from the peripheral")
	startPeripheralManager(t, air, md, echoService())

	cd := newTestCentralDelegate()
	cm := startCentralManager(t, air, cd, nil)
	pd := newTestPeripheralDelegate()
	p := connectAndDiscover(t, cm, cd, pd)

	rx := p.Characteristic(echoService().UUID, "6E400002-B5A3-F393-E0A9-E50E24DCCA9E")
	p.ReadValue(rx)

	req := waitFor(t, md.didReceiveRead, "DidReceiveReadRequest")
	if req.Central.UUID != centralUUID {
		t.Errorf("request from %s, want %s", req.Central.UUID, centralUUID)
	}
	if req.Characteristic.UUID != "6E400002-B5A3-F393-E0A9-E50E24DCCA9E" {
		t.Errorf("request for %s", req.Characteristic.UUID)
	}
	r := waitFor(t, pd.didUpdateValue, "DidUpdateValueForCharacteristic")
	if r.err != nil {
		t.Fatalf("read: %v", r.err)
	}
	if string(r.char.Value) != "hello from the peripheral" {
		t.Errorf("value = %q", r.char.Value)
	}
}

func TestReadRequestRefused(t *testing.T) {
	air := memory.NewAir()
	md := newTestPeripheralManagerDelegate()
	md.result = CBATTErrorInsufficientAuthorization
	startPeripheralManager(t, air, md, echoService())

	cd := newTestCentralDelegate()
	cm := startCentralManager(t, air, cd, nil)
	pd := newTestPeripheralDelegate()
	p := connectAndDiscover(t, cm, cd, pd)

	p.ReadValue(p.Characteristic(echoService().UUID, "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"))
	waitFor(t, md.didReceiveRead, "DidReceiveReadRequest")
	r := waitFor(t, pd.didUpdateValue, "DidUpdateValueForCharacteristic")
	if ATTErrorOf(r.err) != CBATTErrorInsufficientAuthorization {
		t.Errorf("error = %v, want insufficient authorization", r.err)
	}
}

func TestUnansweredRequestFails(t *testing.T) {
	air := memory.NewAir()
	md := newTestPeripheralManagerDelegate()
	md.silent = true
	pm, err := NewCBPeripheralManager(md, air.NewAdapter(peripheralUUID), &CBManagerOptions{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewCBPeripheralManager: %v", err)
	}
	t.Cleanup(func() { pm.Close() })
	waitFor(t, md.didUpdateState, "state")
	if err := pm.AddService(echoService()); err != nil {
		t.Fatalf("AddService: %v", err)
	}
	if err := pm.StartAdvertising(nil); err != nil {
		t.Fatalf("StartAdvertising: %v", err)
	}

	cd := newTestCentralDelegate()
	cm := startCentralManager(t, air, cd, nil)
	pd := newTestPeripheralDelegate()
	p := connectAndDiscover(t, cm, cd, pd)

	rx := p.Characteristic(echoService().UUID, "6E400002-B5A3-F393-E0A9-E50E24DCCA9E")
	p.WriteValue([]byte{1}, rx, CBCharacteristicWriteWithResponse)
	reqs := waitFor(t, md.didReceiveWrite, "DidReceiveWriteRequests")

	r := waitFor(t, pd.didWriteValue, "DidWriteValueForCharacteristic")
	if ATTErrorOf(r.err) != CBATTErrorUnlikelyError {
		t.Errorf("error = %v, want unlikely error", r.err)
	}
	// A late answer is dropped
	pm.RespondToRequest(reqs[0], CBATTErrorSuccess)
	pm.RespondToRequest(reqs[0], CBATTErrorSuccess)
}

func TestUnansweredRequestsFromManyCentrals(t *testing.T) {
	air := memory.NewAir()
	md := newTestPeripheralManagerDelegate()
	md.silent = true
	pm, err := NewCBPeripheralManager(md, air.NewAdapter(peripheralUUID), &CBManagerOptions{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewCBPeripheralManager: %v", err)
	}
	t.Cleanup(func() { pm.Close() })
	waitFor(t, md.didUpdateState, "state")
	if err := pm.AddService(echoService()); err != nil {
		t.Fatalf("AddService: %v", err)
	}
	if err := pm.StartAdvertising(nil); err != nil {
		t.Fatalf("StartAdvertising: %v", err)
	}

	ids := []string{
		"c0ffee00-0000-4000-8000-000000000011",
		"c0ffee00-0000-4000-8000-000000000012",
		"c0ffee00-0000-4000-8000-000000000013",
		"c0ffee00-0000-4000-8000-000000000014",
	}
	peripherals := make([]*CBPeripheral, len(ids))
	delegates := make([]*testPeripheralDelegate, len(ids))
	for i, id := range ids {
		cd := newTestCentralDelegate()
		cm, err := NewCBCentralManager(cd, air.NewAdapter(id), &CBManagerOptions{Timeout: 2 * time.Second})
		if err != nil {
			t.Fatalf("NewCBCentralManager(%s): %v", id, err)
		}
		t.Cleanup(func() { cm.Close() })
		waitFor(t, cd.didUpdateState, "central manager state")
		delegates[i] = newTestPeripheralDelegate()
		peripherals[i] = connectAndDiscover(t, cm, cd, delegates[i])
	}

	start := time.Now()
	for _, p := range peripherals[:3] {
		p.ReadValue(p.Characteristic(echoService().UUID, "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"))
	}
	for range 3 {
		waitFor(t, md.didReceiveRead, "DidReceiveReadRequest")
	}

	// Other delegate events keep flowing while the reads wait
	tx := peripherals[3].Characteristic(echoService().UUID, "6E400003-B5A3-F393-E0A9-E50E24DCCA9E")
	peripherals[3].SetNotifyValue(true, tx)
	waitFor(t, md.didSubscribe, "CentralDidSubscribe")
	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Errorf("subscribe waited %v behind unanswered reads", elapsed)
	}

	for i, pd := range delegates[:3] {
		r := waitFor(t, pd.didUpdateValue, "read result")
		if ATTErrorOf(r.err) != CBATTErrorUnlikelyError {
			t.Errorf("central %d: error = %v, want unlikely error", i, r.err)
		}
	}
	if elapsed := time.Since(start); elapsed > 1800*time.Millisecond {
		t.Errorf("answers took %v, longer than the centrals' timeout allows", elapsed)
	}
	for i, p := range peripherals {
		if p.State() != CBPeripheralStateConnected {
			t.Errorf("central %d: link %s", i, p.State())
		}
	}
}

func TestRequestAnsweredFromAnotherGoroutine(t *testing.T) {
	air := memory.NewAir()
	md := newTestPeripheralManagerDelegate()
	md.silent = true
	pm := startPeripheralManager(t, air, md, echoService())

	cd := newTestCentralDelegate()
	cm := startCentralManager(t, air, cd, nil)
	pd := newTestPeripheralDelegate()
	p := connectAndDiscover(t, cm, cd, pd)

	p.ReadValue(p.Characteristic(echoService().UUID, "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"))
	req := waitFor(t, md.didReceiveRead, "DidReceiveReadRequest")
	go func() {
		req.Value = []byte("later")
		pm.RespondToRequest(req, CBATTErrorSuccess)
	}()

	r := waitFor(t, pd.didUpdateValue, "read result")
	if r.err != nil || string(r.char.Value) != "later" {
		t.Fatalf("read = %q, %v", r.char.Value, r.err)
	}
}

func TestWriteRequests(t *testing.T) {
	air := memory.NewAir()
	md := newTestPeripheralManagerDelegate()
	startPeripheralManager(t, air, md, echoService())

	cd := newTestCentralDelegate()
	cm := startCentralManager(t, air, cd, &CBManagerOptions{MTU: 23})
	pd := newTestPeripheralDelegate()
	p := connectAndDiscover(t, cm, cd, pd)
	rx := p.Characteristic(echoService().UUID, "6E400002-B5A3-F393-E0A9-E50E24DCCA9E")

	p.WriteValue([]byte("ping"), rx, CBCharacteristicWriteWithResponse)
	reqs := waitFor(t, md.didReceiveWrite, "DidReceiveWriteRequests")
	if len(reqs) != 1 || string(reqs[0].Value) != "ping" || reqs[0].Offset != 0 {
		t.Fatalf("write requests = %+v", reqs)
	}
	if r := waitFor(t, pd.didWriteValue, "DidWriteValueForCharacteristic"); r.err != nil {
		t.Fatalf("write: %v", r.err)
	}

	// Longer than one PDU at MTU 23
	long := bytes.Repeat([]byte("0123456789"), 10)
	p.WriteValue(long, rx, CBCharacteristicWriteWithResponse)
	reqs = waitFor(t, md.didReceiveWrite, "DidReceiveWriteRequests for a long write")
	var got []byte
	for _, r := range reqs {
		if r.Offset != len(got) {
			t.Fatalf("request at offset %d, have %d bytes", r.Offset, len(got))
		}
		got = append(got, r.Value...)
	}
	if !bytes.Equal(got, long) {
		t.Errorf("long write delivered %q", got)
	}
	if r := waitFor(t, pd.didWriteValue, "long write result"); r.err != nil {
		t.Fatalf("long write: %v", r.err)
	}

	md.result = CBATTErrorWriteNotPermitted
	p.WriteValue([]byte("no"), rx, CBCharacteristicWriteWithResponse)
	waitFor(t, md.didReceiveWrite, "refused write")
	if r := waitFor(t, pd.didWriteValue, "refused write result"); ATTErrorOf(r.err) != CBATTErrorWriteNotPermitted {
		t.Errorf("refused write error = %v", r.err)
	}
}

func TestWriteWithoutResponseReported(t *testing.T) {
	air := memory.NewAir()
	md := newTestPeripheralManagerDelegate()
	startPeripheralManager(t, air, md, echoService())

	cd := newTestCentralDelegate()
	cm := startCentralManager(t, air, cd, nil)
	pd := newTestPeripheralDelegate()
	p := connectAndDiscover(t, cm, cd, pd)
	rx := p.Characteristic(echoService().UUID, "6E400002-B5A3-F393-E0A9-E50E24DCCA9E")

	if !p.CanSendWriteWithoutResponse() {
		t.Fatal("CanSendWriteWithoutResponse = false on a connected peripheral")
	}
	if n := p.MaximumWriteValueLength(CBCharacteristicWriteWithoutResponse); n < 20 {
		t.Errorf("MaximumWriteValueLength(without response) = %d", n)
	}
	if n := p.MaximumWriteValueLength(CBCharacteristicWriteWithResponse); n != 512 {
		t.Errorf("MaximumWriteValueLength(with response) = %d, want 512", n)
	}

	p.WriteValue([]byte("fire"), rx, CBCharacteristicWriteWithoutResponse)
	reqs := waitFor(t, md.didReceiveWrite, "DidReceiveWriteRequests for a command")
	if len(reqs) != 1 || string(reqs[0].Value) != "fire" {
		t.Errorf("command = %+v", reqs)
	}
	expectNone(t, pd.didWriteValue, "DidWriteValueForCharacteristic for a command")
}

func TestSubscribeAndUpdateValue(t *testing.T) {
	air := memory.NewAir()
	md := newTestPeripheralManagerDelegate()
	hr := heartRateService()
	pm := startPeripheralManager(t, air, md, hr)
	measurement := hr.Characteristics[0]

	if pm.UpdateValue([]byte{0x00, 60}, measurement, nil) != true {
		t.Error("UpdateValue with no subscribers reported backpressure")
	}

	cd := newTestCentralDelegate()
	cm := startCentralManager(t, air, cd, nil)
	pd := newTestPeripheralDelegate()
	p := connectAndDiscover(t, cm, cd, pd)

	remote := p.Characteristic("180D", "2A37")
	p.SetNotifyValue(true, remote)
	if r := waitFor(t, pd.didNotify, "DidUpdateNotificationState"); r.err != nil || !r.char.IsNotifying {
		t.Fatalf("subscribe: err=%v notifying=%v", r.err, r.char.IsNotifying)
	}
	if got := waitFor(t, md.didSubscribe, "CentralDidSubscribe"); got != "2A37" {
		t.Errorf("subscribed to %s", got)
	}
	if subs := pm.SubscribedCentrals(measurement); len(subs) != 1 || subs[0].UUID != centralUUID {
		t.Errorf("SubscribedCentrals = %v", subs)
	} else if subs[0].MaximumUpdateValueLength < 20 {
		t.Errorf("MaximumUpdateValueLength = %d", subs[0].MaximumUpdateValueLength)
	}

	for bpm := byte(70); bpm < 73; bpm++ {
		if !pm.UpdateValue([]byte{0x00, bpm}, measurement, nil) {
			t.Fatalf("UpdateValue(%d) reported backpressure", bpm)
		}
		r := waitFor(t, pd.didUpdateValue, "notification")
		if r.err != nil || !bytes.Equal(r.char.Value, []byte{0x00, bpm}) {
			t.Fatalf("notification %d: value %X err %v", bpm, r.char.Value, r.err)
		}
	}

	// Only listed centrals get the update
	pm.UpdateValue([]byte{0x00, 99}, measurement, []CBCentral{{UUID: "someone-else"}})
	expectNone(t, pd.didUpdateValue, "update for another central")

	p.SetNotifyValue(false, remote)
	if r := waitFor(t, pd.didNotify, "unsubscribe"); r.err != nil || r.char.IsNotifying {
		t.Fatalf("unsubscribe: err=%v notifying=%v", r.err, r.char.IsNotifying)
	}
	waitFor(t, md.didUnsubscribe, "CentralDidUnsubscribe")
	if subs := pm.SubscribedCentrals(measurement); len(subs) != 0 {
		t.Errorf("SubscribedCentrals after unsubscribe = %v", subs)
	}
}

func TestIndicationsAndLinkLossUnsubscribes(t *testing.T) {
	air := memory.NewAir()
	md := newTestPeripheralManagerDelegate()
	echo := echoService()
	pm := startPeripheralManager(t, air, md, echo)
	tx := echo.Characteristics[1]

	cd := newTestCentralDelegate()
	cm := startCentralManager(t, air, cd, nil)
	pd := newTestPeripheralDelegate()
	p := connectAndDiscover(t, cm, cd, pd)

	remote := p.Characteristic(echo.UUID, "6E400003-B5A3-F393-E0A9-E50E24DCCA9E")
	if !remote.SupportsIndication() || remote.IsNotifiable() {
		t.Fatalf("properties = %b", remote.Properties)
	}
	p.SetNotifyValue(true, remote)
	if r := waitFor(t, pd.didNotify, "indicate subscription"); r.err != nil {
		t.Fatalf("subscribe: %v", r.err)
	}
	waitFor(t, md.didSubscribe, "CentralDidSubscribe")

	pm.UpdateValue([]byte("pong"), tx, nil)
	if r := waitFor(t, pd.didUpdateValue, "indication"); string(r.char.Value) != "pong" {
		t.Errorf("indication value %q", r.char.Value)
	}

	air.Drop(peripheralUUID, centralUUID)
	waitFor(t, md.didUnsubscribe, "CentralDidUnsubscribe on link loss")
	if subs := pm.SubscribedCentrals(tx); len(subs) != 0 {
		t.Errorf("subscribers after link loss = %v", subs)
	}
}

func TestRemoveService(t *testing.T) {
	air := memory.NewAir()
	md := newTestPeripheralManagerDelegate()
	hr := heartRateService()
	echo := echoService()
	pm := startPeripheralManager(t, air, md, hr, echo)
	echoStart := echo.start

	if err := pm.RemoveService(hr); err != nil {
		t.Fatalf("RemoveService: %v", err)
	}
	if err := pm.RemoveService(hr); err == nil {
		t.Error("second RemoveService succeeded")
	}
	if got := pm.Services(); len(got) != 1 || got[0] != echo {
		t.Fatalf("Services() = %v", got)
	}
	if echo.start != echoStart {
		t.Errorf("remaining service moved from %d to %d", echoStart, echo.start)
	}
	if pm.UpdateValue([]byte{1}, hr.Characteristics[0], nil) {
		t.Error("UpdateValue on a removed characteristic succeeded")
	}

	cd := newTestCentralDelegate()
	cm := startCentralManager(t, air, cd, nil)
	p := connectAndDiscover(t, cm, cd, newTestPeripheralDelegate())
	if p.Characteristic("180D", "2A37") != nil {
		t.Error("removed service still discoverable")
	}
	if p.Characteristic(echo.UUID, "6E400002-B5A3-F393-E0A9-E50E24DCCA9E") == nil {
		t.Error("remaining service not discoverable")
	}

	pm.RemoveAllServices()
	if len(pm.Services()) != 0 || echo.start != 0 {
		t.Error("RemoveAllServices left services behind")
	}
}
