package swift

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"

	"github.com/user/blue-gatt/host"
	"github.com/user/blue-gatt/transport"
	"github.com/user/blue-gatt/transport/memory"
	"github.com/user/blue-gatt/wire/att"
)

func deviceInfoService() *CBMutableService {
	return &CBMutableService{
		UUID:      "180A",
		IsPrimary: true,
		Characteristics: []*CBMutableCharacteristic{{
			UUID:        "2A29",
			Properties:  CBCharacteristicPropertyRead,
			Permissions: CBAttributePermissionsReadable,
			Value:       []byte("Blue"),
			Descriptors: []*CBMutableDescriptor{
				{UUID: "2901", Value: []byte("Manufacturer")},
			},
		}},
	}
}

func secretService() *CBMutableService {
	return &CBMutableService{
		UUID:      "A0B10001-0000-4000-8000-00805F9B34FB",
		IsPrimary: true,
		Characteristics: []*CBMutableCharacteristic{{
			UUID:        "A0B10002-0000-4000-8000-00805F9B34FB",
			Properties:  CBCharacteristicPropertyRead | CBCharacteristicPropertyWrite,
			Permissions: CBAttributePermissionsReadEncryptionRequired | CBAttributePermissionsWriteEncryptionRequired,
		}},
	}
}

func TestDiscoverServicesAndCharacteristics(t *testing.T) {
	air := memory.NewAir()
	startPeripheralManager(t, air, newTestPeripheralManagerDelegate(), heartRateService(), deviceInfoService())

	cd := newTestCentralDelegate()
	cm := startCentralManager(t, air, cd, nil)
	pd := newTestPeripheralDelegate()
	p := connectAndDiscover(t, cm, cd, pd)

	if len(p.Services) != 2 || p.Services[0].UUID != "180D" || p.Services[1].UUID != "180A" {
		t.Fatalf("services = %v", p.Services)
	}
	hr := p.Services[0]
	if len(hr.Characteristics) != 2 {
		t.Fatalf("180D has %d characteristics", len(hr.Characteristics))
	}
	measurement := hr.Characteristic("2A37")
	if measurement == nil || !measurement.IsNotifiable() || measurement.IsReadable() {
		t.Errorf("2A37 = %+v", measurement)
	}
	if measurement.Service != hr {
		t.Error("characteristic lost its service")
	}

	p.DiscoverCharacteristics(nil, hr)
	if got := waitFor(t, pd.didDiscoverChars, "DidDiscoverCharacteristics"); got != hr {
		t.Error("DidDiscoverCharacteristics for another service")
	}
	p.DiscoverDescriptors(measurement)
	got := waitFor(t, pd.didDiscoverDescs, "DidDiscoverDescriptors")
	if len(got.Descriptors) != 1 || got.Descriptors[0].UUID != CBUUIDClientCharacteristicConfigurationString {
		t.Errorf("2A37 descriptors = %v", got.Descriptors)
	}

	// A filtered rediscovery keeps only the listed services
	p.DiscoverServices([]string{"180A"})
	services := waitFor(t, pd.didDiscoverSvcs, "filtered DidDiscoverServices")
	if len(services) != 1 || services[0].UUID != "180A" {
		t.Errorf("filtered services = %v", services)
	}
}

func TestDescriptorReadAndWrite(t *testing.T) {
	air := memory.NewAir()
	startPeripheralManager(t, air, newTestPeripheralManagerDelegate(), deviceInfoService(), heartRateService())

	cd := newTestCentralDelegate()
	cm := startCentralManager(t, air, cd, nil)
	pd := newTestPeripheralDelegate()
	p := connectAndDiscover(t, cm, cd, pd)

	name := p.Characteristic("180A", "2A29")
	if len(name.Descriptors) != 1 {
		t.Fatalf("2A29 descriptors = %v", name.Descriptors)
	}
	userDesc := name.Descriptors[0]
	p.ReadValueForDescriptor(userDesc)
	r := waitFor(t, pd.didUpdateDesc, "DidUpdateValueForDescriptor")
	if r.err != nil || string(r.desc.Value) != "Manufacturer" {
		t.Errorf("user description = %q, err %v", r.desc.Value, r.err)
	}
	if r.desc.Characteristic != name {
		t.Error("descriptor lost its characteristic")
	}

	// The description is read-only on the table
	p.WriteValueForDescriptor([]byte("x"), userDesc)
	w := waitFor(t, pd.didWriteDesc, "DidWriteValueForDescriptor")
	if ATTErrorOf(w.err) != CBATTErrorWriteNotPermitted {
		t.Errorf("descriptor write error = %v", w.err)
	}

	cccd := p.Characteristic("180D", "2A37").Descriptors[0]
	p.WriteValueForDescriptor([]byte{0x01, 0x00}, cccd)
	w = waitFor(t, pd.didWriteDesc, "DidWriteValueForDescriptor on the CCCD")
	if !errors.Is(w.err, errCCCDByHand) {
		t.Errorf("CCCD write error = %v", w.err)
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	air := memory.NewAir()
	md := newTestPeripheralManagerDelegate()
	md.readValue = []byte("stored")
	startPeripheralManager(t, air, md, echoService())

	cd := newTestCentralDelegate()
	cm := startCentralManager(t, air, cd, nil)
	pd := newTestPeripheralDelegate()
	p := connectAndDiscover(t, cm, cd, pd)
	rx := p.Characteristic(echoService().UUID, "6E400002-B5A3-F393-E0A9-E50E24DCCA9E")

	if !rx.IsWritable() || !rx.IsWritableWithoutResponse() || !rx.IsReadable() {
		t.Fatalf("rx properties = %b", rx.Properties)
	}

	p.WriteValue([]byte("abc"), rx, CBCharacteristicWriteWithResponse)
	waitFor(t, md.didReceiveWrite, "DidReceiveWriteRequests")
	if r := waitFor(t, pd.didWriteValue, "DidWriteValueForCharacteristic"); r.err != nil || r.char != rx {
		t.Fatalf("write: err=%v", r.err)
	}

	p.ReadValue(rx)
	waitFor(t, md.didReceiveRead, "DidReceiveReadRequest")
	r := waitFor(t, pd.didUpdateValue, "DidUpdateValueForCharacteristic")
	if r.err != nil || string(r.char.Value) != "stored" {
		t.Errorf("read = %q, err %v", r.char.Value, r.err)
	}
	if string(rx.Value) != "stored" {
		t.Errorf("Value = %q after read", rx.Value)
	}
}

func TestNotifyValueErrors(t *testing.T) {
	air := memory.NewAir()
	startPeripheralManager(t, air, newTestPeripheralManagerDelegate(), deviceInfoService())

	cd := newTestCentralDelegate()
	cm := startCentralManager(t, air, cd, nil)
	pd := newTestPeripheralDelegate()
	p := connectAndDiscover(t, cm, cd, pd)

	name := p.Characteristic("180A", "2A29")
	p.SetNotifyValue(true, name)
	r := waitFor(t, pd.didNotify, "DidUpdateNotificationState")
	if !errors.Is(r.err, errNoDelivery) || name.IsNotifying {
		t.Errorf("subscribe to a read-only characteristic: %v", r.err)
	}

	undiscovered := &CBCharacteristic{UUID: "2A00"}
	p.ReadValue(undiscovered)
	if r := waitFor(t, pd.didUpdateValue, "read of an undiscovered characteristic"); !errors.Is(r.err, errNotDiscovered) {
		t.Errorf("read of undiscovered: %v", r.err)
	}
}

func TestNilAttributesReportError(t *testing.T) {
	air := memory.NewAir()
	startPeripheralManager(t, air, newTestPeripheralManagerDelegate(), deviceInfoService())

	cd := newTestCentralDelegate()
	cm := startCentralManager(t, air, cd, nil)
	pd := newTestPeripheralDelegate()
	p := connectAndDiscover(t, cm, cd, pd)

	// A lookup that found nothing hands back nil
	missing := p.Characteristic("180A", "FFFF")
	if missing != nil {
		t.Fatalf("found %s", missing.UUID)
	}

	p.ReadValue(missing)
	if r := waitFor(t, pd.didUpdateValue, "read"); r.char != nil || !errors.Is(r.err, errNotDiscovered) {
		t.Errorf("read of nil = %+v", r)
	}
	p.WriteValue([]byte{1}, missing, CBCharacteristicWriteWithResponse)
	if r := waitFor(t, pd.didWriteValue, "write"); !errors.Is(r.err, errNotDiscovered) {
		t.Errorf("write to nil = %v", r.err)
	}
	p.WriteValue([]byte{1}, missing, CBCharacteristicWriteWithoutResponse)
	expectNone(t, pd.didWriteValue, "write without response")
	p.SetNotifyValue(true, missing)
	if r := waitFor(t, pd.didNotify, "notify state"); !errors.Is(r.err, errNotDiscovered) {
		t.Errorf("subscribe to nil = %v", r.err)
	}
	p.ReadValueForDescriptor(nil)
	if r := waitFor(t, pd.didUpdateDesc, "descriptor read"); !errors.Is(r.err, errNotDiscovered) {
		t.Errorf("read of nil descriptor = %v", r.err)
	}
	p.WriteValueForDescriptor([]byte{1}, nil)
	if r := waitFor(t, pd.didWriteDesc, "descriptor write"); !errors.Is(r.err, errNotDiscovered) {
		t.Errorf("write to nil descriptor = %v", r.err)
	}
	if p.State() != CBPeripheralStateConnected {
		t.Errorf("peripheral %s after nil operations", p.State())
	}
}

func TestOperationsWithoutManager(t *testing.T) {
	pd := newTestPeripheralDelegate()
	p := &CBPeripheral{UUID: peripheralUUID, Delegate: pd}
	c := &CBCharacteristic{UUID: "2A37", handle: 3}

	p.ReadValue(c)
	if r := waitFor(t, pd.didUpdateValue, "read"); !errors.Is(r.err, errNotConnected) {
		t.Errorf("read = %v, want not connected", r.err)
	}
	p.DiscoverServices(nil)
	if err := waitFor(t, pd.discoverErr, "discovery"); !errors.Is(err, errNotConnected) {
		t.Errorf("discover = %v, want not connected", err)
	}
	p.DiscoverCharacteristics(nil, &CBService{UUID: "180D"})
	waitFor(t, pd.didDiscoverChars, "DidDiscoverCharacteristics")
	if p.CanSendWriteWithoutResponse() {
		t.Error("CanSendWriteWithoutResponse on a disconnected peripheral")
	}
}

func TestEncryptedCharacteristicPairsOnDemand(t *testing.T) {
	air := memory.NewAir()
	md := newTestPeripheralManagerDelegate()
	md.readValue = []byte{0x5E, 0xC2}
	pm := startPeripheralManager(t, air, md, secretService())

	cd := newTestCentralDelegate()
	cm := startCentralManager(t, air, cd, nil)
	pd := newTestPeripheralDelegate()
	p := connectAndDiscover(t, cm, cd, pd)
	secret := p.Characteristic(secretService().UUID, "A0B10002-0000-4000-8000-00805F9B34FB")
	if secret == nil {
		t.Fatal("secret characteristic not discovered")
	}

	p.ReadValue(secret)
	r := waitFor(t, pd.didUpdateValue, "read after pairing")
	if r.err != nil {
		t.Fatalf("read: %v", r.err)
	}
	if !bytes.Equal(r.char.Value, []byte{0x5E, 0xC2}) {
		t.Errorf("value = %X", r.char.Value)
	}

	info, ok := cm.Host().Conn(peripheralUUID)
	if !ok || !info.Security.Encrypted {
		t.Errorf("link not encrypted after read: %+v", info.Security)
	}
	if _, ok := pm.Host().Bonds().Get(centralUUID); !ok {
		t.Error("peripheral kept no bond")
	}

	// Already encrypted: the write goes straight through
	p.WriteValue([]byte{0x01}, secret, CBCharacteristicWriteWithResponse)
	waitFor(t, md.didReceiveWrite, "DidReceiveWriteRequests")
	if r := waitFor(t, pd.didWriteValue, "write"); r.err != nil {
		t.Errorf("write: %v", r.err)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		err  error
		want CBError
	}{
		{nil, CBErrorUnknown},
		{errors.Wrap(host.ErrTimeout, "read"), CBErrorConnectionTimeout},
		{host.ErrCancelled, CBErrorOperationCancelled},
		{transport.ErrLinkLost, CBErrorPeripheralDisconnected},
		{transport.ErrRemoteDisconnect, CBErrorPeripheralDisconnected},
		{host.ErrUnknownPeer, CBErrorUnknownDevice},
		{host.ErrNotReady, CBErrorNotConnected},
		{host.ErrNotFound, CBErrorInvalidHandle},
		{errors.New("something else"), CBErrorUnknown},
	}
	for _, tc := range cases {
		if got := CBErrorOf(tc.err); got != tc.want {
			t.Errorf("CBErrorOf(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}

	attErr := att.NewError(att.ErrReadNotPermitted, att.OpReadRequest, 0x0003)
	if got := ATTErrorOf(errors.Wrap(attErr, "read")); got != CBATTErrorReadNotPermitted {
		t.Errorf("ATTErrorOf = %s, want read not permitted", got)
	}
	if got := ATTErrorOf(host.ErrTimeout); got != CBATTErrorSuccess {
		t.Errorf("ATTErrorOf(timeout) = %s", got)
	}
	if CBATTErrorInsufficientEncryption.String() == "" {
		t.Error("CBATTError has no name")
	}
}

func TestStateStrings(t *testing.T) {
	if CBManagerStatePoweredOn.String() != "poweredOn" {
		t.Errorf("poweredOn = %q", CBManagerStatePoweredOn.String())
	}
	cases := map[host.State]CBPeripheralState{
		host.Disconnected:     CBPeripheralStateDisconnected,
		host.Connecting:       CBPeripheralStateConnecting,
		host.ServiceDiscovery: CBPeripheralStateConnecting,
		host.Ready:            CBPeripheralStateConnected,
		host.Disconnecting:    CBPeripheralStateDisconnecting,
	}
	for in, want := range cases {
		if got := peripheralState(in); got != want {
			t.Errorf("peripheralState(%s) = %s, want %s", in, got, want)
		}
	}
}
