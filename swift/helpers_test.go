package swift

import (
	"testing"
	"time"

	"github.com/user/blue-gatt/transport/memory"
)

const (
	centralUUID    = "c0ffee00-0000-4000-8000-000000000001"
	peripheralUUID = "beef0000-0000-4000-8000-000000000002"
)

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

func expectNone[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %v", what, v)
	case <-time.After(100 * time.Millisecond):
	}
}

// Test delegate implementations

type discovery struct {
	peripheral *CBPeripheral
	adv        map[string]interface{}
	rssi       int
}

type testCentralDelegate struct {
	didUpdateState chan CBManagerState
	didDiscover    chan discovery
	didConnect     chan *CBPeripheral
	didFail        chan error
	didDisconnect  chan error
	restored       chan []*CBPeripheral
}

func newTestCentralDelegate() *testCentralDelegate {
	return &testCentralDelegate{
		didUpdateState: make(chan CBManagerState, 4),
		didDiscover:    make(chan discovery, 32),
		didConnect:     make(chan *CBPeripheral, 4),
		didFail:        make(chan error, 4),
		didDisconnect:  make(chan error, 4),
		restored:       make(chan []*CBPeripheral, 1),
	}
}

func (d *testCentralDelegate) DidUpdateState(central *CBCentralManager) {
	d.didUpdateState <- central.State()
}

func (d *testCentralDelegate) DidDiscoverPeripheral(central *CBCentralManager, peripheral *CBPeripheral, advertisementData map[string]interface{}, rssi int) {
	select {
	case d.didDiscover <- discovery{peripheral, advertisementData, rssi}:
	default:
	}
}

func (d *testCentralDelegate) DidConnectPeripheral(central *CBCentralManager, peripheral *CBPeripheral) {
	d.didConnect <- peripheral
}

func (d *testCentralDelegate) DidFailToConnectPeripheral(central *CBCentralManager, peripheral *CBPeripheral, err error) {
	d.didFail <- err
}

func (d *testCentralDelegate) DidDisconnectPeripheral(central *CBCentralManager, peripheral *CBPeripheral, err error) {
	d.didDisconnect <- err
}

func (d *testCentralDelegate) WillRestoreState(central *CBCentralManager, dict map[string]interface{}) {
	peripherals, _ := dict[CBCentralManagerRestoredStatePeripheralsKey].([]*CBPeripheral)
	d.restored <- peripherals
}

type charResult struct {
	char *CBCharacteristic
	err  error
}

type descResult struct {
	desc *CBDescriptor
	err  error
}

type testPeripheralDelegate struct {
	didDiscoverSvcs  chan []*CBService
	discoverErr      chan error
	didDiscoverChars chan *CBService
	didDiscoverDescs chan *CBCharacteristic
	didWriteValue    chan charResult
	didUpdateValue   chan charResult
	didWriteDesc     chan descResult
	didUpdateDesc    chan descResult
	didNotify        chan charResult
}

func newTestPeripheralDelegate() *testPeripheralDelegate {
	return &testPeripheralDelegate{
		didDiscoverSvcs:  make(chan []*CBService, 4),
		discoverErr:      make(chan error, 4),
		didDiscoverChars: make(chan *CBService, 4),
		didDiscoverDescs: make(chan *CBCharacteristic, 4),
		didWriteValue:    make(chan charResult, 4),
		didUpdateValue:   make(chan charResult, 16),
		didWriteDesc:     make(chan descResult, 4),
		didUpdateDesc:    make(chan descResult, 4),
		didNotify:        make(chan charResult, 4),
	}
}

func (d *testPeripheralDelegate) DidDiscoverServices(peripheral *CBPeripheral, services []*CBService, err error) {
	if err != nil {
		d.discoverErr <- err
		return
	}
	d.didDiscoverSvcs <- services
}

func (d *testPeripheralDelegate) DidDiscoverCharacteristics(peripheral *CBPeripheral, service *CBService, err error) {
	d.didDiscoverChars <- service
}

func (d *testPeripheralDelegate) DidDiscoverDescriptorsForCharacteristic(peripheral *CBPeripheral, characteristic *CBCharacteristic, err error) {
	d.didDiscoverDescs <- characteristic
}

func (d *testPeripheralDelegate) DidWriteValueForCharacteristic(peripheral *CBPeripheral, characteristic *CBCharacteristic, err error) {
	d.didWriteValue <- charResult{characteristic, err}
}

func (d *testPeripheralDelegate) DidWriteValueForDescriptor(peripheral *CBPeripheral, descriptor *CBDescriptor, err error) {
	d.didWriteDesc <- descResult{descriptor, err}
}

func (d *testPeripheralDelegate) DidUpdateValueForCharacteristic(peripheral *CBPeripheral, characteristic *CBCharacteristic, err error) {
	if characteristic == nil {
		d.didUpdateValue <- charResult{nil, err}
		return
	}
	// Copy, the next update overwrites characteristic.Value
	c := *characteristic
	c.Value = append([]byte(nil), characteristic.Value...)
	d.didUpdateValue <- charResult{&c, err}
}

func (d *testPeripheralDelegate) DidUpdateValueForDescriptor(peripheral *CBPeripheral, descriptor *CBDescriptor, err error) {
	d.didUpdateDesc <- descResult{descriptor, err}
}

func (d *testPeripheralDelegate) DidUpdateNotificationStateForCharacteristic(peripheral *CBPeripheral, characteristic *CBCharacteristic, err error) {
	d.didNotify <- charResult{characteristic, err}
}

type testPeripheralManagerDelegate struct {
	didUpdateState    chan CBManagerState
	didStartAdvertise chan error
	didAddService     chan error
	didReceiveRead    chan *CBATTRequest
	didReceiveWrite   chan []*CBATTRequest
	didSubscribe      chan string
	didUnsubscribe    chan string
	readyToUpdate     chan struct{}
	restored          chan []*CBMutableService

	// readValue answers every read when set
	readValue []byte
	// result answers every read and acknowledged write
	result CBATTError
	// silent leaves requests unanswered
	silent bool
}

func newTestPeripheralManagerDelegate() *testPeripheralManagerDelegate {
	return &testPeripheralManagerDelegate{
		didUpdateState:    make(chan CBManagerState, 4),
		didStartAdvertise: make(chan error, 4),
		didAddService:     make(chan error, 8),
		didReceiveRead:    make(chan *CBATTRequest, 16),
		didReceiveWrite:   make(chan []*CBATTRequest, 16),
		didSubscribe:      make(chan string, 8),
		didUnsubscribe:    make(chan string, 8),
		readyToUpdate:     make(chan struct{}, 8),
		restored:          make(chan []*CBMutableService, 1),
	}
}

func (d *testPeripheralManagerDelegate) DidUpdatePeripheralState(peripheralManager *CBPeripheralManager) {
	d.didUpdateState <- peripheralManager.State()
}

func (d *testPeripheralManagerDelegate) DidStartAdvertising(peripheralManager *CBPeripheralManager, err error) {
	d.didStartAdvertise <- err
}

func (d *testPeripheralManagerDelegate) DidAddService(peripheralManager *CBPeripheralManager, service *CBMutableService, err error) {
	d.didAddService <- err
}

func (d *testPeripheralManagerDelegate) DidReceiveReadRequest(peripheralManager *CBPeripheralManager, request *CBATTRequest) {
	d.didReceiveRead <- request
	if d.silent {
		return
	}
	if d.readValue != nil && request.Offset <= len(d.readValue) {
		request.Value = d.readValue[request.Offset:]
	}
	peripheralManager.RespondToRequest(request, d.result)
}

func (d *testPeripheralManagerDelegate) DidReceiveWriteRequests(peripheralManager *CBPeripheralManager, requests []*CBATTRequest) {
	d.didReceiveWrite <- requests
	if d.silent {
		return
	}
	peripheralManager.RespondToRequest(requests[0], d.result)
}

func (d *testPeripheralManagerDelegate) CentralDidSubscribe(peripheralManager *CBPeripheralManager, central CBCentral, characteristic *CBMutableCharacteristic) {
	d.didSubscribe <- characteristic.UUID
}

func (d *testPeripheralManagerDelegate) CentralDidUnsubscribe(peripheralManager *CBPeripheralManager, central CBCentral, characteristic *CBMutableCharacteristic) {
	d.didUnsubscribe <- characteristic.UUID
}

func (d *testPeripheralManagerDelegate) IsReadyToUpdateSubscribers(peripheralManager *CBPeripheralManager) {
	d.readyToUpdate <- struct{}{}
}

func (d *testPeripheralManagerDelegate) WillRestoreState(peripheralManager *CBPeripheralManager, dict map[string]interface{}) {
	services, _ := dict[CBPeripheralManagerRestoredStateServicesKey].([]*CBMutableService)
	d.restored <- services
}

// Fixtures

func startPeripheralManager(t *testing.T, air *memory.Air, d *testPeripheralManagerDelegate, services ...*CBMutableService) *CBPeripheralManager {
	t.Helper()
	pm, err := NewCBPeripheralManager(d, air.NewAdapter(peripheralUUID), nil)
	if err != nil {
		t.Fatalf("NewCBPeripheralManager: %v", err)
	}
	t.Cleanup(func() { pm.Close() })
	if got := waitFor(t, d.didUpdateState, "peripheral manager state"); got != CBManagerStatePoweredOn {
		t.Fatalf("peripheral manager state %s", got)
	}

	for _, svc := range services {
		if err := pm.AddService(svc); err != nil {
			t.Fatalf("AddService %s: %v", svc.UUID, err)
		}
		if err := waitFor(t, d.didAddService, "DidAddService"); err != nil {
			t.Fatalf("DidAddService %s: %v", svc.UUID, err)
		}
	}
	if err := pm.StartAdvertising(map[string]interface{}{
		CBAdvertisementDataLocalNameKey: "Test Peripheral",
	}); err != nil {
		t.Fatalf("StartAdvertising: %v", err)
	}
	if err := waitFor(t, d.didStartAdvertise, "DidStartAdvertising"); err != nil {
		t.Fatalf("DidStartAdvertising: %v", err)
	}
	return pm
}

func startCentralManager(t *testing.T, air *memory.Air, d *testCentralDelegate, opts *CBManagerOptions) *CBCentralManager {
	t.Helper()
	cm, err := NewCBCentralManager(d, air.NewAdapter(centralUUID), opts)
	if err != nil {
		t.Fatalf("NewCBCentralManager: %v", err)
	}
	t.Cleanup(func() { cm.Close() })
	waitFor(t, d.didUpdateState, "central manager state")
	return cm
}

// connectAndDiscover connects to the test peripheral and discovers its table
func connectAndDiscover(t *testing.T, cm *CBCentralManager, cd *testCentralDelegate, pd *testPeripheralDelegate) *CBPeripheral {
	t.Helper()
	p := cm.RetrievePeripherals([]string{peripheralUUID})[0]
	p.Delegate = pd
	cm.Connect(p, nil)
	if got := waitFor(t, cd.didConnect, "DidConnectPeripheral"); got != p {
		t.Fatal("connected a different peripheral object")
	}
	if p.State() != CBPeripheralStateConnected {
		t.Fatalf("peripheral state %s after connect", p.State())
	}

	p.DiscoverServices(nil)
	select {
	case <-pd.didDiscoverSvcs:
	case err := <-pd.discoverErr:
		t.Fatalf("DiscoverServices: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for DidDiscoverServices")
	}
	return p
}

func heartRateService() *CBMutableService {
	return &CBMutableService{
		UUID:      "180D",
		IsPrimary: true,
		Characteristics: []*CBMutableCharacteristic{
			{
				UUID:        "2A37",
				Properties:  CBCharacteristicPropertyNotify,
				Permissions: CBAttributePermissionsReadable,
			},
			{
				UUID:        "2A38",
				Properties:  CBCharacteristicPropertyRead,
				Permissions: CBAttributePermissionsReadable,
				Value:       []byte{0x01},
			},
		},
	}
}

func echoService() *CBMutableService {
	return &CBMutableService{
		UUID:      "6E400001-B5A3-F393-E0A9-E50E24DCCA9E",
		IsPrimary: true,
		Characteristics: []*CBMutableCharacteristic{
			{
				UUID:        "6E400002-B5A3-F393-E0A9-E50E24DCCA9E",
				Properties:  CBCharacteristicPropertyWrite | CBCharacteristicPropertyWriteWithoutResponse | CBCharacteristicPropertyRead,
				Permissions: CBAttributePermissionsReadable | CBAttributePermissionsWriteable,
			},
			{
				UUID:        "6E400003-B5A3-F393-E0A9-E50E24DCCA9E",
				Properties:  CBCharacteristicPropertyIndicate,
				Permissions: CBAttributePermissionsReadable,
			},
		},
	}
}
