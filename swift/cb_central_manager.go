package swift

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/user/blue-gatt/host"
	"github.com/user/blue-gatt/logger"
	"github.com/user/blue-gatt/transport"
	"github.com/user/blue-gatt/wire/advertising"
	"github.com/user/blue-gatt/wire/gatt"
)

type CBCentralManagerDelegate interface {
	DidUpdateState(central *CBCentralManager)
	DidDiscoverPeripheral(central *CBCentralManager, peripheral *CBPeripheral, advertisementData map[string]interface{}, rssi int)
	DidConnectPeripheral(central *CBCentralManager, peripheral *CBPeripheral)
	DidFailToConnectPeripheral(central *CBCentralManager, peripheral *CBPeripheral, err error)
	DidDisconnectPeripheral(central *CBCentralManager, peripheral *CBPeripheral, err error)
}

// CBCentralManagerRestoreDelegate is implemented by central delegates that
// want the session a manager was restored from.
// Matches: centralManager(_:willRestoreState:)
type CBCentralManagerRestoreDelegate interface {
	WillRestoreState(central *CBCentralManager, dict map[string]interface{})
}

// CBCentralManager scans for, connects to and tracks remote peripherals.
// Delegate methods run one at a time on the manager's callback goroutine.
type CBCentralManager struct {
	Delegate CBCentralManagerDelegate

	uuid      string
	host      *host.Host
	lifecycle *CBConnectionLifecycleLogger

	mu          sync.Mutex
	state       CBManagerState
	peripherals map[string]*CBPeripheral
	stopScan    context.CancelFunc
}

// NewCBCentralManager starts a central on adapter.
// Matches: CBCentralManager(delegate:queue:options:)
func NewCBCentralManager(delegate CBCentralManagerDelegate, adapter transport.Adapter, opts *CBManagerOptions) (*CBCentralManager, error) {
	cm := &CBCentralManager{
		Delegate:    delegate,
		uuid:        adapter.ID(),
		lifecycle:   opts.lifecycle(),
		peripherals: make(map[string]*CBPeripheral),
	}

	h, err := host.New(opts.hostOptions(adapter, &centralEvents{cm: cm}))
	if err != nil {
		return nil, errors.Wrap(err, "can't start central manager")
	}
	cm.host = h

	restored := cm.adoptRestored()
	h.Deliver(func() {
		if len(restored) > 0 {
			if rd, ok := delegate.(CBCentralManagerRestoreDelegate); ok {
				rd.WillRestoreState(cm, map[string]interface{}{
					CBCentralManagerRestoredStatePeripheralsKey: restored,
				})
			}
		}
		cm.mu.Lock()
		cm.state = CBManagerStatePoweredOn
		cm.mu.Unlock()
		if delegate != nil {
			delegate.DidUpdateState(cm)
		}
	})

	logger.Info(cm.tag(), "central manager ready")
	return cm, nil
}

func (cm *CBCentralManager) tag() string {
	return logger.ShortID(cm.uuid) + " central"
}

// State is the manager's Bluetooth state; poweredOn once DidUpdateState ran
func (cm *CBCentralManager) State() CBManagerState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// Host is the engine behind the manager
func (cm *CBCentralManager) Host() *host.Host {
	return cm.host
}

// adoptRestored turns the links a snapshot brought back into peripherals
func (cm *CBCentralManager) adoptRestored() []*CBPeripheral {
	var out []*CBPeripheral
	for _, info := range cm.host.Conns() {
		if info.Role != transport.RoleCentral {
			continue
		}
		p := cm.peripheral(info.Peer)
		p.setState(peripheralState(info.State))
		if info.Services != nil {
			p.Services = buildServices(info.Services, nil, nil)
		}
		cm.lifecycle.LogRestored(info.Peer, info.State.String())
		out = append(out, p)
	}
	return out
}

// peripheral returns the one object standing for peer, creating it
func (cm *CBCentralManager) peripheral(peer string) *CBPeripheral {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	p, ok := cm.peripherals[peer]
	if !ok {
		p = &CBPeripheral{UUID: peer, manager: cm}
		cm.peripherals[peer] = p
	}
	return p
}

// register makes p the object events for its peer are routed to
func (cm *CBCentralManager) register(p *CBPeripheral) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	p.manager = cm
	cm.peripherals[p.UUID] = p
}

func (cm *CBCentralManager) known(peer string) *CBPeripheral {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.peripherals[peer]
}

// ScanForPeripherals reports advertising peripherals to DidDiscoverPeripheral.
// withServices keeps peripherals advertising one of the listed UUIDs; the
// CBCentralManagerScanOptionAllowDuplicatesKey option reports every
// advertising event. A new scan replaces the running one.
// Matches: scanForPeripherals(withServices:options:)
func (cm *CBCentralManager) ScanForPeripherals(withServices []string, options map[string]interface{}) error {
	uuids, err := parseUUIDs(withServices)
	if err != nil {
		return errors.Wrap(err, "can't scan")
	}
	filter := transport.ScanFilter{Services: uuids}
	if dup, ok := options[CBCentralManagerScanOptionAllowDuplicatesKey].(bool); ok {
		filter.AllowDuplicates = dup
	}

	ctx, cancel := context.WithCancel(context.Background())
	cm.mu.Lock()
	if cm.stopScan != nil {
		cm.stopScan()
	}
	cm.stopScan = cancel
	cm.mu.Unlock()

	if err := cm.host.Scan(ctx, filter, func(adv transport.Advertisement) {
		if ctx.Err() != nil {
			return
		}
		cm.discovered(adv)
	}); err != nil {
		cancel()
		return err
	}
	logger.Debug(cm.tag(), "scanning (services=%v, duplicates=%v)", withServices, filter.AllowDuplicates)
	return nil
}

// StopScan ends the running scan, if any
func (cm *CBCentralManager) StopScan() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.stopScan != nil {
		cm.stopScan()
		cm.stopScan = nil
	}
}

// IsScanning reports whether a scan is running
func (cm *CBCentralManager) IsScanning() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.stopScan != nil
}

func (cm *CBCentralManager) discovered(adv transport.Advertisement) {
	data, err := adv.Decode()
	if err != nil {
		logger.Warn(cm.tag(), "bad advertisement from %s: %v", logger.ShortID(adv.Peer), err)
		return
	}

	p := cm.peripheral(adv.Peer)
	name := data.LocalName
	if name == "" {
		name = "Unknown Device"
	}
	p.mu.Lock()
	p.Name = name
	p.mu.Unlock()

	if cm.Delegate != nil {
		cm.Delegate.DidDiscoverPeripheral(cm, p, advertisementDictionary(data, adv.Connectable), adv.RSSI)
	}
}

// advertisementDictionary builds advertisement data the way CoreBluetooth
// hands it to apps
func advertisementDictionary(data *advertising.Data, connectable bool) map[string]interface{} {
	out := map[string]interface{}{
		CBAdvertisementDataIsConnectable: connectable,
	}
	if data.LocalName != "" {
		out[CBAdvertisementDataLocalNameKey] = data.LocalName
	}
	if len(data.ServiceUUIDs) > 0 {
		uuids := make([]string, 0, len(data.ServiceUUIDs))
		for _, u := range data.ServiceUUIDs {
			uuids = append(uuids, u.String())
		}
		out[CBAdvertisementDataServiceUUIDsKey] = uuids
	}
	if data.HasManufacturer {
		md := make([]byte, 2, 2+len(data.ManufacturerData))
		binary.LittleEndian.PutUint16(md, data.ManufacturerID)
		out[CBAdvertisementDataManufacturerDataKey] = append(md, data.ManufacturerData...)
	}
	if data.HasTxPower {
		out[CBAdvertisementDataTxPowerLevelKey] = int(data.TxPower)
	}
	return out
}

// Connect opens a link to peripheral and discovers its table. A second
// Connect while one is running is ignored.
// Matches: connect(_:options:)
func (cm *CBCentralManager) Connect(peripheral *CBPeripheral, options map[string]interface{}) {
	peer := peripheral.UUID
	info, ok := cm.host.Conn(peer)
	cm.lifecycle.LogConnectCalled(peer, ok && info.State == host.Ready, len(cm.host.Conns()))
	cm.register(peripheral)

	if ok && info.State != host.Ready {
		cm.lifecycle.LogConnectBlocked(peer, "already "+info.State.String())
		logger.Debug(cm.tag(), "connect to %s ignored, link is %s", logger.ShortID(peer), info.State)
		return
	}
	peripheral.setState(CBPeripheralStateConnecting)

	err := cm.host.Connect(peer, func(err error) {
		cm.lifecycle.LogConnectCompleted(peer, err)
		if err != nil {
			if errors.Is(err, host.ErrBusy) {
				return
			}
			peripheral.setState(CBPeripheralStateDisconnected)
			logger.Info(cm.tag(), "connect to %s failed: %v", logger.ShortID(peer), err)
			if cm.Delegate != nil {
				cm.Delegate.DidFailToConnectPeripheral(cm, peripheral, err)
			}
			return
		}
		peripheral.setState(CBPeripheralStateConnected)
		if cm.Delegate != nil {
			cm.Delegate.DidConnectPeripheral(cm, peripheral)
		}
	})
	if err != nil {
		cm.lifecycle.LogConnectBlocked(peer, err.Error())
		peripheral.setState(CBPeripheralStateDisconnected)
		cm.host.Deliver(func() {
			if cm.Delegate != nil {
				cm.Delegate.DidFailToConnectPeripheral(cm, peripheral, err)
			}
		})
	}
}

// CancelPeripheralConnection ends a link or a pending connect
// Matches: cancelPeripheralConnection(_:)
func (cm *CBCentralManager) CancelPeripheralConnection(peripheral *CBPeripheral) {
	if err := cm.host.Disconnect(peripheral.UUID); err != nil {
		if errors.Is(err, host.ErrUnknownPeer) {
			peripheral.setState(CBPeripheralStateDisconnected)
			return
		}
		logger.Warn(cm.tag(), "cancel %s: %v", logger.ShortID(peripheral.UUID), err)
		return
	}
	peripheral.setState(CBPeripheralStateDisconnecting)
}

// CancelAll ends every link
func (cm *CBCentralManager) CancelAll() error {
	return cm.host.DisconnectAll()
}

// RetrievePeripherals returns the peripherals for known identifiers
// Matches: retrievePeripherals(withIdentifiers:)
func (cm *CBCentralManager) RetrievePeripherals(withIdentifiers []string) []*CBPeripheral {
	out := make([]*CBPeripheral, 0, len(withIdentifiers))
	for _, id := range withIdentifiers {
		out = append(out, cm.peripheral(id))
	}
	return out
}

// RetrieveConnectedPeripherals returns connected peripherals whose
// discovered table has one of the services; none listed means all.
// Matches: retrieveConnectedPeripherals(withServices:)
func (cm *CBCentralManager) RetrieveConnectedPeripherals(withServices []string) []*CBPeripheral {
	uuids, err := parseUUIDs(withServices)
	if err != nil {
		logger.Warn(cm.tag(), "retrieve connected: %v", err)
		return nil
	}

	var out []*CBPeripheral
	for _, info := range cm.host.Conns() {
		if info.Role != transport.RoleCentral || info.State != host.Ready {
			continue
		}
		if len(uuids) > 0 && !hasAnyService(info.Services, uuids) {
			continue
		}
		out = append(out, cm.peripheral(info.Peer))
	}
	return out
}

func hasAnyService(dc *gatt.DiscoveryCache, uuids []gatt.UUID) bool {
	if dc == nil {
		return false
	}
	for _, s := range dc.Services {
		for _, u := range uuids {
			if s.UUID.Equal(u) {
				return true
			}
		}
	}
	return false
}

// Snapshot captures the session for a later restore
func (cm *CBCentralManager) Snapshot() (*host.Snapshot, error) {
	return cm.host.Snapshot()
}

// Close stops scanning, drops every link and releases the adapter
func (cm *CBCentralManager) Close() error {
	cm.StopScan()
	cm.mu.Lock()
	cm.state = CBManagerStatePoweredOff
	cm.mu.Unlock()
	return cm.host.Close()
}

// centralEvents routes host events to peripherals and the delegate
type centralEvents struct {
	host.BaseDelegate
	cm *CBCentralManager
}

func (e *centralEvents) StateChanged(peer string, from, to host.State) {
	if p := e.cm.known(peer); p != nil {
		p.setState(peripheralState(to))
	}
}

func (e *centralEvents) Disconnected(peer string, role transport.Role, reason error) {
	e.cm.lifecycle.LogDisconnected(peer, role.String(), reason)
	if role != transport.RoleCentral {
		return
	}
	p := e.cm.peripheral(peer)
	p.setState(CBPeripheralStateDisconnected)
	p.linkDown()
	logger.Info(e.cm.tag(), "disconnected from %s (%v)", logger.ShortID(peer), reason)
	if e.cm.Delegate != nil {
		e.cm.Delegate.DidDisconnectPeripheral(e.cm, p, reason)
	}
}

func (e *centralEvents) Notified(peer string, handle uint16, value []byte, indication bool) {
	p := e.cm.known(peer)
	if p == nil {
		logger.Debug(e.cm.tag(), "value from unknown peer %s", logger.ShortID(peer))
		return
	}
	p.notified(handle, value)
}
