package swift

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/user/blue-gatt/host"
	"github.com/user/blue-gatt/logger"
	"github.com/user/blue-gatt/transport"
	"github.com/user/blue-gatt/wire/advertising"
	"github.com/user/blue-gatt/wire/att"
	"github.com/user/blue-gatt/wire/gatt"
)

// CBPeripheralManagerDelegate matches iOS CoreBluetooth peripheral manager delegate
type CBPeripheralManagerDelegate interface {
	DidUpdatePeripheralState(peripheralManager *CBPeripheralManager)
	DidStartAdvertising(peripheralManager *CBPeripheralManager, err error)
	DidAddService(peripheralManager *CBPeripheralManager, service *CBMutableService, err error)
	DidReceiveReadRequest(peripheralManager *CBPeripheralManager, request *CBATTRequest)
	DidReceiveWriteRequests(peripheralManager *CBPeripheralManager, requests []*CBATTRequest)
	CentralDidSubscribe(peripheralManager *CBPeripheralManager, central CBCentral, characteristic *CBMutableCharacteristic)
	CentralDidUnsubscribe(peripheralManager *CBPeripheralManager, central CBCentral, characteristic *CBMutableCharacteristic)
	IsReadyToUpdateSubscribers(peripheralManager *CBPeripheralManager)
}

// CBPeripheralManagerRestoreDelegate is implemented by delegates that want
// the table a manager was restored with.
// Matches: peripheralManager(_:willRestoreState:)
type CBPeripheralManagerRestoreDelegate interface {
	WillRestoreState(peripheralManager *CBPeripheralManager, dict map[string]interface{})
}

// CBCentral represents a remote central device connected to us
type CBCentral struct {
	UUID                     string
	MaximumUpdateValueLength int
}

// CBATTRequest represents a read/write request from a central device
// Matches iOS CoreBluetooth CBATTRequest
type CBATTRequest struct {
	Central        CBCentral
	Characteristic *CBMutableCharacteristic
	Offset         int
	// Value is the data written, or for a read what the app answers with,
	// starting at Offset
	Value []byte

	reply *reply
}

// reply is the host's completion for one read or one write batch
type reply struct {
	mu      sync.Mutex
	respond func(CBATTError)
}

// send answers once; it reports false for every later call
func (r *reply) send(code CBATTError) bool {
	r.mu.Lock()
	respond := r.respond
	r.respond = nil
	r.mu.Unlock()
	if respond == nil {
		return false
	}
	respond(code)
	return true
}

// CBMutableCharacteristic is the peripheral-side representation of a
// characteristic. A non-nil Value is served from the table without asking
// the delegate and requires a read-only characteristic.
type CBMutableCharacteristic struct {
	UUID        string
	Properties  CBCharacteristicProperties
	Value       []byte
	Permissions CBAttributePermissions
	Descriptors []*CBMutableDescriptor
	Service     *CBMutableService // Parent service

	handle uint16
}

// CBMutableDescriptor represents a GATT descriptor (peripheral-side)
type CBMutableDescriptor struct {
	UUID  string
	Value []byte
}

// CBMutableService is the peripheral-side representation of a service
type CBMutableService struct {
	UUID            string
	IsPrimary       bool
	Characteristics []*CBMutableCharacteristic

	start uint16
}

// definition converts the service to a table definition
func (s *CBMutableService) definition() (gatt.Service, error) {
	u, err := gatt.ParseUUID(s.UUID)
	if err != nil {
		return gatt.Service{}, err
	}
	def := gatt.Service{UUID: u, Primary: s.IsPrimary}
	for _, c := range s.Characteristics {
		cu, err := gatt.ParseUUID(c.UUID)
		if err != nil {
			return gatt.Service{}, err
		}
		if c.Value != nil && c.Properties&(CBCharacteristicPropertyWrite|CBCharacteristicPropertyWriteWithoutResponse) != 0 {
			return gatt.Service{}, errors.Errorf("characteristic %s has a cached value and must be read-only", c.UUID)
		}
		ch := gatt.Characteristic{
			UUID:        cu,
			Properties:  c.Properties.declared(),
			Permissions: c.Permissions.table(),
			Value:       c.Value,
		}
		for _, d := range c.Descriptors {
			du, err := gatt.ParseUUID(d.UUID)
			if err != nil {
				return gatt.Service{}, err
			}
			if du.Equal(gatt.UUIDClientCharacteristicConfig) {
				continue
			}
			ch.Descriptors = append(ch.Descriptors, gatt.Descriptor{UUID: du, Value: d.Value})
		}
		def.Characteristics = append(def.Characteristics, ch)
	}
	return def, nil
}

// CBPeripheralManager publishes a GATT table and answers the centrals
// connected to it. Delegate methods run one at a time on the manager's
// callback goroutine.
// Matches iOS CoreBluetooth CBPeripheralManager API
type CBPeripheralManager struct {
	Delegate CBPeripheralManagerDelegate

	uuid      string
	host      *host.Host
	lifecycle *CBConnectionLifecycleLogger

	mu          sync.Mutex
	state       CBManagerState
	advertising bool
	services    []*CBMutableService
	chars       map[uint16]*CBMutableCharacteristic // value handle
	subscribers map[uint16]map[string]bool          // value handle -> peer
}

// NewCBPeripheralManager starts a peripheral on adapter.
// Matches: CBPeripheralManager(delegate:queue:options:)
func NewCBPeripheralManager(delegate CBPeripheralManagerDelegate, adapter transport.Adapter, opts *CBManagerOptions) (*CBPeripheralManager, error) {
	pm := &CBPeripheralManager{
		Delegate:    delegate,
		uuid:        adapter.ID(),
		lifecycle:   opts.lifecycle(),
		chars:       make(map[uint16]*CBMutableCharacteristic),
		subscribers: make(map[uint16]map[string]bool),
	}

	h, err := host.New(opts.hostOptions(adapter, &peripheralEvents{pm: pm}))
	if err != nil {
		return nil, errors.Wrap(err, "can't start peripheral manager")
	}
	pm.host = h

	restored := pm.adoptRestored()
	h.Deliver(func() {
		if len(restored) > 0 {
			if rd, ok := delegate.(CBPeripheralManagerRestoreDelegate); ok {
				rd.WillRestoreState(pm, map[string]interface{}{
					CBPeripheralManagerRestoredStateServicesKey: restored,
				})
			}
		}
		pm.mu.Lock()
		pm.state = CBManagerStatePoweredOn
		pm.mu.Unlock()
		if delegate != nil {
			delegate.DidUpdatePeripheralState(pm)
		}
	})

	logger.Info(pm.tag(), "peripheral manager ready")
	return pm, nil
}

func (pm *CBPeripheralManager) tag() string {
	return logger.ShortID(pm.uuid) + " peripheral"
}

// State is the manager's Bluetooth state
func (pm *CBPeripheralManager) State() CBManagerState {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.state
}

// IsAdvertising reports whether StartAdvertising is in effect
func (pm *CBPeripheralManager) IsAdvertising() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.advertising
}

// Host is the engine behind the manager
func (pm *CBPeripheralManager) Host() *host.Host {
	return pm.host
}

// adoptRestored rebuilds CB objects for the table and subscriptions a
// snapshot brought back
func (pm *CBPeripheralManager) adoptRestored() []*CBMutableService {
	infos := pm.host.Database().Services()
	if len(infos) == 0 {
		return nil
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, info := range infos {
		svc := &CBMutableService{UUID: info.UUID.String(), IsPrimary: info.Primary, start: info.Range.Start}
		for _, ci := range info.Characteristics {
			ch := &CBMutableCharacteristic{
				UUID:       ci.UUID.String(),
				Properties: CBCharacteristicProperties(ci.Properties),
				Service:    svc,
				handle:     ci.ValueHandle,
			}
			svc.Characteristics = append(svc.Characteristics, ch)
			pm.chars[ci.ValueHandle] = ch
		}
		pm.services = append(pm.services, svc)
	}
	for _, conn := range pm.host.Conns() {
		if conn.Role != transport.RolePeripheral {
			continue
		}
		for _, sub := range conn.Subscriptions {
			if sub.Active() {
				pm.subscribe(sub.Handle, conn.Peer)
			}
		}
		pm.lifecycle.LogRestored(conn.Peer, conn.State.String())
	}
	return append([]*CBMutableService(nil), pm.services...)
}

// AddService publishes service. Handles are assigned in declaration order
// and never move while the service stays published.
// Matches: peripheralManager.add(_:)
func (pm *CBPeripheralManager) AddService(service *CBMutableService) error {
	def, err := service.definition()
	if err == nil {
		var r gatt.HandleRange
		r, err = pm.host.AddService(def)
		if err == nil {
			pm.bind(service, r)
		}
	}

	pm.host.Deliver(func() {
		if pm.Delegate != nil {
			pm.Delegate.DidAddService(pm, service, err)
		}
	})
	if err != nil {
		return errors.Wrapf(err, "can't add service %s", service.UUID)
	}
	logger.Info(pm.tag(), "added service %s", service.UUID)
	return nil
}

// bind records the handles the table gave service's characteristics
func (pm *CBPeripheralManager) bind(service *CBMutableService, r gatt.HandleRange) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	service.start = r.Start
	for _, info := range pm.host.Database().Services() {
		if info.Range.Start != r.Start {
			continue
		}
		for i, ci := range info.Characteristics {
			c := service.Characteristics[i]
			c.Service = service
			c.handle = ci.ValueHandle
			pm.chars[ci.ValueHandle] = c
		}
	}
	pm.services = append(pm.services, service)
}

// RemoveService unpublishes service; its subscribers are told they lost it
// Matches: peripheralManager.remove(_:)
func (pm *CBPeripheralManager) RemoveService(service *CBMutableService) error {
	if service.start == 0 || !pm.host.RemoveService(service.start) {
		return errors.Errorf("service %s is not published", service.UUID)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.forget(service)
	for i, s := range pm.services {
		if s == service {
			pm.services = append(pm.services[:i], pm.services[i+1:]...)
			break
		}
	}
	return nil
}

// RemoveAllServices empties the table
// Matches: peripheralManager.removeAllServices()
func (pm *CBPeripheralManager) RemoveAllServices() {
	pm.host.RemoveAllServices()

	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, s := range pm.services {
		pm.forget(s)
	}
	pm.services = nil
}

func (pm *CBPeripheralManager) forget(service *CBMutableService) {
	for _, c := range service.Characteristics {
		delete(pm.chars, c.handle)
		delete(pm.subscribers, c.handle)
		c.handle = 0
	}
	service.start = 0
}

// Services are the published services, in the order they were added
func (pm *CBPeripheralManager) Services() []*CBMutableService {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return append([]*CBMutableService(nil), pm.services...)
}

// StartAdvertising starts advertising with the specified data
// Matches: peripheralManager.startAdvertising(_:)
// advertisementData keys: CBAdvertisementDataLocalNameKey,
// CBAdvertisementDataServiceUUIDsKey, CBAdvertisementDataManufacturerDataKey
// (company ID first, little endian), CBAdvertisementDataTxPowerLevelKey
func (pm *CBPeripheralManager) StartAdvertising(advertisementData map[string]interface{}) error {
	data := &advertising.Data{
		Flags: advertising.FlagLEGeneralDiscoverableMode | advertising.FlagBREDRNotSupported,
	}
	if name, ok := advertisementData[CBAdvertisementDataLocalNameKey].(string); ok {
		data.LocalName = name
	}
	var err error
	if uuids, ok := advertisementData[CBAdvertisementDataServiceUUIDsKey].([]string); ok {
		data.ServiceUUIDs, err = parseUUIDs(uuids)
	}
	if md, ok := advertisementData[CBAdvertisementDataManufacturerDataKey].([]byte); ok && len(md) >= 2 {
		data.HasManufacturer = true
		data.ManufacturerID = binary.LittleEndian.Uint16(md)
		data.ManufacturerData = md[2:]
	}
	if tx, ok := advertisementData[CBAdvertisementDataTxPowerLevelKey].(int); ok {
		data.HasTxPower = true
		data.TxPower = int8(tx)
	}
	if err == nil {
		err = pm.host.Advertise(data, true)
	}

	pm.mu.Lock()
	pm.advertising = err == nil
	pm.mu.Unlock()

	pm.host.Deliver(func() {
		if pm.Delegate != nil {
			pm.Delegate.DidStartAdvertising(pm, err)
		}
	})
	if err != nil {
		return errors.Wrap(err, "can't advertise")
	}
	logger.Info(pm.tag(), "advertising %q", data.LocalName)
	return nil
}

// StopAdvertising stops advertising
// Matches: peripheralManager.stopAdvertising()
func (pm *CBPeripheralManager) StopAdvertising() {
	pm.mu.Lock()
	was := pm.advertising
	pm.advertising = false
	pm.mu.Unlock()
	if !was {
		return
	}
	if err := pm.host.StopAdvertising(); err != nil {
		logger.Warn(pm.tag(), "stop advertising: %v", err)
	}
}

// UpdateValue sends value to the subscribed centrals, or to the listed ones
// that are subscribed. It returns false when some central could not take
// the update now; IsReadyToUpdateSubscribers follows once it can.
// Matches: peripheralManager.updateValue(_:for:onSubscribedCentrals:)
func (pm *CBPeripheralManager) UpdateValue(value []byte, characteristic *CBMutableCharacteristic, centrals []CBCentral) bool {
	if characteristic == nil || characteristic.handle == 0 {
		return false
	}
	peers := make([]string, 0, len(centrals))
	for _, c := range centrals {
		peers = append(peers, c.UUID)
	}
	sent, err := pm.host.UpdateValue(characteristic.handle, value, peers...)
	if err != nil {
		logger.Warn(pm.tag(), "update %s: %v", characteristic.UUID, err)
		return false
	}
	return sent
}

// SubscribedCentrals lists the centrals subscribed to characteristic
// Matches: CBMutableCharacteristic.subscribedCentrals
func (pm *CBPeripheralManager) SubscribedCentrals(characteristic *CBMutableCharacteristic) []CBCentral {
	pm.mu.Lock()
	peers := make([]string, 0, len(pm.subscribers[characteristic.handle]))
	for peer := range pm.subscribers[characteristic.handle] {
		peers = append(peers, peer)
	}
	pm.mu.Unlock()

	sort.Strings(peers)
	out := make([]CBCentral, 0, len(peers))
	for _, peer := range peers {
		out = append(out, pm.central(peer))
	}
	return out
}

// RespondToRequest answers a read or a write batch; any request of the
// batch will do. Only the first answer counts, and a request left
// unanswered for half the transaction timeout fails with Unlikely Error.
// Matches: peripheralManager.respond(to:withResult:)
func (pm *CBPeripheralManager) RespondToRequest(request *CBATTRequest, result CBATTError) {
	if request == nil || request.reply == nil {
		return
	}
	if !request.reply.send(result) {
		logger.Warn(pm.tag(), "request from %s already answered", logger.ShortID(request.Central.UUID))
	}
}

func (pm *CBPeripheralManager) characteristic(handle uint16) *CBMutableCharacteristic {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.chars[handle]
}

// subscribe records peer on handle; it reports whether that is new
func (pm *CBPeripheralManager) subscribe(handle uint16, peer string) bool {
	peers := pm.subscribers[handle]
	if peers == nil {
		peers = make(map[string]bool)
		pm.subscribers[handle] = peers
	}
	if peers[peer] {
		return false
	}
	peers[peer] = true
	return true
}

// central describes a connected peer
func (pm *CBPeripheralManager) central(peer string) CBCentral {
	c := CBCentral{UUID: peer, MaximumUpdateValueLength: att.MaxValueLen(att.MinMTU, 3)}
	if info, ok := pm.host.Conn(peer); ok {
		c.MaximumUpdateValueLength = att.MaxValueLen(info.MTU, 3)
	}
	return c
}

// Snapshot captures the table and links for a later restore
func (pm *CBPeripheralManager) Snapshot() (*host.Snapshot, error) {
	return pm.host.Snapshot()
}

// Close stops advertising, drops every link and releases the adapter
func (pm *CBPeripheralManager) Close() error {
	pm.mu.Lock()
	pm.state = CBManagerStatePoweredOff
	pm.advertising = false
	pm.mu.Unlock()
	return pm.host.Close()
}

// peripheralEvents turns host events into CoreBluetooth delegate calls
type peripheralEvents struct {
	host.BaseDelegate
	pm *CBPeripheralManager
}

func (e *peripheralEvents) WillRead(req *host.AccessRequest, respond func(code uint8)) {
	pm := e.pm
	c := pm.characteristic(req.Handle)
	if c == nil || c.Value != nil || pm.Delegate == nil {
		respond(0)
		return
	}

	r := &CBATTRequest{
		Central:        pm.central(req.Peer),
		Characteristic: c,
		Offset:         req.Offset,
	}
	r.reply = &reply{respond: func(code CBATTError) {
		if code == CBATTErrorSuccess && r.Value != nil {
			req.Value = r.Value
		}
		respond(uint8(code))
	}}
	pm.Delegate.DidReceiveReadRequest(pm, r)
}

func (e *peripheralEvents) WillWrite(reqs []*host.AccessRequest, respond func(code uint8)) {
	pm := e.pm
	if pm.Delegate == nil || len(reqs) == 0 || reqs[0].Command {
		respond(0)
		return
	}
	batch := e.requests(reqs)
	if len(batch) == 0 {
		respond(0)
		return
	}
	rep := &reply{respond: func(code CBATTError) { respond(uint8(code)) }}
	for _, r := range batch {
		r.reply = rep
	}
	pm.Delegate.DidReceiveWriteRequests(pm, batch)
}

// DidWrite reports write commands; acknowledged writes went through
// WillWrite already
func (e *peripheralEvents) DidWrite(reqs []*host.AccessRequest) {
	pm := e.pm
	if pm.Delegate == nil || len(reqs) == 0 || !reqs[0].Command {
		return
	}
	if batch := e.requests(reqs); len(batch) > 0 {
		pm.Delegate.DidReceiveWriteRequests(pm, batch)
	}
}

// requests maps host writes on characteristic values to CB requests
func (e *peripheralEvents) requests(reqs []*host.AccessRequest) []*CBATTRequest {
	var out []*CBATTRequest
	for _, req := range reqs {
		c := e.pm.characteristic(req.Handle)
		if c == nil {
			continue
		}
		out = append(out, &CBATTRequest{
			Central:        e.pm.central(req.Peer),
			Characteristic: c,
			Offset:         req.Offset,
			Value:          req.Value,
		})
	}
	return out
}

func (e *peripheralEvents) Subscribed(peer string, char gatt.CharacteristicInfo, state gatt.SubscriptionState) {
	pm := e.pm
	c := pm.characteristic(char.ValueHandle)
	if c == nil {
		return
	}

	pm.mu.Lock()
	var changed bool
	if state.Active() {
		changed = pm.subscribe(char.ValueHandle, peer)
	} else if pm.subscribers[char.ValueHandle][peer] {
		delete(pm.subscribers[char.ValueHandle], peer)
		changed = true
	}
	pm.mu.Unlock()

	if !changed || pm.Delegate == nil {
		return
	}
	central := pm.central(peer)
	if state.Active() {
		logger.Debug(pm.tag(), "%s subscribed to %s", logger.ShortID(peer), c.UUID)
		pm.Delegate.CentralDidSubscribe(pm, central, c)
		return
	}
	logger.Debug(pm.tag(), "%s unsubscribed from %s", logger.ShortID(peer), c.UUID)
	pm.Delegate.CentralDidUnsubscribe(pm, central, c)
}

func (e *peripheralEvents) ReadyToUpdate(peer string) {
	if e.pm.Delegate != nil {
		e.pm.Delegate.IsReadyToUpdateSubscribers(e.pm)
	}
}

func (e *peripheralEvents) Disconnected(peer string, role transport.Role, reason error) {
	e.pm.lifecycle.LogDisconnected(peer, role.String(), reason)
	logger.Info(e.pm.tag(), "central %s gone (%v)", logger.ShortID(peer), reason)
}
