package swift

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/user/blue-gatt/host"
	"github.com/user/blue-gatt/logger"
	"github.com/user/blue-gatt/wire/att"
	"github.com/user/blue-gatt/wire/gatt"
)

// CCCD enable/disable values (matches iOS CoreBluetooth)
var (
	CBCCCDEnableNotificationValue  = []byte{0x01, 0x00} // Enable notifications
	CBCCCDEnableIndicationValue    = []byte{0x02, 0x00} // Enable indications
	CBCCCDDisableNotificationValue = []byte{0x00, 0x00} // Disable notifications/indications
)

var (
	errNotConnected  = errors.New("peripheral not connected")
	errNoDelivery    = errors.New("characteristic supports neither notifications nor indications")
	errCCCDByHand    = errors.New("client characteristic configuration is written with SetNotifyValue")
	errNotDiscovered = errors.New("attribute was not discovered on this peripheral")
)

// CBDescriptor represents a BLE descriptor (matches iOS CoreBluetooth CBDescriptor)
type CBDescriptor struct {
	UUID           string
	Value          []byte
	Characteristic *CBCharacteristic // Parent characteristic

	handle uint16
}

func (d *CBDescriptor) discovered() bool {
	return d != nil && d.handle != 0
}

// CBCharacteristic represents a BLE characteristic
type CBCharacteristic struct {
	UUID        string
	Properties  CBCharacteristicProperties
	Service     *CBService
	Value       []byte
	Descriptors []*CBDescriptor
	IsNotifying bool

	handle uint16
}

// HasProperty checks if the characteristic has a specific property
// Matches iOS: characteristic.properties.contains(.read)
func (c *CBCharacteristic) HasProperty(property CBCharacteristicProperties) bool {
	return c.Properties&property != 0
}

// discovered reports whether c came from discovery on some peripheral
func (c *CBCharacteristic) discovered() bool {
	return c != nil && c.handle != 0
}

func (c *CBCharacteristic) IsReadable() bool {
	return c.HasProperty(CBCharacteristicPropertyRead)
}

func (c *CBCharacteristic) IsWritable() bool {
	return c.HasProperty(CBCharacteristicPropertyWrite)
}

func (c *CBCharacteristic) IsWritableWithoutResponse() bool {
	return c.HasProperty(CBCharacteristicPropertyWriteWithoutResponse)
}

func (c *CBCharacteristic) IsNotifiable() bool {
	return c.HasProperty(CBCharacteristicPropertyNotify)
}

func (c *CBCharacteristic) SupportsIndication() bool {
	return c.HasProperty(CBCharacteristicPropertyIndicate)
}

// CBService represents a BLE service
type CBService struct {
	UUID            string
	IsPrimary       bool
	Characteristics []*CBCharacteristic

	start, end uint16
}

// Characteristic finds a discovered characteristic by UUID
func (s *CBService) Characteristic(uuid string) *CBCharacteristic {
	for _, c := range s.Characteristics {
		if c.UUID == uuid || sameUUIDs(c.UUID, uuid) {
			return c
		}
	}
	return nil
}

func sameUUIDs(a, b string) bool {
	u, err := gatt.ParseUUID(a)
	return err == nil && sameUUID(b, u)
}

type CBPeripheralDelegate interface {
	DidDiscoverServices(peripheral *CBPeripheral, services []*CBService, err error)
	DidDiscoverCharacteristics(peripheral *CBPeripheral, service *CBService, err error)
	DidDiscoverDescriptorsForCharacteristic(peripheral *CBPeripheral, characteristic *CBCharacteristic, err error)
	DidWriteValueForCharacteristic(peripheral *CBPeripheral, characteristic *CBCharacteristic, err error)
	DidWriteValueForDescriptor(peripheral *CBPeripheral, descriptor *CBDescriptor, err error)
	DidUpdateValueForCharacteristic(peripheral *CBPeripheral, characteristic *CBCharacteristic, err error)
	DidUpdateValueForDescriptor(peripheral *CBPeripheral, descriptor *CBDescriptor, err error)
	DidUpdateNotificationStateForCharacteristic(peripheral *CBPeripheral, characteristic *CBCharacteristic, err error)
}

// CBPeripheral is a remote peripheral as a central sees it. Services,
// characteristic values and IsNotifying change on the manager's callback
// goroutine, just before the delegate method that reports them.
type CBPeripheral struct {
	Delegate CBPeripheralDelegate
	Name     string
	UUID     string
	Services []*CBService

	manager *CBCentralManager
	mu      sync.RWMutex
	state   CBPeripheralState
}

// State is the peripheral's connection state
func (p *CBPeripheral) State() CBPeripheralState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *CBPeripheral) setState(s CBPeripheralState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

func (p *CBPeripheral) tag() string {
	if p.manager == nil {
		return logger.ShortID(p.UUID)
	}
	return p.manager.tag() + " " + logger.ShortID(p.UUID)
}

// deliver reports an outcome computed without a round trip, in order with
// the rest of the manager's callbacks
func (p *CBPeripheral) deliver(fn func(d CBPeripheralDelegate)) {
	d := p.Delegate
	if d == nil {
		return
	}
	if p.manager == nil {
		go fn(d)
		return
	}
	p.manager.host.Deliver(func() { fn(d) })
}

func (p *CBPeripheral) host() (*host.Host, error) {
	if p.manager == nil {
		return nil, errNotConnected
	}
	return p.manager.host, nil
}

// DiscoverServices walks the peripheral's table. Characteristics and
// descriptors come with it, so the later discover calls answer at once.
// Matches: discoverServices(_:)
func (p *CBPeripheral) DiscoverServices(serviceUUIDs []string) {
	filter, err := parseUUIDs(serviceUUIDs)
	if err != nil {
		p.deliver(func(d CBPeripheralDelegate) { d.DidDiscoverServices(p, nil, err) })
		return
	}
	h, err := p.host()
	if err != nil {
		p.deliver(func(d CBPeripheralDelegate) { d.DidDiscoverServices(p, nil, err) })
		return
	}

	h.Discover(p.UUID, func(dc *gatt.DiscoveryCache, err error) {
		if err != nil {
			logger.Warn(p.tag(), "service discovery failed: %v", err)
			if p.Delegate != nil {
				p.Delegate.DidDiscoverServices(p, nil, err)
			}
			return
		}
		p.Services = buildServices(dc, filter, p.Services)
		logger.Debug(p.tag(), "discovered %d services", len(p.Services))
		if p.Delegate != nil {
			p.Delegate.DidDiscoverServices(p, p.Services, nil)
		}
	})
}

// buildServices converts a discovery cache to CB objects. Values and
// notification state carry over from previous objects for the same handles.
func buildServices(dc *gatt.DiscoveryCache, filter []gatt.UUID, previous []*CBService) []*CBService {
	old := make(map[uint16]*CBCharacteristic)
	for _, s := range previous {
		for _, c := range s.Characteristics {
			old[c.handle] = c
		}
	}

	out := make([]*CBService, 0, len(dc.Services))
	for _, ds := range dc.Services {
		if len(filter) > 0 && !containsUUID(filter, ds.UUID) {
			continue
		}
		svc := &CBService{
			UUID:      ds.UUID.String(),
			IsPrimary: true,
			start:     ds.StartHandle,
			end:       ds.EndHandle,
		}
		for _, dch := range dc.Characteristics[ds.StartHandle] {
			ch := &CBCharacteristic{
				UUID:       dch.UUID.String(),
				Properties: CBCharacteristicProperties(dch.Properties),
				Service:    svc,
				handle:     dch.ValueHandle,
			}
			if prev, ok := old[dch.ValueHandle]; ok && prev.UUID == ch.UUID {
				ch.Value = prev.Value
				ch.IsNotifying = prev.IsNotifying
			}
			for _, dd := range dc.Descriptors[dch.ValueHandle] {
				ch.Descriptors = append(ch.Descriptors, &CBDescriptor{
					UUID:           dd.UUID.String(),
					Characteristic: ch,
					handle:         dd.Handle,
				})
			}
			svc.Characteristics = append(svc.Characteristics, ch)
		}
		out = append(out, svc)
	}
	return out
}

func containsUUID(list []gatt.UUID, u gatt.UUID) bool {
	for _, v := range list {
		if v.Equal(u) {
			return true
		}
	}
	return false
}

// DiscoverCharacteristics reports the characteristics found with service
// Matches: discoverCharacteristics(_:for:)
func (p *CBPeripheral) DiscoverCharacteristics(characteristicUUIDs []string, service *CBService) {
	var err error
	if p.State() != CBPeripheralStateConnected {
		err = errNotConnected
	} else if service == nil || service.start == 0 {
		err = errNotDiscovered
	}
	p.deliver(func(d CBPeripheralDelegate) { d.DidDiscoverCharacteristics(p, service, err) })
}

// DiscoverDescriptors reports the descriptors found with characteristic
// Matches: discoverDescriptors(for:)
func (p *CBPeripheral) DiscoverDescriptors(characteristic *CBCharacteristic) {
	var err error
	if p.State() != CBPeripheralStateConnected {
		err = errNotConnected
	} else if characteristic == nil || characteristic.handle == 0 {
		err = errNotDiscovered
	}
	p.deliver(func(d CBPeripheralDelegate) { d.DidDiscoverDescriptorsForCharacteristic(p, characteristic, err) })
}

// needsPairing reports whether the peer refused an access until the link
// is encrypted
func needsPairing(err error) bool {
	switch att.GetErrorCode(err) {
	case att.ErrInsufficientEncryption, att.ErrInsufficientAuthentication, att.ErrInsufficientEncryptionKeySize:
		return true
	}
	return false
}

// secured runs op; when the peer asks for encryption it pairs once and
// runs op again, the way iOS prompts for pairing on demand
func (p *CBPeripheral) secured(h *host.Host, op func(done func(error)), done func(error)) {
	op(func(err error) {
		if !needsPairing(err) {
			done(err)
			return
		}
		logger.Info(p.tag(), "peer wants encryption, pairing")
		h.Pair(p.UUID, func(perr error) {
			if perr != nil {
				done(errors.Wrap(perr, "pairing failed"))
				return
			}
			op(done)
		})
	})
}

// ReadValue reads the characteristic; the value arrives in
// DidUpdateValueForCharacteristic
// Matches: readValue(for:)
func (p *CBPeripheral) ReadValue(characteristic *CBCharacteristic) {
	h, err := p.host()
	if err == nil && !characteristic.discovered() {
		err = errNotDiscovered
	}
	if err != nil {
		p.deliver(func(d CBPeripheralDelegate) { d.DidUpdateValueForCharacteristic(p, characteristic, err) })
		return
	}

	var value []byte
	p.secured(h, func(done func(error)) {
		h.Read(p.UUID, characteristic.handle, func(v []byte, err error) {
			value = v
			done(err)
		})
	}, func(err error) {
		if err == nil {
			characteristic.Value = value
		}
		if p.Delegate != nil {
			p.Delegate.DidUpdateValueForCharacteristic(p, characteristic, err)
		}
	})
}

// ReadValueForDescriptor reads a descriptor
// Matches: readValue(for:) with a CBDescriptor
func (p *CBPeripheral) ReadValueForDescriptor(descriptor *CBDescriptor) {
	h, err := p.host()
	if err == nil && !descriptor.discovered() {
		err = errNotDiscovered
	}
	if err != nil {
		p.deliver(func(d CBPeripheralDelegate) { d.DidUpdateValueForDescriptor(p, descriptor, err) })
		return
	}

	var value []byte
	p.secured(h, func(done func(error)) {
		h.Read(p.UUID, descriptor.handle, func(v []byte, err error) {
			value = v
			done(err)
		})
	}, func(err error) {
		if err == nil {
			descriptor.Value = value
		}
		if p.Delegate != nil {
			p.Delegate.DidUpdateValueForDescriptor(p, descriptor, err)
		}
	})
}

// WriteValue writes data to the characteristic. With response, the outcome
// arrives in DidWriteValueForCharacteristic; without, nothing comes back.
// Matches: writeValue(_:for:type:)
func (p *CBPeripheral) WriteValue(data []byte, characteristic *CBCharacteristic, writeType CBCharacteristicWriteType) {
	h, err := p.host()
	if err == nil && !characteristic.discovered() {
		err = errNotDiscovered
	}

	if writeType == CBCharacteristicWriteWithoutResponse {
		if err == nil {
			err = h.WriteWithoutResponse(p.UUID, characteristic.handle, data)
		}
		if err != nil {
			logger.Warn(p.tag(), "write without response: %v", err)
		}
		return
	}

	if err != nil {
		p.deliver(func(d CBPeripheralDelegate) { d.DidWriteValueForCharacteristic(p, characteristic, err) })
		return
	}
	p.secured(h, func(done func(error)) {
		h.Write(p.UUID, characteristic.handle, data, done)
	}, func(err error) {
		if p.Delegate != nil {
			p.Delegate.DidWriteValueForCharacteristic(p, characteristic, err)
		}
	})
}

// WriteValueForDescriptor writes a descriptor. The CCCD is off limits; use
// SetNotifyValue.
// Matches: writeValue(_:for:) with a CBDescriptor
func (p *CBPeripheral) WriteValueForDescriptor(data []byte, descriptor *CBDescriptor) {
	h, err := p.host()
	if err == nil && !descriptor.discovered() {
		err = errNotDiscovered
	}
	if err == nil && sameUUID(descriptor.UUID, gatt.UUIDClientCharacteristicConfig) {
		err = errCCCDByHand
	}
	if err != nil {
		p.deliver(func(d CBPeripheralDelegate) { d.DidWriteValueForDescriptor(p, descriptor, err) })
		return
	}
	p.secured(h, func(done func(error)) {
		h.Write(p.UUID, descriptor.handle, data, done)
	}, func(err error) {
		if err == nil {
			descriptor.Value = append([]byte(nil), data...)
		}
		if p.Delegate != nil {
			p.Delegate.DidWriteValueForDescriptor(p, descriptor, err)
		}
	})
}

// SetNotifyValue subscribes to or unsubscribes from the characteristic.
// Notifications are preferred when both are supported.
// Matches: setNotifyValue(_:for:)
func (p *CBPeripheral) SetNotifyValue(enabled bool, characteristic *CBCharacteristic) {
	h, err := p.host()
	if err == nil && !characteristic.discovered() {
		err = errNotDiscovered
	}
	var notify, indicate bool
	if err == nil {
		notify = enabled && characteristic.IsNotifiable()
		indicate = enabled && !notify && characteristic.SupportsIndication()
		if enabled && !notify && !indicate {
			err = errNoDelivery
		}
	}
	if err != nil {
		p.deliver(func(d CBPeripheralDelegate) { d.DidUpdateNotificationStateForCharacteristic(p, characteristic, err) })
		return
	}

	p.secured(h, func(done func(error)) {
		h.Subscribe(p.UUID, characteristic.handle, notify, indicate, done)
	}, func(err error) {
		if err == nil {
			characteristic.IsNotifying = enabled
		}
		if p.Delegate != nil {
			p.Delegate.DidUpdateNotificationStateForCharacteristic(p, characteristic, err)
		}
	})
}

// MaximumWriteValueLength is the largest value one write can carry
// Matches: maximumWriteValueLength(for:)
func (p *CBPeripheral) MaximumWriteValueLength(writeType CBCharacteristicWriteType) int {
	if writeType == CBCharacteristicWriteWithResponse {
		return gatt.MaxAttributeValueLen
	}
	mtu := att.MinMTU
	if p.manager != nil {
		if info, ok := p.manager.host.Conn(p.UUID); ok {
			mtu = info.MTU
		}
	}
	return att.MaxValueLen(mtu, 3)
}

// CanSendWriteWithoutResponse reports whether a write command would be sent now
func (p *CBPeripheral) CanSendWriteWithoutResponse() bool {
	return p.State() == CBPeripheralStateConnected
}

// Characteristic finds a discovered characteristic by service and UUID
func (p *CBPeripheral) Characteristic(serviceUUID, characteristicUUID string) *CBCharacteristic {
	for _, s := range p.Services {
		if s.UUID != serviceUUID && !sameUUIDs(s.UUID, serviceUUID) {
			continue
		}
		if c := s.Characteristic(characteristicUUID); c != nil {
			return c
		}
	}
	return nil
}

func (p *CBPeripheral) characteristicAt(handle uint16) *CBCharacteristic {
	for _, s := range p.Services {
		if handle < s.start || handle > s.end {
			continue
		}
		for _, c := range s.Characteristics {
			if c.handle == handle {
				return c
			}
		}
	}
	return nil
}

// notified stores a pushed value and reports it
func (p *CBPeripheral) notified(handle uint16, value []byte) {
	c := p.characteristicAt(handle)
	if c == nil {
		logger.Debug(p.tag(), "value for undiscovered handle 0x%04X dropped", handle)
		return
	}
	c.Value = value
	if p.Delegate != nil {
		p.Delegate.DidUpdateValueForCharacteristic(p, c, nil)
	}
}

// linkDown forgets per-link state; subscriptions end with the link
func (p *CBPeripheral) linkDown() {
	for _, s := range p.Services {
		for _, c := range s.Characteristics {
			c.IsNotifying = false
		}
	}
}
