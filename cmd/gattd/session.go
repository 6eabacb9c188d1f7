package main

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/user/blue-gatt/logger"
	"github.com/user/blue-gatt/swift"
)

type discovery struct {
	peripheral *swift.CBPeripheral
	adv        map[string]interface{}
	rssi       int
}

type charEvent struct {
	char *swift.CBCharacteristic
	err  error
}

// events turns central and peripheral delegate callbacks into channel sends
type events struct {
	state       chan swift.CBManagerState
	discovered  chan discovery
	connected   chan error
	disconnects chan error
	services    chan error
	written     chan charEvent
	values      chan charEvent
	notifying   chan charEvent
}

func newEvents() *events {
	return &events{
		state:       make(chan swift.CBManagerState, 1),
		discovered:  make(chan discovery, 64),
		connected:   make(chan error, 1),
		disconnects: make(chan error, 1),
		services:    make(chan error, 1),
		written:     make(chan charEvent, 1),
		values:      make(chan charEvent, 64),
		notifying:   make(chan charEvent, 1),
	}
}

func (e *events) DidUpdateState(central *swift.CBCentralManager) {
	e.state <- central.State()
}

func (e *events) DidDiscoverPeripheral(central *swift.CBCentralManager, peripheral *swift.CBPeripheral, adv map[string]interface{}, rssi int) {
	select {
	case e.discovered <- discovery{peripheral, adv, rssi}:
	default:
		logger.Warn("gattd", "dropped advertisement from %s", logger.ShortID(peripheral.UUID))
	}
}

func (e *events) DidConnectPeripheral(central *swift.CBCentralManager, peripheral *swift.CBPeripheral) {
	e.connected <- nil
}

func (e *events) DidFailToConnectPeripheral(central *swift.CBCentralManager, peripheral *swift.CBPeripheral, err error) {
	e.connected <- err
}

func (e *events) DidDisconnectPeripheral(central *swift.CBCentralManager, peripheral *swift.CBPeripheral, err error) {
	select {
	case e.disconnects <- err:
	default:
	}
}

func (e *events) DidDiscoverServices(peripheral *swift.CBPeripheral, services []*swift.CBService, err error) {
	e.services <- err
}

func (e *events) DidDiscoverCharacteristics(peripheral *swift.CBPeripheral, service *swift.CBService, err error) {
}

func (e *events) DidDiscoverDescriptorsForCharacteristic(peripheral *swift.CBPeripheral, characteristic *swift.CBCharacteristic, err error) {
}

func (e *events) DidWriteValueForCharacteristic(peripheral *swift.CBPeripheral, characteristic *swift.CBCharacteristic, err error) {
	e.written <- charEvent{characteristic, err}
}

func (e *events) DidWriteValueForDescriptor(peripheral *swift.CBPeripheral, descriptor *swift.CBDescriptor, err error) {
}

func (e *events) DidUpdateValueForCharacteristic(peripheral *swift.CBPeripheral, characteristic *swift.CBCharacteristic, err error) {
	c := *characteristic
	c.Value = append([]byte(nil), characteristic.Value...)
	select {
	case e.values <- charEvent{&c, err}:
	default:
		logger.Warn("gattd", "dropped value of %s", characteristic.UUID)
	}
}

func (e *events) DidUpdateValueForDescriptor(peripheral *swift.CBPeripheral, descriptor *swift.CBDescriptor, err error) {
}

func (e *events) DidUpdateNotificationStateForCharacteristic(peripheral *swift.CBPeripheral, characteristic *swift.CBCharacteristic, err error) {
	e.notifying <- charEvent{characteristic, err}
}

// session is a blocking central: one manager, at most one peripheral
type session struct {
	cm      *swift.CBCentralManager
	ev      *events
	p       *swift.CBPeripheral
	timeout time.Duration
}

func openSession() (*session, error) {
	a, err := newAdapter()
	if err != nil {
		return nil, err
	}
	tracer, err := newTracer()
	if err != nil {
		a.Close()
		return nil, err
	}

	ev := newEvents()
	cm, err := swift.NewCBCentralManager(ev, a, &swift.CBManagerOptions{
		MTU:               cfg.ATT.MTU,
		Timeout:           cfg.ATT.Timeout,
		KeepLinkOnTimeout: !cfg.ATT.DisconnectOnTimeout,
		Tracer:            tracer,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	s := &session{cm: cm, ev: ev, timeout: cfg.ATT.Timeout + time.Second}

	if _, err := wait(s, ev.state); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "central manager never powered on")
	}
	return s, nil
}

// wait takes the next event from ch or gives up after the session timeout
func wait[T any](s *session, ch <-chan T) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Connect links to peer and discovers its whole table
func (s *session) Connect(peer string) error {
	if peer == "" {
		return errors.New("no peer given, use --peer")
	}
	p := s.cm.RetrievePeripherals([]string{peer})[0]
	p.Delegate = s.ev
	s.p = p

	s.cm.Connect(p, nil)
	err, werr := wait(s, s.ev.connected)
	if werr != nil {
		return errors.Wrapf(werr, "can't connect to %s", peer)
	}
	if err != nil {
		return errors.Wrapf(err, "can't connect to %s", peer)
	}

	p.DiscoverServices(nil)
	err, werr = wait(s, s.ev.services)
	if werr != nil {
		return errors.Wrap(werr, "service discovery")
	}
	return errors.Wrap(err, "service discovery")
}

// Characteristic finds a discovered characteristic
func (s *session) Characteristic(service, char string) (*swift.CBCharacteristic, error) {
	if service == "" || char == "" {
		return nil, errors.New("give both --service and --char")
	}
	c := s.p.Characteristic(service, char)
	if c == nil {
		return nil, errors.Errorf("%s has no characteristic %s in service %s", logger.ShortID(s.p.UUID), char, service)
	}
	return c, nil
}

// Read returns the characteristic's current value
func (s *session) Read(c *swift.CBCharacteristic) ([]byte, error) {
	s.p.ReadValue(c)
	for {
		ev, err := wait(s, s.ev.values)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", c.UUID)
		}
		if ev.char.UUID != c.UUID || ev.char.Service != c.Service {
			continue
		}
		if ev.err != nil {
			return nil, errors.Wrapf(ev.err, "read %s", c.UUID)
		}
		return ev.char.Value, nil
	}
}

// Write writes value; without response it returns once the PDU is queued
func (s *session) Write(c *swift.CBCharacteristic, value []byte, withoutResponse bool) error {
	if withoutResponse {
		if !c.IsWritableWithoutResponse() {
			return errors.Errorf("%s does not take writes without response", c.UUID)
		}
		s.p.WriteValue(value, c, swift.CBCharacteristicWriteWithoutResponse)
		return nil
	}
	s.p.WriteValue(value, c, swift.CBCharacteristicWriteWithResponse)
	ev, err := wait(s, s.ev.written)
	if err != nil {
		return errors.Wrapf(err, "write %s", c.UUID)
	}
	return errors.Wrapf(ev.err, "write %s", c.UUID)
}

// Subscribe turns notifications or indications on or off
func (s *session) Subscribe(c *swift.CBCharacteristic, enabled bool) error {
	s.p.SetNotifyValue(enabled, c)
	ev, err := wait(s, s.ev.notifying)
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", c.UUID)
	}
	return errors.Wrapf(ev.err, "subscribe %s", c.UUID)
}

// Close drops the link, if any, and shuts the manager down
func (s *session) Close() error {
	if s.p != nil && s.p.State() == swift.CBPeripheralStateConnected {
		s.cm.CancelPeripheralConnection(s.p)
		wait(s, s.ev.disconnects)
	}
	return s.cm.Close()
}
