package host

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/user/blue-gatt/logger"
	"github.com/user/blue-gatt/security"
	"github.com/user/blue-gatt/transport"
	"github.com/user/blue-gatt/wire/att"
	"github.com/user/blue-gatt/wire/gatt"
)

// Snapshot is what a Host needs to pick up a session after the process
// was suspended: the published table, every connection and the bonds.
type Snapshot struct {
	DeviceID    string            `json:"device_id"`
	TakenAt     time.Time         `json:"taken_at"`
	NextHandle  int               `json:"next_handle"`
	Services    []ServiceSnapshot `json:"services,omitempty"`
	Connections []ConnSnapshot    `json:"connections,omitempty"`
	Bonds       []BondSnapshot    `json:"bonds,omitempty"`
}

// ServiceSnapshot is one published service, enough to rebuild it at the
// same handles
type ServiceSnapshot struct {
	Start           uint16                   `json:"start"`
	UUID            string                   `json:"uuid"`
	Primary         bool                     `json:"primary"`
	Characteristics []CharacteristicSnapshot `json:"characteristics,omitempty"`
}

type CharacteristicSnapshot struct {
	UUID        string               `json:"uuid"`
	Properties  uint8                `json:"properties"`
	Permissions uint8                `json:"permissions"`
	Value       []byte               `json:"value,omitempty"`
	Descriptors []DescriptorSnapshot `json:"descriptors,omitempty"`
}

type DescriptorSnapshot struct {
	UUID        string `json:"uuid"`
	Handle      uint16 `json:"handle,omitempty"`
	Permissions uint8  `json:"permissions,omitempty"`
	Value       []byte `json:"value,omitempty"`
}

// ConnSnapshot is one connection and what we knew about the peer
type ConnSnapshot struct {
	Peer          string                  `json:"peer"`
	Role          transport.Role          `json:"role"`
	State         string                  `json:"state"`
	MTU           int                     `json:"mtu"`
	Encrypted     bool                    `json:"encrypted"`
	Services      []RemoteServiceSnapshot `json:"services,omitempty"`
	Subscriptions []SubscriptionSnapshot  `json:"subscriptions,omitempty"`
}

// RemoteServiceSnapshot is a service in the peer's table as discovered
type RemoteServiceSnapshot struct {
	UUID            string                         `json:"uuid"`
	Start           uint16                         `json:"start"`
	End             uint16                         `json:"end"`
	Characteristics []RemoteCharacteristicSnapshot `json:"characteristics,omitempty"`
}

type RemoteCharacteristicSnapshot struct {
	UUID              string               `json:"uuid"`
	Properties        uint8                `json:"properties"`
	DeclarationHandle uint16               `json:"declaration_handle"`
	ValueHandle       uint16               `json:"value_handle"`
	EndHandle         uint16               `json:"end_handle"`
	Descriptors       []DescriptorSnapshot `json:"descriptors,omitempty"`
}

// SubscriptionSnapshot is the peer's CCCD setting for one of our values
type SubscriptionSnapshot struct {
	Handle   uint16 `json:"handle"`
	Notify   bool   `json:"notify,omitempty"`
	Indicate bool   `json:"indicate,omitempty"`
}

type BondSnapshot struct {
	Peer      string    `json:"peer"`
	Key       []byte    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

// Marshal encodes the snapshot as a binary protobuf Struct
func (s *Snapshot) Marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "can't encode snapshot")
	}
	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(data, msg); err != nil {
		return nil, errors.Wrap(err, "can't convert snapshot")
	}
	return proto.Marshal(msg)
}

// UnmarshalSnapshot decodes what Marshal produced
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	msg := &structpb.Struct{}
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, errors.Wrap(err, "can't decode snapshot")
	}
	js, err := protojson.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "can't convert snapshot")
	}
	s := &Snapshot{}
	if err := json.Unmarshal(js, s); err != nil {
		return nil, errors.Wrap(err, "can't decode snapshot")
	}
	return s, nil
}

// SaveSnapshot writes s to path, replacing any previous file atomically
func SaveSnapshot(path string, s *Snapshot) error {
	data, err := s.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "can't create snapshot directory")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return errors.Wrap(err, "can't write snapshot")
	}
	return errors.Wrap(os.Rename(tmp, path), "can't write snapshot")
}

// LoadSnapshot reads a snapshot written by SaveSnapshot
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "can't read snapshot")
	}
	return UnmarshalSnapshot(data)
}

// Snapshot captures the current session
func (h *Host) Snapshot() (*Snapshot, error) {
	s := &Snapshot{
		DeviceID:   h.id,
		TakenAt:    time.Now(),
		NextHandle: h.db.NextHandle(),
	}

	for _, svc := range h.db.Services() {
		ss := ServiceSnapshot{Start: svc.Range.Start, UUID: svc.UUID.String(), Primary: svc.Primary}
		for _, ch := range svc.Characteristics {
			value, ok := h.db.Lookup(ch.ValueHandle)
			if !ok {
				continue
			}
			cs := CharacteristicSnapshot{
				UUID:        ch.UUID.String(),
				Properties:  ch.Properties,
				Permissions: uint8(value.Permissions),
				Value:       value.Value,
			}
			for _, d := range ch.Descriptors {
				a, ok := h.db.Lookup(d.Handle)
				if !ok {
					continue
				}
				cs.Descriptors = append(cs.Descriptors, DescriptorSnapshot{
					UUID:        d.UUID.String(),
					Permissions: uint8(a.Permissions),
					Value:       a.Value,
				})
			}
			ss.Characteristics = append(ss.Characteristics, cs)
		}
		s.Services = append(s.Services, ss)
	}

	for _, b := range h.bonds.All() {
		s.Bonds = append(s.Bonds, BondSnapshot{Peer: b.Peer, Key: b.Key, CreatedAt: b.CreatedAt})
	}

	if err := h.loop.Do(func() {
		for _, c := range h.sortedConns() {
			if c.state.live() {
				s.Connections = append(s.Connections, c.snapshot())
			}
		}
	}); err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Conn) snapshot() ConnSnapshot {
	cs := ConnSnapshot{
		Peer:      c.peer,
		Role:      c.role,
		State:     c.state.String(),
		MTU:       c.mtu,
		Encrypted: c.sec.Encrypted,
	}
	for _, sub := range c.cccd.GetAllSubscriptions() {
		cs.Subscriptions = append(cs.Subscriptions, SubscriptionSnapshot{
			Handle:   sub.Handle,
			Notify:   sub.NotifyEnabled,
			Indicate: sub.IndicateEnabled,
		})
	}
	if c.services == nil {
		return cs
	}
	for _, svc := range c.services.Services {
		rs := RemoteServiceSnapshot{UUID: svc.UUID.String(), Start: svc.StartHandle, End: svc.EndHandle}
		for _, ch := range c.services.Characteristics[svc.StartHandle] {
			rc := RemoteCharacteristicSnapshot{
				UUID:              ch.UUID.String(),
				Properties:        ch.Properties,
				DeclarationHandle: ch.DeclarationHandle,
				ValueHandle:       ch.ValueHandle,
				EndHandle:         ch.EndHandle,
			}
			for _, d := range c.services.Descriptors[ch.ValueHandle] {
				rc.Descriptors = append(rc.Descriptors, DescriptorSnapshot{UUID: d.UUID.String(), Handle: d.Handle})
			}
			rs.Characteristics = append(rs.Characteristics, rc)
		}
		cs.Services = append(cs.Services, rs)
	}
	return cs
}

// restoreTable rebuilds the published services at their old handles and
// reloads the bonds
func (h *Host) restoreTable(s *Snapshot) error {
	for _, b := range s.Bonds {
		h.bonds.Put(security.Bond{Peer: b.Peer, Key: b.Key, CreatedAt: b.CreatedAt})
	}

	for _, ss := range s.Services {
		svc, err := ss.service()
		if err != nil {
			return err
		}
		if _, err := h.db.AddServiceAt(ss.Start, svc); err != nil {
			return errors.Wrapf(err, "can't restore service %s", ss.UUID)
		}
	}
	h.db.SetNextHandle(s.NextHandle)
	return nil
}

func (ss ServiceSnapshot) service() (gatt.Service, error) {
	u, err := gatt.ParseUUID(ss.UUID)
	if err != nil {
		return gatt.Service{}, errors.Wrapf(err, "service %q", ss.UUID)
	}
	svc := gatt.Service{UUID: u, Primary: ss.Primary}
	for _, cs := range ss.Characteristics {
		cu, err := gatt.ParseUUID(cs.UUID)
		if err != nil {
			return gatt.Service{}, errors.Wrapf(err, "characteristic %q", cs.UUID)
		}
		ch := gatt.Characteristic{
			UUID:        cu,
			Properties:  cs.Properties,
			Permissions: gatt.Permissions(cs.Permissions),
			Value:       cs.Value,
		}
		for _, ds := range cs.Descriptors {
			du, err := gatt.ParseUUID(ds.UUID)
			if err != nil {
				return gatt.Service{}, errors.Wrapf(err, "descriptor %q", ds.UUID)
			}
			ch.Descriptors = append(ch.Descriptors, gatt.Descriptor{UUID: du, Value: ds.Value, Permissions: gatt.Permissions(ds.Permissions)})
		}
		svc.Characteristics = append(svc.Characteristics, ch)
	}
	return svc, nil
}

func (cs ConnSnapshot) discovery() (*gatt.DiscoveryCache, error) {
	if len(cs.Services) == 0 {
		return nil, nil
	}
	dc := gatt.NewDiscoveryCache()
	for _, rs := range cs.Services {
		u, err := gatt.ParseUUID(rs.UUID)
		if err != nil {
			return nil, err
		}
		dc.AddService(gatt.DiscoveredService{UUID: u, StartHandle: rs.Start, EndHandle: rs.End})
		for _, rc := range rs.Characteristics {
			cu, err := gatt.ParseUUID(rc.UUID)
			if err != nil {
				return nil, err
			}
			dc.AddCharacteristic(rs.Start, gatt.DiscoveredCharacteristic{
				UUID:              cu,
				Properties:        rc.Properties,
				DeclarationHandle: rc.DeclarationHandle,
				ValueHandle:       rc.ValueHandle,
				EndHandle:         rc.EndHandle,
			})
			for _, d := range rc.Descriptors {
				du, err := gatt.ParseUUID(d.UUID)
				if err != nil {
					return nil, err
				}
				dc.AddDescriptor(rc.ValueHandle, gatt.DiscoveredDescriptor{UUID: du, Handle: d.Handle})
			}
		}
	}
	return dc, nil
}

// restoreConns re-injects saved connections. A link the adapter still
// holds is Ready at once; any other waits in Connecting for the link to
// come back, and central links dial it.
func (h *Host) restoreConns(s *Snapshot) {
	for _, cs := range s.Connections {
		if h.conns[cs.Peer] != nil {
			continue
		}
		services, err := cs.discovery()
		if err != nil {
			logger.Warn(h.tag(), "dropping saved services of %s: %v", logger.ShortID(cs.Peer), err)
		}

		c := newConn(h, cs.Peer, cs.Role)
		c.mtu = att.ClampMTU(cs.MTU)
		c.sec.Encrypted = c.sec.Encrypted || cs.Encrypted
		c.services = services
		for _, sub := range cs.Subscriptions {
			if _, ok := h.db.Characteristic(sub.Handle); ok {
				c.cccd.SetSubscription(sub.Handle, gatt.EncodeCCCDValue(sub.Notify, sub.Indicate))
			}
		}
		h.conns[cs.Peer] = c
		c.setState(Connecting)

		switch {
		case h.adapter.Connected(cs.Peer):
			logger.Info(c.tag(), "restored, link still up")
			c.setState(Connected)
			c.setState(Ready)
		case cs.Role == transport.RoleCentral:
			logger.Info(c.tag(), "restored, reconnecting")
			c.mtu = att.DefaultMTU
			c.dial()
		default:
			logger.Info(c.tag(), "restored, waiting for peer")
			c.mtu = att.DefaultMTU
			c.closeTimer = h.loop.AfterFunc(h.timeout, func() {
				c.closeTimer = nil
				if c.state == Connecting {
					c.abort(ErrTimeout)
					c.finish(ErrTimeout)
				}
			})
		}
	}
}
