package gatt

import (
	"encoding/binary"
	"fmt"

	"github.com/user/blue-gatt/wire/att"
)

// DiscoveredService represents a discovered GATT service
type DiscoveredService struct {
	UUID        UUID
	StartHandle uint16 // First handle in the service
	EndHandle   uint16 // Last handle in the service
}

// DiscoveredCharacteristic represents a discovered GATT characteristic
type DiscoveredCharacteristic struct {
	UUID              UUID
	Properties        uint8  // Characteristic properties (read, write, notify, etc.)
	ValueHandle       uint16 // Handle for read/write operations
	DeclarationHandle uint16 // Handle of the characteristic declaration
	EndHandle         uint16 // Last handle before the next declaration
}

// DiscoveredDescriptor represents a discovered descriptor
type DiscoveredDescriptor struct {
	UUID   UUID
	Handle uint16
}

// DiscoveryCache stores the results of GATT discovery for a connection
type DiscoveryCache struct {
	Services        []DiscoveredService
	Characteristics map[uint16][]DiscoveredCharacteristic // Service start handle -> characteristics
	Descriptors     map[uint16][]DiscoveredDescriptor     // Characteristic value handle -> descriptors
}

// NewDiscoveryCache creates a new empty discovery cache
func NewDiscoveryCache() *DiscoveryCache {
	return &DiscoveryCache{
		Services:        []DiscoveredService{},
		Characteristics: make(map[uint16][]DiscoveredCharacteristic),
		Descriptors:     make(map[uint16][]DiscoveredDescriptor),
	}
}

// AddService adds a discovered service to the cache
func (dc *DiscoveryCache) AddService(service DiscoveredService) {
	dc.Services = append(dc.Services, service)
}

// AddCharacteristic adds a discovered characteristic to the cache
func (dc *DiscoveryCache) AddCharacteristic(serviceStartHandle uint16, char DiscoveredCharacteristic) {
	dc.Characteristics[serviceStartHandle] = append(dc.Characteristics[serviceStartHandle], char)
}

// AddDescriptor adds a discovered descriptor to the cache
func (dc *DiscoveryCache) AddDescriptor(charValueHandle uint16, desc DiscoveredDescriptor) {
	dc.Descriptors[charValueHandle] = append(dc.Descriptors[charValueHandle], desc)
}

// FinishCharacteristics fills in each characteristic's EndHandle for the
// service starting at serviceStartHandle.
func (dc *DiscoveryCache) FinishCharacteristics(serviceStartHandle uint16) {
	var end uint16
	for _, s := range dc.Services {
		if s.StartHandle == serviceStartHandle {
			end = s.EndHandle
		}
	}
	chars := dc.Characteristics[serviceStartHandle]
	for i := range chars {
		if i+1 < len(chars) {
			chars[i].EndHandle = chars[i+1].DeclarationHandle - 1
		} else {
			chars[i].EndHandle = end
		}
	}
}

// FindCharacteristic finds a characteristic by service and characteristic UUID
func (dc *DiscoveryCache) FindCharacteristic(serviceUUID, charUUID UUID) (*DiscoveredCharacteristic, error) {
	for _, s := range dc.Services {
		if !s.UUID.Equal(serviceUUID) {
			continue
		}
		for _, c := range dc.Characteristics[s.StartHandle] {
			if c.UUID.Equal(charUUID) {
				char := c
				return &char, nil
			}
		}
	}
	return nil, fmt.Errorf("gatt: characteristic %s not found in service %s", charUUID, serviceUUID)
}

// FindCharacteristicByUUID finds the first characteristic with this UUID in any service
func (dc *DiscoveryCache) FindCharacteristicByUUID(uuid UUID) (*DiscoveredCharacteristic, error) {
	for _, s := range dc.Services {
		for _, c := range dc.Characteristics[s.StartHandle] {
			if c.UUID.Equal(uuid) {
				char := c
				return &char, nil
			}
		}
	}
	return nil, fmt.Errorf("gatt: characteristic %s not found", uuid)
}

// CharacteristicByHandle finds the characteristic whose value is at handle
func (dc *DiscoveryCache) CharacteristicByHandle(valueHandle uint16) (*DiscoveredCharacteristic, *DiscoveredService, bool) {
	for _, s := range dc.Services {
		for _, c := range dc.Characteristics[s.StartHandle] {
			if c.ValueHandle == valueHandle {
				char, svc := c, s
				return &char, &svc, true
			}
		}
	}
	return nil, nil, false
}

// GetDescriptorHandle returns the handle of a descriptor of one characteristic
func (dc *DiscoveryCache) GetDescriptorHandle(charValueHandle uint16, uuid UUID) (uint16, error) {
	for _, desc := range dc.Descriptors[charValueHandle] {
		if desc.UUID.Equal(uuid) {
			return desc.Handle, nil
		}
	}
	return 0, fmt.Errorf("gatt: descriptor %s not found for handle 0x%04X", uuid, charValueHandle)
}

// HasService checks if a service UUID has been discovered
func (dc *DiscoveryCache) HasService(uuid UUID) bool {
	for _, service := range dc.Services {
		if service.UUID.Equal(uuid) {
			return true
		}
	}
	return false
}

// ParseReadByGroupTypeResponse parses a Read By Group Type Response (service discovery)
// Each entry: [StartHandle: 2][EndHandle: 2][UUID: 2 or 16]
func ParseReadByGroupTypeResponse(resp *att.ReadByGroupTypeResponse) ([]DiscoveredService, error) {
	length := int(resp.Length)
	if length != 6 && length != 20 { // 6 = 2+2+2 (16-bit UUID), 20 = 2+2+16 (128-bit UUID)
		return nil, fmt.Errorf("gatt: invalid attribute data length %d", length)
	}

	data := resp.AttributeData
	services := []DiscoveredService{}

	for len(data) >= length {
		entry := data[:length]

		uuid, err := UUIDFromBytes(entry[4:])
		if err != nil {
			return nil, err
		}
		services = append(services, DiscoveredService{
			UUID:        uuid.Shorten(),
			StartHandle: binary.LittleEndian.Uint16(entry[0:2]),
			EndHandle:   binary.LittleEndian.Uint16(entry[2:4]),
		})

		data = data[length:]
	}

	if len(data) > 0 {
		return nil, fmt.Errorf("gatt: incomplete service data, %d bytes remaining", len(data))
	}

	return services, nil
}

// ParseReadByTypeResponse parses a Read By Type Response (characteristic discovery)
// Each entry: [Handle: 2][Properties: 1][ValueHandle: 2][UUID: 2 or 16]
func ParseReadByTypeResponse(resp *att.ReadByTypeResponse) ([]DiscoveredCharacteristic, error) {
	length := int(resp.Length)
	if length != 7 && length != 21 { // 7 = 2+1+2+2 (16-bit UUID), 21 = 2+1+2+16 (128-bit UUID)
		return nil, fmt.Errorf("gatt: invalid attribute data length %d", length)
	}

	data := resp.AttributeData
	characteristics := []DiscoveredCharacteristic{}

	for len(data) >= length {
		entry := data[:length]

		uuid, err := UUIDFromBytes(entry[5:])
		if err != nil {
			return nil, err
		}
		characteristics = append(characteristics, DiscoveredCharacteristic{
			UUID:              uuid.Shorten(),
			Properties:        entry[2],
			ValueHandle:       binary.LittleEndian.Uint16(entry[3:5]),
			DeclarationHandle: binary.LittleEndian.Uint16(entry[0:2]),
		})

		data = data[length:]
	}

	if len(data) > 0 {
		return nil, fmt.Errorf("gatt: incomplete characteristic data, %d bytes remaining", len(data))
	}

	return characteristics, nil
}

// ParseFindInformationResponse parses a Find Information Response (descriptor discovery)
// Format 0x01: 16-bit UUIDs, each entry is [Handle: 2][UUID: 2]
// Format 0x02: 128-bit UUIDs, each entry is [Handle: 2][UUID: 16]
func ParseFindInformationResponse(resp *att.FindInformationResponse) ([]DiscoveredDescriptor, error) {
	var entrySize int

	switch resp.Format {
	case 0x01:
		entrySize = 4
	case 0x02:
		entrySize = 18
	default:
		return nil, fmt.Errorf("gatt: invalid Find Information format 0x%02X", resp.Format)
	}

	data := resp.Data
	descriptors := []DiscoveredDescriptor{}

	for len(data) >= entrySize {
		entry := data[:entrySize]

		uuid, err := UUIDFromBytes(entry[2:entrySize])
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, DiscoveredDescriptor{
			UUID:   uuid.Shorten(),
			Handle: binary.LittleEndian.Uint16(entry[0:2]),
		})

		data = data[entrySize:]
	}

	if len(data) > 0 {
		return nil, fmt.Errorf("gatt: incomplete descriptor data, %d bytes remaining", len(data))
	}

	return descriptors, nil
}

// BuildReadByGroupTypeResponse packs as many groups as fit in one PDU.
// All entries in a response share one length, so packing stops at the first
// group whose value length differs from the first one.
func BuildReadByGroupTypeResponse(groups []Group, mtu int) (*att.ReadByGroupTypeResponse, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("gatt: no services to encode")
	}

	valueLen := len(groups[0].Value)
	length := 4 + valueLen // 2 (start) + 2 (end) + value
	if length > 255 {
		return nil, fmt.Errorf("gatt: group value too long (%d bytes)", valueLen)
	}

	var data []byte
	for _, g := range groups {
		if len(g.Value) != valueLen || 2+len(data)+length > mtu {
			break
		}
		entry := make([]byte, length)
		binary.LittleEndian.PutUint16(entry[0:2], g.Handle)
		binary.LittleEndian.PutUint16(entry[2:4], g.EndHandle)
		copy(entry[4:], g.Value)
		data = append(data, entry...)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("gatt: MTU %d too small for one group entry", mtu)
	}

	return &att.ReadByGroupTypeResponse{Length: uint8(length), AttributeData: data}, nil
}

// BuildReadByTypeResponse packs (handle, value) pairs into one PDU.
// Values longer than min(MTU-4, 253) are truncated; following entries must
// have the same value length as the first.
func BuildReadByTypeResponse(attrs []*Attribute, mtu int) (*att.ReadByTypeResponse, error) {
	if len(attrs) == 0 {
		return nil, fmt.Errorf("gatt: no attributes to encode")
	}

	maxValue := att.MaxValueLen(mtu, 4)
	if maxValue > 253 {
		maxValue = 253
	}
	valueLen := len(attrs[0].Value)
	if valueLen > maxValue {
		valueLen = maxValue
	}
	length := 2 + valueLen

	var data []byte
	for i, a := range attrs {
		if i > 0 && len(a.Value) != valueLen {
			break
		}
		if 2+len(data)+length > mtu {
			break
		}
		entry := make([]byte, length)
		binary.LittleEndian.PutUint16(entry[0:2], a.Handle)
		copy(entry[2:], a.Value[:valueLen])
		data = append(data, entry...)
	}

	return &att.ReadByTypeResponse{Length: uint8(length), AttributeData: data}, nil
}

// BuildFindInformationResponse packs (handle, type) pairs into one PDU,
// stopping when the UUID width changes.
func BuildFindInformationResponse(attrs []*Attribute, mtu int) (*att.FindInformationResponse, error) {
	if len(attrs) == 0 {
		return nil, fmt.Errorf("gatt: no descriptors to encode")
	}

	uuidLen := len(attrs[0].Type.Wire())
	var format uint8 = 0x01
	if uuidLen == 16 {
		format = 0x02
	}

	entrySize := 2 + uuidLen
	var data []byte
	for _, a := range attrs {
		wire := a.Type.Wire()
		if len(wire) != uuidLen || 2+len(data)+entrySize > mtu {
			break
		}
		entry := make([]byte, entrySize)
		binary.LittleEndian.PutUint16(entry[0:2], a.Handle)
		copy(entry[2:], wire)
		data = append(data, entry...)
	}

	return &att.FindInformationResponse{Format: format, Data: data}, nil
}
