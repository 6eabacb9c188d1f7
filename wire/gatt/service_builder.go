package gatt

import (
	"encoding/binary"
	"fmt"
)

// Service represents a high-level GATT service definition
type Service struct {
	UUID            UUID
	Primary         bool             // true = primary service, false = secondary
	Characteristics []Characteristic // Declaration order = handle order
}

// Characteristic represents a high-level GATT characteristic definition
type Characteristic struct {
	UUID        UUID
	Properties  uint8        // Characteristic properties (read, write, notify, etc.)
	Permissions Permissions  // 0 = derived from Properties
	Value       []byte       // Initial value
	Descriptors []Descriptor // Optional descriptors; a CCCD is added for notify/indicate
}

// Descriptor represents a GATT descriptor
type Descriptor struct {
	UUID        UUID
	Value       []byte
	Permissions Permissions // 0 = readable
}

func (s Service) validate() error {
	if s.UUID.IsZero() {
		return fmt.Errorf("gatt: service has no UUID")
	}
	for i, c := range s.Characteristics {
		if c.UUID.IsZero() {
			return fmt.Errorf("gatt: service %s characteristic %d has no UUID", s.UUID, i)
		}
		if len(c.Value) > MaxAttributeValueLen {
			return fmt.Errorf("gatt: characteristic %s value is %d bytes (max %d)", c.UUID, len(c.Value), MaxAttributeValueLen)
		}
		for _, d := range c.Descriptors {
			if d.UUID.IsZero() {
				return fmt.Errorf("gatt: characteristic %s has a descriptor with no UUID", c.UUID)
			}
		}
	}
	return nil
}

// handleCount returns how many handles the service occupies
func (s Service) handleCount() int {
	n := 1
	for _, c := range s.Characteristics {
		n += 2 + len(c.Descriptors)
		if c.needsCCCD() {
			n++
		}
	}
	return n
}

func (c Characteristic) needsCCCD() bool {
	if c.Properties&(PropNotify|PropIndicate) == 0 {
		return false
	}
	for _, d := range c.Descriptors {
		if d.UUID.Equal(UUIDClientCharacteristicConfig) {
			return false
		}
	}
	return true
}

// buildService adds a single service and its characteristics; caller holds the write lock
func buildService(db *Database, svc Service) *serviceEntry {
	serviceType := UUIDSecondaryService
	if svc.Primary {
		serviceType = UUIDPrimaryService
	}

	entry := &serviceEntry{info: ServiceInfo{UUID: svc.UUID, Primary: svc.Primary}}
	start := db.addAttribute(serviceType, svc.UUID.Wire(), PermReadable)

	for _, char := range svc.Characteristics {
		info := buildCharacteristic(db, char)
		info.ServiceUUID = svc.UUID
		info.ServiceHandle = start
		entry.chars = append(entry.chars, info)
	}

	entry.info.Range = HandleRange{Start: start, End: uint16(db.nextHandle - 1)}
	return entry
}

// buildCharacteristic adds a characteristic and its descriptors to the database
func buildCharacteristic(db *Database, char Characteristic) *CharacteristicInfo {
	info := &CharacteristicInfo{UUID: char.UUID, Properties: char.Properties}

	// Format: [Properties: 1 byte][Value Handle: 2 bytes][UUID: 2 or 16 bytes]
	wireUUID := char.UUID.Wire()
	declValue := make([]byte, 3+len(wireUUID))
	declValue[0] = char.Properties
	binary.LittleEndian.PutUint16(declValue[1:3], uint16(db.nextHandle+1)) // Next handle will be the value
	copy(declValue[3:], wireUUID)

	info.DeclarationHandle = db.addAttribute(UUIDCharacteristic, declValue, PermReadable)

	perms := char.Permissions
	if perms == 0 {
		perms = PermissionsFromProperties(char.Properties)
	}
	info.ValueHandle = db.addAttribute(char.UUID, char.Value, perms)
	info.EndHandle = info.ValueHandle

	for _, desc := range char.Descriptors {
		descPerms := desc.Permissions
		if descPerms == 0 {
			descPerms = PermReadable
		}
		h := db.addAttribute(desc.UUID, desc.Value, descPerms)
		if desc.UUID.Equal(UUIDClientCharacteristicConfig) {
			info.CCCDHandle = h
		}
		info.Descriptors = append(info.Descriptors, DescriptorInfo{UUID: desc.UUID, Handle: h})
		info.EndHandle = h
	}

	if char.needsCCCD() {
		// Initial value: notifications/indications disabled (0x0000)
		h := db.addAttribute(UUIDClientCharacteristicConfig, []byte{0x00, 0x00}, PermReadable|PermWritable)
		info.CCCDHandle = h
		info.Descriptors = append(info.Descriptors, DescriptorInfo{UUID: UUIDClientCharacteristicConfig, Handle: h})
		info.EndHandle = h
	}

	return info
}

// Helper functions to create common services

// NewGenericAccessService creates the mandatory Generic Access service (0x1800)
func NewGenericAccessService(deviceName string, appearance uint16) Service {
	return Service{
		UUID:    UUID16(0x1800),
		Primary: true,
		Characteristics: []Characteristic{
			{
				UUID:       UUID16(0x2A00), // Device Name
				Properties: PropRead,
				Value:      []byte(deviceName),
			},
			{
				UUID:       UUID16(0x2A01), // Appearance
				Properties: PropRead,
				Value:      []byte{byte(appearance), byte(appearance >> 8)},
			},
		},
	}
}

// NewGenericAttributeService creates the Generic Attribute service (0x1801)
func NewGenericAttributeService() Service {
	return Service{
		UUID:    UUID16(0x1801),
		Primary: true,
		Characteristics: []Characteristic{
			{
				UUID:       UUID16(0x2A05), // Service Changed
				Properties: PropIndicate,
				Value:      []byte{0x00, 0x00, 0x00, 0x00}, // Start handle, end handle
			},
		},
	}
}

// NewReadWriteCharacteristic creates a characteristic with read/write properties
func NewReadWriteCharacteristic(uuid UUID, initialValue []byte) Characteristic {
	return Characteristic{
		UUID:       uuid,
		Properties: PropRead | PropWrite,
		Value:      initialValue,
	}
}

// NewNotifyCharacteristic creates a characteristic with read/notify properties
func NewNotifyCharacteristic(uuid UUID, initialValue []byte) Characteristic {
	return Characteristic{
		UUID:       uuid,
		Properties: PropRead | PropNotify,
		Value:      initialValue,
	}
}

// NewReadOnlyCharacteristic creates a characteristic with only read property
func NewReadOnlyCharacteristic(uuid UUID, value []byte) Characteristic {
	return Characteristic{
		UUID:       uuid,
		Properties: PropRead,
		Value:      value,
	}
}
