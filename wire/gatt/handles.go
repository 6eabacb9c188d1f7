package gatt

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/user/blue-gatt/wire/att"
)

// Well-known GATT UUIDs
var (
	// Service UUIDs
	UUIDPrimaryService   = UUID16(0x2800)
	UUIDSecondaryService = UUID16(0x2801)
	UUIDInclude          = UUID16(0x2802)
	UUIDCharacteristic   = UUID16(0x2803)

	// Descriptor UUIDs
	UUIDCharExtProps               = UUID16(0x2900)
	UUIDCharUserDescription        = UUID16(0x2901)
	UUIDClientCharacteristicConfig = UUID16(0x2902) // CCCD
	UUIDServerCharacteristicConfig = UUID16(0x2903)
	UUIDCharPresentationFormat     = UUID16(0x2904)
	UUIDCharAggregateFormat        = UUID16(0x2905)
)

// MaxAttributeValueLen is the longest value an attribute may hold
const MaxAttributeValueLen = 512

var (
	// ErrTableFull is returned when a service would need handles past 0xFFFF
	ErrTableFull = errors.New("gatt: attribute table full")

	// ErrInvalidHandle is returned for handles that are not in the table
	ErrInvalidHandle = errors.New("gatt: invalid handle")
)

// Attribute represents a single GATT attribute with a handle
type Attribute struct {
	Handle      uint16 // ATT handle (1-based, 0x0000 is reserved)
	Type        UUID
	Value       []byte // Current value
	Permissions Permissions
}

func (a *Attribute) clone() *Attribute {
	c := *a
	c.Value = append([]byte{}, a.Value...)
	return &c
}

// HandleRange is an inclusive range of handles
type HandleRange struct {
	Start uint16
	End   uint16
}

// Contains reports whether h falls inside the range
func (r HandleRange) Contains(h uint16) bool {
	return h >= r.Start && h <= r.End
}

func (r HandleRange) String() string {
	return fmt.Sprintf("0x%04X-0x%04X", r.Start, r.End)
}

// DescriptorInfo locates one descriptor of a published characteristic
type DescriptorInfo struct {
	UUID   UUID
	Handle uint16
}

// CharacteristicInfo describes where a published characteristic lives in the table
type CharacteristicInfo struct {
	ServiceUUID       UUID
	ServiceHandle     uint16
	UUID              UUID
	Properties        uint8
	DeclarationHandle uint16
	ValueHandle       uint16
	EndHandle         uint16 // Last descriptor handle, or ValueHandle
	CCCDHandle        uint16 // 0 if the characteristic has no CCCD
	Descriptors       []DescriptorInfo
}

// ServiceInfo describes a published service
type ServiceInfo struct {
	UUID            UUID
	Primary         bool
	Range           HandleRange
	Characteristics []CharacteristicInfo
}

type serviceEntry struct {
	info  ServiceInfo
	chars []*CharacteristicInfo
}

// Database is the server's attribute table.
//
// Handles are assigned sequentially from 0x0001 in declaration order and
// are never handed out twice, even after the owning service is removed.
// All mutations take the write side of a sync.RWMutex; a pending writer
// blocks new readers, so discovery reads never see a half-built service.
type Database struct {
	mu         sync.RWMutex
	attributes map[uint16]*Attribute // Handle -> Attribute
	sorted     []uint16              // Live handles, ascending
	services   []*serviceEntry       // Ascending by start handle
	byValue    map[uint16]*CharacteristicInfo
	byCCCD     map[uint16]*CharacteristicInfo
	nextHandle int // Next available handle, may reach 0x10000
}

// NewDatabase creates an empty attribute table
func NewDatabase() *Database {
	return &Database{
		attributes: make(map[uint16]*Attribute),
		byValue:    make(map[uint16]*CharacteristicInfo),
		byCCCD:     make(map[uint16]*CharacteristicInfo),
		nextHandle: 0x0001, // Handles start at 1
	}
}

// AddService publishes a service and returns the handle range it occupies
func (db *Database) AddService(svc Service) (HandleRange, error) {
	if err := svc.validate(); err != nil {
		return HandleRange{}, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	return db.addServiceLocked(svc)
}

// AddServiceAt publishes a service starting at a specific handle, used when
// restoring a saved table. start must not be below the next free handle.
func (db *Database) AddServiceAt(start uint16, svc Service) (HandleRange, error) {
	if err := svc.validate(); err != nil {
		return HandleRange{}, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if int(start) < db.nextHandle {
		return HandleRange{}, fmt.Errorf("gatt: handle 0x%04X already assigned (next free 0x%04X)", start, db.nextHandle)
	}
	db.nextHandle = int(start)
	return db.addServiceLocked(svc)
}

// SetNextHandle moves handle assignment forward; it never moves backwards
func (db *Database) SetNextHandle(next int) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if next > db.nextHandle {
		db.nextHandle = next
	}
}

func (db *Database) addServiceLocked(svc Service) (HandleRange, error) {
	need := svc.handleCount()
	if db.nextHandle+need-1 > 0xFFFF {
		return HandleRange{}, fmt.Errorf("%w: service %s needs %d handles, %d left",
			ErrTableFull, svc.UUID, need, 0xFFFF-db.nextHandle+1)
	}

	entry := buildService(db, svc)
	db.services = append(db.services, entry)
	for _, c := range entry.chars {
		db.byValue[c.ValueHandle] = c
		if c.CCCDHandle != 0 {
			db.byCCCD[c.CCCDHandle] = c
		}
	}
	return entry.info.Range, nil
}

// addAttribute appends an attribute at the next handle; caller holds the write lock
func (db *Database) addAttribute(attrType UUID, value []byte, permissions Permissions) uint16 {
	handle := uint16(db.nextHandle)
	db.nextHandle++

	db.attributes[handle] = &Attribute{
		Handle:      handle,
		Type:        attrType,
		Value:       append([]byte{}, value...), // Copy to avoid aliasing
		Permissions: permissions,
	}
	db.sorted = append(db.sorted, handle)
	return handle
}

// RemoveService removes the service whose declaration is at handle.
// The freed handles are not reused.
func (db *Database) RemoveService(handle uint16) bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	for i, entry := range db.services {
		if entry.info.Range.Start != handle {
			continue
		}
		db.dropEntry(entry)
		db.services = append(db.services[:i], db.services[i+1:]...)
		return true
	}
	return false
}

// RemoveAllServices empties the table without resetting handle assignment
func (db *Database) RemoveAllServices() {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, entry := range db.services {
		db.dropEntry(entry)
	}
	db.services = nil
}

func (db *Database) dropEntry(entry *serviceEntry) {
	r := entry.info.Range
	for h := int(r.Start); h <= int(r.End); h++ {
		delete(db.attributes, uint16(h))
		delete(db.byValue, uint16(h))
		delete(db.byCCCD, uint16(h))
	}
	lo := sort.Search(len(db.sorted), func(i int) bool { return db.sorted[i] >= r.Start })
	hi := sort.Search(len(db.sorted), func(i int) bool { return db.sorted[i] > r.End })
	db.sorted = append(db.sorted[:lo], db.sorted[hi:]...)
}

// Lookup returns a copy of the attribute at handle
func (db *Database) Lookup(handle uint16) (*Attribute, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	attr, ok := db.attributes[handle]
	if !ok {
		return nil, false
	}
	return attr.clone(), true
}

// FindByUUID returns the value attribute of the first characteristic charUUID
// inside the first service serviceUUID
func (db *Database) FindByUUID(serviceUUID, charUUID UUID) (*Attribute, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	for _, entry := range db.services {
		if !entry.info.UUID.Equal(serviceUUID) {
			continue
		}
		for _, c := range entry.chars {
			if c.UUID.Equal(charUUID) {
				return db.attributes[c.ValueHandle].clone(), true
			}
		}
	}
	return nil, false
}

// Characteristic returns the characteristic whose value is at handle
func (db *Database) Characteristic(valueHandle uint16) (CharacteristicInfo, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	c, ok := db.byValue[valueHandle]
	if !ok {
		return CharacteristicInfo{}, false
	}
	return *c, true
}

// CharacteristicForCCCD returns the characteristic that owns the CCCD at handle
func (db *Database) CharacteristicForCCCD(handle uint16) (CharacteristicInfo, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	c, ok := db.byCCCD[handle]
	if !ok {
		return CharacteristicInfo{}, false
	}
	return *c, true
}

// Characteristics returns every published characteristic with the given UUID
func (db *Database) Characteristics(uuid UUID) []CharacteristicInfo {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var out []CharacteristicInfo
	for _, entry := range db.services {
		for _, c := range entry.chars {
			if c.UUID.Equal(uuid) {
				out = append(out, *c)
			}
		}
	}
	return out
}

// Services returns a snapshot of the published services
func (db *Database) Services() []ServiceInfo {
	db.mu.RLock()
	defer db.mu.RUnlock()

	out := make([]ServiceInfo, 0, len(db.services))
	for _, entry := range db.services {
		info := entry.info
		info.Characteristics = make([]CharacteristicInfo, len(entry.chars))
		for i, c := range entry.chars {
			info.Characteristics[i] = *c
		}
		out = append(out, info)
	}
	return out
}

// SetValue replaces an attribute's value without any permission check
func (db *Database) SetValue(handle uint16, value []byte) error {
	if len(value) > MaxAttributeValueLen {
		return att.NewError(att.ErrInvalidAttributeValueLength, att.OpWriteRequest, handle)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	attr, ok := db.attributes[handle]
	if !ok {
		return fmt.Errorf("%w 0x%04X", ErrInvalidHandle, handle)
	}
	attr.Value = append([]byte{}, value...) // Copy to avoid aliasing
	return nil
}

// WriteAt writes value at offset, as Prepare/Execute Write does.
// Writing past the current end extends the value.
func (db *Database) WriteAt(handle, offset uint16, value []byte) error {
	return db.WriteAll([]ValueWrite{{Handle: handle, Offset: offset, Value: value}})
}

// ValueWrite is one part of a queued write
type ValueWrite struct {
	Handle uint16
	Offset uint16
	Value  []byte
}

// WriteAll applies writes in order, all or none. Each offset is checked
// against the value as the earlier writes of the batch left it.
func (db *Database) WriteAll(writes []ValueWrite) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	staged := make(map[uint16][]byte)
	for _, w := range writes {
		attr, ok := db.attributes[w.Handle]
		if !ok {
			return att.NewError(att.ErrInvalidHandle, att.OpExecuteWriteRequest, w.Handle)
		}
		cur, ok := staged[w.Handle]
		if !ok {
			cur = attr.Value
		}
		if int(w.Offset) > len(cur) {
			return att.NewError(att.ErrInvalidOffset, att.OpExecuteWriteRequest, w.Handle)
		}
		end := int(w.Offset) + len(w.Value)
		if end > MaxAttributeValueLen {
			return att.NewError(att.ErrInvalidAttributeValueLength, att.OpExecuteWriteRequest, w.Handle)
		}
		buf := make([]byte, max(end, len(cur)))
		copy(buf, cur)
		copy(buf[w.Offset:], w.Value)
		staged[w.Handle] = buf
	}
	for handle, v := range staged {
		db.attributes[handle].Value = v
	}
	return nil
}

// Access is a read or a write
type Access int

const (
	AccessRead Access = iota
	AccessWrite
)

// CheckAccess looks up handle and applies its permissions against sec.
// It returns a copy of the attribute, or the ATT error code that denies access.
//
// A read of a value without PermReadable answers Read Not Permitted (0x02),
// as the Core specification requires, never Insufficient Authorization
// (0x08); 0x08 is kept for attributes marked PermAuthorized. A write to a
// value without PermWritable answers Write Not Permitted (0x03).
func (db *Database) CheckAccess(handle uint16, access Access, sec Security) (*Attribute, uint8) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	attr, ok := db.attributes[handle]
	if !ok {
		return nil, att.ErrInvalidHandle
	}
	var code uint8
	if access == AccessRead {
		code = attr.Permissions.CheckRead(sec)
	} else {
		code = attr.Permissions.CheckWrite(sec)
	}
	if code != 0 {
		return nil, code
	}
	return attr.clone(), 0
}

// Group is one entry of a Read By Group Type response
type Group struct {
	Handle    uint16
	EndHandle uint16
	Value     []byte
}

// GroupsByType returns service groups whose declaration lies in [start, end]
// and whose declaration type is typ (primary or secondary).
func (db *Database) GroupsByType(start, end uint16, typ UUID) []Group {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var out []Group
	for _, entry := range db.services {
		r := entry.info.Range
		if r.Start < start || r.Start > end {
			continue
		}
		decl := db.attributes[r.Start]
		if !decl.Type.Equal(typ) {
			continue
		}
		out = append(out, Group{Handle: r.Start, EndHandle: r.End, Value: append([]byte{}, decl.Value...)})
	}
	return out
}

// AttributesByType returns copies of attributes of type typ in [start, end]
func (db *Database) AttributesByType(start, end uint16, typ UUID) []*Attribute {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var out []*Attribute
	db.each(start, end, func(a *Attribute) {
		if a.Type.Equal(typ) {
			out = append(out, a.clone())
		}
	})
	return out
}

// AttributesInRange returns copies of every attribute in [start, end]
func (db *Database) AttributesInRange(start, end uint16) []*Attribute {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var out []*Attribute
	db.each(start, end, func(a *Attribute) {
		out = append(out, a.clone())
	})
	return out
}

// FindByTypeValue returns the handles of attributes of type typ whose value
// equals value. For service declarations the range spans the whole group.
func (db *Database) FindByTypeValue(start, end uint16, typ UUID, value []byte) []HandleRange {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var out []HandleRange
	db.each(start, end, func(a *Attribute) {
		if !a.Type.Equal(typ) || !bytes.Equal(a.Value, value) {
			return
		}
		r := HandleRange{Start: a.Handle, End: a.Handle}
		for _, entry := range db.services {
			if entry.info.Range.Start == a.Handle {
				r.End = entry.info.Range.End
				break
			}
		}
		out = append(out, r)
	})
	return out
}

// each visits live attributes in [start, end] in handle order; caller holds a lock
func (db *Database) each(start, end uint16, fn func(*Attribute)) {
	i := sort.Search(len(db.sorted), func(i int) bool { return db.sorted[i] >= start })
	for ; i < len(db.sorted) && db.sorted[i] <= end; i++ {
		fn(db.attributes[db.sorted[i]])
	}
}

// GetAllHandles returns all live handles in the database (sorted)
func (db *Database) GetAllHandles() []uint16 {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return append([]uint16(nil), db.sorted...)
}

// NextHandle returns the handle the next attribute would get
func (db *Database) NextHandle() int {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return db.nextHandle
}

// Count returns the number of attributes in the database
func (db *Database) Count() int {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return len(db.attributes)
}
