package advertising

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/user/blue-gatt/wire/gatt"
)

// AD Types (Advertising Data Types) - EIR/AD format
const (
	ADTypeFlags                        = 0x01 // Flags
	ADTypeIncomplete16BitServiceUUIDs  = 0x02 // Incomplete List of 16-bit Service UUIDs
	ADTypeComplete16BitServiceUUIDs    = 0x03 // Complete List of 16-bit Service UUIDs
	ADTypeIncomplete32BitServiceUUIDs  = 0x04 // Incomplete List of 32-bit Service UUIDs
	ADTypeComplete32BitServiceUUIDs    = 0x05 // Complete List of 32-bit Service UUIDs
	ADTypeIncomplete128BitServiceUUIDs = 0x06 // Incomplete List of 128-bit Service UUIDs
	ADTypeComplete128BitServiceUUIDs   = 0x07 // Complete List of 128-bit Service UUIDs
	ADTypeShortenedLocalName           = 0x08 // Shortened Local Name
	ADTypeCompleteLocalName            = 0x09 // Complete Local Name
	ADTypeTxPowerLevel                 = 0x0A // Tx Power Level
	ADTypeServiceData16Bit             = 0x16 // Service Data - 16-bit UUID
	ADTypeAppearance                   = 0x19 // Appearance
	ADTypeManufacturerSpecificData     = 0xFF // Manufacturer Specific Data
)

// Advertising Flags (used in ADTypeFlags)
const (
	FlagLELimitedDiscoverableMode = 0x01 // LE Limited Discoverable Mode
	FlagLEGeneralDiscoverableMode = 0x02 // LE General Discoverable Mode
	FlagBREDRNotSupported         = 0x04 // BR/EDR Not Supported
)

// MaxAdvertisingDataLen is the BLE 4.x limit for one advertising or scan
// response payload.
const MaxAdvertisingDataLen = 31

var ErrDataTooLong = errors.New("advertising data too long")

// ADStructure represents a single TLV (Type-Length-Value) structure in advertising data
// Format: [Length: 1 byte] [Type: 1 byte] [Data: N bytes]
// Note: Length includes the Type byte but not itself
type ADStructure struct {
	Type byte   // AD Type (flags, service UUIDs, etc.)
	Data []byte // AD Data
}

func (s ADStructure) size() int {
	return 2 + len(s.Data)
}

// EncodeADStructures encodes multiple AD structures into a single advertising data payload
func EncodeADStructures(structures []ADStructure) ([]byte, error) {
	var buf []byte

	for _, s := range structures {
		// Length = 1 (type byte) + len(data)
		length := 1 + len(s.Data)
		if length > 255 {
			return nil, fmt.Errorf("AD structure too long: %d bytes (max 255)", length)
		}

		buf = append(buf, byte(length), s.Type)
		buf = append(buf, s.Data...)
	}

	if len(buf) > MaxAdvertisingDataLen {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrDataTooLong, len(buf), MaxAdvertisingDataLen)
	}

	return buf, nil
}

// DecodeADStructures parses advertising data into individual AD structures
func DecodeADStructures(data []byte) ([]ADStructure, error) {
	var structures []ADStructure
	offset := 0

	for offset < len(data) {
		length := int(data[offset])
		if length == 0 {
			// Zero padding ends the significant part
			break
		}

		offset++
		if offset+length > len(data) {
			return nil, fmt.Errorf("AD structure length exceeds data: length=%d, remaining=%d", length, len(data)-offset)
		}

		adType := data[offset]
		adData := make([]byte, length-1)
		copy(adData, data[offset+1:offset+length])
		offset += length

		structures = append(structures, ADStructure{Type: adType, Data: adData})
	}

	return structures, nil
}

// Data is the decoded view of an advertisement plus its scan response.
type Data struct {
	Flags            byte
	LocalName        string
	ServiceUUIDs     []gatt.UUID
	TxPower          int8
	HasTxPower       bool
	ManufacturerID   uint16
	ManufacturerData []byte
	HasManufacturer  bool
}

// Encode splits the fields over the advertising payload and the scan
// response. Flags, service UUIDs and TX power go in the advertisement; the
// name and manufacturer data go in the scan response. A name that does not
// fit is shortened.
func (d *Data) Encode() (adv, scanRsp []byte, err error) {
	var advStructs []ADStructure
	if d.Flags != 0 {
		advStructs = append(advStructs, ADStructure{Type: ADTypeFlags, Data: []byte{d.Flags}})
	}
	advStructs = append(advStructs, serviceUUIDStructures(d.ServiceUUIDs)...)
	if d.HasTxPower {
		advStructs = append(advStructs, ADStructure{Type: ADTypeTxPowerLevel, Data: []byte{byte(d.TxPower)}})
	}
	adv, err = EncodeADStructures(advStructs)
	if err != nil {
		return nil, nil, err
	}

	var rspStructs []ADStructure
	used := 0
	if d.HasManufacturer {
		payload := make([]byte, 2+len(d.ManufacturerData))
		binary.LittleEndian.PutUint16(payload, d.ManufacturerID)
		copy(payload[2:], d.ManufacturerData)
		s := ADStructure{Type: ADTypeManufacturerSpecificData, Data: payload}
		rspStructs = append(rspStructs, s)
		used += s.size()
	}
	if d.LocalName != "" {
		name := ADStructure{Type: ADTypeCompleteLocalName, Data: []byte(d.LocalName)}
		if room := MaxAdvertisingDataLen - used - 2; len(name.Data) > room {
			if room <= 0 {
				return nil, nil, fmt.Errorf("%w: no room for local name", ErrDataTooLong)
			}
			name = ADStructure{Type: ADTypeShortenedLocalName, Data: name.Data[:room]}
		}
		rspStructs = append([]ADStructure{name}, rspStructs...)
	}
	scanRsp, err = EncodeADStructures(rspStructs)
	if err != nil {
		return nil, nil, err
	}
	return adv, scanRsp, nil
}

// serviceUUIDStructures groups UUIDs into one complete list per width.
func serviceUUIDStructures(uuids []gatt.UUID) []ADStructure {
	var short, long []byte
	for _, u := range uuids {
		u = u.Shorten()
		if u.Len() == 2 {
			short = append(short, u.Bytes()...)
		} else {
			long = append(long, u.To128().Bytes()...)
		}
	}
	var out []ADStructure
	if len(short) > 0 {
		out = append(out, ADStructure{Type: ADTypeComplete16BitServiceUUIDs, Data: short})
	}
	if len(long) > 0 {
		out = append(out, ADStructure{Type: ADTypeComplete128BitServiceUUIDs, Data: long})
	}
	return out
}

// Parse decodes an advertising payload and an optional scan response.
func Parse(adv, scanRsp []byte) (*Data, error) {
	d := &Data{}
	for _, payload := range [][]byte{adv, scanRsp} {
		structures, err := DecodeADStructures(payload)
		if err != nil {
			return nil, err
		}
		for _, s := range structures {
			d.apply(s)
		}
	}
	return d, nil
}

func (d *Data) apply(s ADStructure) {
	switch s.Type {
	case ADTypeFlags:
		if len(s.Data) > 0 {
			d.Flags = s.Data[0]
		}
	case ADTypeCompleteLocalName:
		d.LocalName = string(s.Data)
	case ADTypeShortenedLocalName:
		if d.LocalName == "" {
			d.LocalName = string(s.Data)
		}
	case ADTypeComplete16BitServiceUUIDs, ADTypeIncomplete16BitServiceUUIDs:
		d.appendUUIDs(s.Data, 2)
	case ADTypeComplete32BitServiceUUIDs, ADTypeIncomplete32BitServiceUUIDs:
		d.appendUUIDs(s.Data, 4)
	case ADTypeComplete128BitServiceUUIDs, ADTypeIncomplete128BitServiceUUIDs:
		d.appendUUIDs(s.Data, 16)
	case ADTypeTxPowerLevel:
		if len(s.Data) == 1 {
			d.TxPower = int8(s.Data[0])
			d.HasTxPower = true
		}
	case ADTypeManufacturerSpecificData:
		if len(s.Data) >= 2 {
			d.ManufacturerID = binary.LittleEndian.Uint16(s.Data[0:2])
			d.ManufacturerData = s.Data[2:]
			d.HasManufacturer = true
		}
	}
}

func (d *Data) appendUUIDs(data []byte, width int) {
	if len(data)%width != 0 {
		return
	}
	for i := 0; i < len(data); i += width {
		u, err := gatt.UUIDFromBytes(data[i : i+width])
		if err != nil {
			continue
		}
		d.ServiceUUIDs = append(d.ServiceUUIDs, u.Shorten())
	}
}

// HasService reports whether the advertisement lists the given service.
func (d *Data) HasService(u gatt.UUID) bool {
	for _, s := range d.ServiceUUIDs {
		if s.Equal(u) {
			return true
		}
	}
	return false
}

// ADTypeName returns a human-readable name for an AD type
func ADTypeName(adType byte) string {
	switch adType {
	case ADTypeFlags:
		return "Flags"
	case ADTypeIncomplete16BitServiceUUIDs:
		return "Incomplete 16-bit Service UUIDs"
	case ADTypeComplete16BitServiceUUIDs:
		return "Complete 16-bit Service UUIDs"
	case ADTypeIncomplete32BitServiceUUIDs:
		return "Incomplete 32-bit Service UUIDs"
	case ADTypeComplete32BitServiceUUIDs:
		return "Complete 32-bit Service UUIDs"
	case ADTypeIncomplete128BitServiceUUIDs:
		return "Incomplete 128-bit Service UUIDs"
	case ADTypeComplete128BitServiceUUIDs:
		return "Complete 128-bit Service UUIDs"
	case ADTypeShortenedLocalName:
		return "Shortened Local Name"
	case ADTypeCompleteLocalName:
		return "Complete Local Name"
	case ADTypeTxPowerLevel:
		return "Tx Power Level"
	case ADTypeManufacturerSpecificData:
		return "Manufacturer Specific Data"
	case ADTypeAppearance:
		return "Appearance"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", adType)
	}
}
