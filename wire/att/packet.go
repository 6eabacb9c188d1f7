package att

import (
	"encoding/binary"
	"fmt"
)

// Packet is implemented by every ATT PDU type in this package
type Packet interface {
	Opcode() uint8
}

// MTU Exchange Request/Response (Opcodes 0x02/0x03)
type ExchangeMTURequest struct {
	ClientRxMTU uint16 // Client's maximum receive MTU
}

type ExchangeMTUResponse struct {
	ServerRxMTU uint16 // Server's maximum receive MTU
}

// Error Response (Opcode 0x01)
type ErrorResponse struct {
	RequestOpcode uint8  // The opcode that caused the error
	Handle        uint16 // The handle that caused the error
	ErrorCode     uint8
}

// Find Information Request/Response (Opcodes 0x04/0x05)
type FindInformationRequest struct {
	StartHandle uint16
	EndHandle   uint16
}

type FindInformationResponse struct {
	Format uint8  // 0x01 = 16-bit UUIDs, 0x02 = 128-bit UUIDs
	Data   []byte // List of (Handle, UUID) pairs
}

// Find By Type Value Request/Response (Opcodes 0x06/0x07)
type FindByTypeValueRequest struct {
	StartHandle   uint16
	EndHandle     uint16
	AttributeType uint16 // Always a 16-bit UUID
	Value         []byte
}

// HandleRange is one (found handle, group end handle) entry
type HandleRange struct {
	Start uint16
	End   uint16
}

type FindByTypeValueResponse struct {
	Handles []HandleRange
}

// Read By Type Request/Response (Opcodes 0x08/0x09)
type ReadByTypeRequest struct {
	StartHandle uint16
	EndHandle   uint16
	Type        []byte // 2 or 16 byte UUID
}

type ReadByTypeResponse struct {
	Length        uint8  // Length of each (Handle, Value) entry
	AttributeData []byte // List of (Handle, Value) pairs
}

// Read Request/Response (Opcodes 0x0A/0x0B)
type ReadRequest struct {
	Handle uint16
}

type ReadResponse struct {
	Value []byte
}

// Read Blob Request/Response (Opcodes 0x0C/0x0D)
type ReadBlobRequest struct {
	Handle uint16
	Offset uint16
}

type ReadBlobResponse struct {
	Value []byte
}

// Read Multiple Request/Response (Opcodes 0x0E/0x0F)
type ReadMultipleRequest struct {
	Handles []uint16
}

type ReadMultipleResponse struct {
	Values []byte // Concatenated values, no separators
}

// Read By Group Type Request/Response (Opcodes 0x10/0x11) - used for service discovery
type ReadByGroupTypeRequest struct {
	StartHandle uint16
	EndHandle   uint16
	Type        []byte // 2 or 16 byte UUID (usually Primary Service UUID)
}

type ReadByGroupTypeResponse struct {
	Length        uint8  // Length of each entry
	AttributeData []byte // List of (Handle, EndGroupHandle, Value) tuples
}

// Write Request/Response (Opcodes 0x12/0x13)
type WriteRequest struct {
	Handle uint16
	Value  []byte
}

type WriteResponse struct{}

// Write Command (Opcode 0x52) - no response
type WriteCommand struct {
	Handle uint16
	Value  []byte
}

// Prepare Write Request/Response (Opcodes 0x16/0x17)
type PrepareWriteRequest struct {
	Handle uint16
	Offset uint16
	Value  []byte // Partial value
}

type PrepareWriteResponse struct {
	Handle uint16 // Echo of the handle
	Offset uint16 // Echo of the offset
	Value  []byte // Echo of the value
}

// Execute Write Request/Response (Opcodes 0x18/0x19)
type ExecuteWriteRequest struct {
	Flags uint8 // 0x00 = cancel, 0x01 = execute
}

type ExecuteWriteResponse struct{}

// Handle Value Notification (Opcode 0x1B) - no confirmation
type HandleValueNotification struct {
	Handle uint16
	Value  []byte
}

// Handle Value Indication (Opcode 0x1D) - requires confirmation
type HandleValueIndication struct {
	Handle uint16
	Value  []byte
}

// Handle Value Confirmation (Opcode 0x1E)
type HandleValueConfirmation struct{}

func (*ExchangeMTURequest) Opcode() uint8      { return OpExchangeMTURequest }
func (*ExchangeMTUResponse) Opcode() uint8     { return OpExchangeMTUResponse }
func (*ErrorResponse) Opcode() uint8           { return OpErrorResponse }
func (*FindInformationRequest) Opcode() uint8  { return OpFindInformationRequest }
func (*FindInformationResponse) Opcode() uint8 { return OpFindInformationResponse }
func (*FindByTypeValueRequest) Opcode() uint8  { return OpFindByTypeValueRequest }
func (*FindByTypeValueResponse) Opcode() uint8 { return OpFindByTypeValueResponse }
func (*ReadByTypeRequest) Opcode() uint8       { return OpReadByTypeRequest }
func (*ReadByTypeResponse) Opcode() uint8      { return OpReadByTypeResponse }
func (*ReadRequest) Opcode() uint8             { return OpReadRequest }
func (*ReadResponse) Opcode() uint8            { return OpReadResponse }
func (*ReadBlobRequest) Opcode() uint8         { return OpReadBlobRequest }
func (*ReadBlobResponse) Opcode() uint8        { return OpReadBlobResponse }
func (*ReadMultipleRequest) Opcode() uint8     { return OpReadMultipleRequest }
func (*ReadMultipleResponse) Opcode() uint8    { return OpReadMultipleResponse }
func (*ReadByGroupTypeRequest) Opcode() uint8  { return OpReadByGroupTypeRequest }
func (*ReadByGroupTypeResponse) Opcode() uint8 { return OpReadByGroupTypeResponse }
func (*WriteRequest) Opcode() uint8            { return OpWriteRequest }
func (*WriteResponse) Opcode() uint8           { return OpWriteResponse }
func (*WriteCommand) Opcode() uint8            { return OpWriteCommand }
func (*PrepareWriteRequest) Opcode() uint8     { return OpPrepareWriteRequest }
func (*PrepareWriteResponse) Opcode() uint8    { return OpPrepareWriteResponse }
func (*ExecuteWriteRequest) Opcode() uint8     { return OpExecuteWriteRequest }
func (*ExecuteWriteResponse) Opcode() uint8    { return OpExecuteWriteResponse }
func (*HandleValueNotification) Opcode() uint8 { return OpHandleValueNotification }
func (*HandleValueIndication) Opcode() uint8   { return OpHandleValueIndication }
func (*HandleValueConfirmation) Opcode() uint8 { return OpHandleValueConfirmation }

// handleValue encodes [opcode][handle][value...]
func handleValue(op uint8, handle uint16, value []byte) []byte {
	buf := make([]byte, 3+len(value))
	buf[0] = op
	binary.LittleEndian.PutUint16(buf[1:3], handle)
	copy(buf[3:], value)
	return buf
}

// rangeType encodes [opcode][start][end][type...]
func rangeType(op uint8, start, end uint16, typ []byte) []byte {
	buf := make([]byte, 5+len(typ))
	buf[0] = op
	binary.LittleEndian.PutUint16(buf[1:3], start)
	binary.LittleEndian.PutUint16(buf[3:5], end)
	copy(buf[5:], typ)
	return buf
}

// EncodePacket encodes an ATT packet to binary format
func EncodePacket(pkt Packet) ([]byte, error) {
	switch p := pkt.(type) {
	case *ExchangeMTURequest:
		buf := make([]byte, 3)
		buf[0] = OpExchangeMTURequest
		binary.LittleEndian.PutUint16(buf[1:3], p.ClientRxMTU)
		return buf, nil

	case *ExchangeMTUResponse:
		buf := make([]byte, 3)
		buf[0] = OpExchangeMTUResponse
		binary.LittleEndian.PutUint16(buf[1:3], p.ServerRxMTU)
		return buf, nil

	case *ErrorResponse:
		buf := make([]byte, 5)
		buf[0] = OpErrorResponse
		buf[1] = p.RequestOpcode
		binary.LittleEndian.PutUint16(buf[2:4], p.Handle)
		buf[4] = p.ErrorCode
		return buf, nil

	case *FindInformationRequest:
		return rangeType(OpFindInformationRequest, p.StartHandle, p.EndHandle, nil), nil

	case *FindInformationResponse:
		buf := make([]byte, 2+len(p.Data))
		buf[0] = OpFindInformationResponse
		buf[1] = p.Format
		copy(buf[2:], p.Data)
		return buf, nil

	case *FindByTypeValueRequest:
		buf := make([]byte, 7+len(p.Value))
		buf[0] = OpFindByTypeValueRequest
		binary.LittleEndian.PutUint16(buf[1:3], p.StartHandle)
		binary.LittleEndian.PutUint16(buf[3:5], p.EndHandle)
		binary.LittleEndian.PutUint16(buf[5:7], p.AttributeType)
		copy(buf[7:], p.Value)
		return buf, nil

	case *FindByTypeValueResponse:
		buf := make([]byte, 1+4*len(p.Handles))
		buf[0] = OpFindByTypeValueResponse
		for i, r := range p.Handles {
			binary.LittleEndian.PutUint16(buf[1+4*i:], r.Start)
			binary.LittleEndian.PutUint16(buf[3+4*i:], r.End)
		}
		return buf, nil

	case *ReadByTypeRequest:
		return rangeType(OpReadByTypeRequest, p.StartHandle, p.EndHandle, p.Type), nil

	case *ReadByTypeResponse:
		buf := make([]byte, 2+len(p.AttributeData))
		buf[0] = OpReadByTypeResponse
		buf[1] = p.Length
		copy(buf[2:], p.AttributeData)
		return buf, nil

	case *ReadRequest:
		buf := make([]byte, 3)
		buf[0] = OpReadRequest
		binary.LittleEndian.PutUint16(buf[1:3], p.Handle)
		return buf, nil

	case *ReadResponse:
		return append([]byte{OpReadResponse}, p.Value...), nil

	case *ReadBlobRequest:
		buf := make([]byte, 5)
		buf[0] = OpReadBlobRequest
		binary.LittleEndian.PutUint16(buf[1:3], p.Handle)
		binary.LittleEndian.PutUint16(buf[3:5], p.Offset)
		return buf, nil

	case *ReadBlobResponse:
		return append([]byte{OpReadBlobResponse}, p.Value...), nil

	case *ReadMultipleRequest:
		if len(p.Handles) < 2 {
			return nil, fmt.Errorf("att: ReadMultipleRequest needs at least 2 handles, got %d", len(p.Handles))
		}
		buf := make([]byte, 1+2*len(p.Handles))
		buf[0] = OpReadMultipleRequest
		for i, h := range p.Handles {
			binary.LittleEndian.PutUint16(buf[1+2*i:], h)
		}
		return buf, nil

	case *ReadMultipleResponse:
		return append([]byte{OpReadMultipleResponse}, p.Values...), nil

	case *ReadByGroupTypeRequest:
		return rangeType(OpReadByGroupTypeRequest, p.StartHandle, p.EndHandle, p.Type), nil

	case *ReadByGroupTypeResponse:
		buf := make([]byte, 2+len(p.AttributeData))
		buf[0] = OpReadByGroupTypeResponse
		buf[1] = p.Length
		copy(buf[2:], p.AttributeData)
		return buf, nil

	case *WriteRequest:
		return handleValue(OpWriteRequest, p.Handle, p.Value), nil

	case *WriteResponse:
		return []byte{OpWriteResponse}, nil

	case *WriteCommand:
		return handleValue(OpWriteCommand, p.Handle, p.Value), nil

	case *PrepareWriteRequest:
		buf := make([]byte, 5+len(p.Value))
		buf[0] = OpPrepareWriteRequest
		binary.LittleEndian.PutUint16(buf[1:3], p.Handle)
		binary.LittleEndian.PutUint16(buf[3:5], p.Offset)
		copy(buf[5:], p.Value)
		return buf, nil

	case *PrepareWriteResponse:
		buf := make([]byte, 5+len(p.Value))
		buf[0] = OpPrepareWriteResponse
		binary.LittleEndian.PutUint16(buf[1:3], p.Handle)
		binary.LittleEndian.PutUint16(buf[3:5], p.Offset)
		copy(buf[5:], p.Value)
		return buf, nil

	case *ExecuteWriteRequest:
		return []byte{OpExecuteWriteRequest, p.Flags}, nil

	case *ExecuteWriteResponse:
		return []byte{OpExecuteWriteResponse}, nil

	case *HandleValueNotification:
		return handleValue(OpHandleValueNotification, p.Handle, p.Value), nil

	case *HandleValueIndication:
		return handleValue(OpHandleValueIndication, p.Handle, p.Value), nil

	case *HandleValueConfirmation:
		return []byte{OpHandleValueConfirmation}, nil

	default:
		return nil, fmt.Errorf("att: unknown packet type %T", pkt)
	}
}

// DecodePacket decodes binary data into an ATT packet.
// Failures are *ProtocolError values: MalformedPDU for short or inconsistent
// bodies, UnsupportedOpcode for opcodes this engine does not implement.
func DecodePacket(data []byte) (Packet, error) {
	if len(data) < 1 {
		return nil, &ProtocolError{Kind: MalformedPDU, Detail: "empty PDU"}
	}

	opcode := data[0]
	body := data[1:]

	need := func(n int) error {
		if len(body) < n {
			return malformed(opcode, "need %d bytes, got %d", n, len(body))
		}
		return nil
	}

	switch opcode {
	case OpExchangeMTURequest:
		if err := need(2); err != nil {
			return nil, err
		}
		return &ExchangeMTURequest{ClientRxMTU: binary.LittleEndian.Uint16(body)}, nil

	case OpExchangeMTUResponse:
		if err := need(2); err != nil {
			return nil, err
		}
		return &ExchangeMTUResponse{ServerRxMTU: binary.LittleEndian.Uint16(body)}, nil

	case OpErrorResponse:
		if err := need(4); err != nil {
			return nil, err
		}
		return &ErrorResponse{
			RequestOpcode: body[0],
			Handle:        binary.LittleEndian.Uint16(body[1:3]),
			ErrorCode:     body[3],
		}, nil

	case OpFindInformationRequest:
		if err := need(4); err != nil {
			return nil, err
		}
		return &FindInformationRequest{
			StartHandle: binary.LittleEndian.Uint16(body[0:2]),
			EndHandle:   binary.LittleEndian.Uint16(body[2:4]),
		}, nil

	case OpFindInformationResponse:
		if err := need(1); err != nil {
			return nil, err
		}
		return &FindInformationResponse{
			Format: body[0],
			Data:   append([]byte{}, body[1:]...),
		}, nil

	case OpFindByTypeValueRequest:
		if err := need(6); err != nil {
			return nil, err
		}
		return &FindByTypeValueRequest{
			StartHandle:   binary.LittleEndian.Uint16(body[0:2]),
			EndHandle:     binary.LittleEndian.Uint16(body[2:4]),
			AttributeType: binary.LittleEndian.Uint16(body[4:6]),
			Value:         append([]byte{}, body[6:]...),
		}, nil

	case OpFindByTypeValueResponse:
		if len(body) == 0 || len(body)%4 != 0 {
			return nil, malformed(opcode, "handles information list has %d bytes", len(body))
		}
		resp := &FindByTypeValueResponse{}
		for i := 0; i < len(body); i += 4 {
			resp.Handles = append(resp.Handles, HandleRange{
				Start: binary.LittleEndian.Uint16(body[i : i+2]),
				End:   binary.LittleEndian.Uint16(body[i+2 : i+4]),
			})
		}
		return resp, nil

	case OpReadByTypeRequest:
		if err := need(6); err != nil {
			return nil, err
		}
		if n := len(body) - 4; n != 2 && n != 16 {
			return nil, malformed(opcode, "attribute type must be 2 or 16 bytes, got %d", n)
		}
		return &ReadByTypeRequest{
			StartHandle: binary.LittleEndian.Uint16(body[0:2]),
			EndHandle:   binary.LittleEndian.Uint16(body[2:4]),
			Type:        append([]byte{}, body[4:]...),
		}, nil

	case OpReadByTypeResponse:
		if err := need(1); err != nil {
			return nil, err
		}
		return &ReadByTypeResponse{
			Length:        body[0],
			AttributeData: append([]byte{}, body[1:]...),
		}, nil

	case OpReadRequest:
		if err := need(2); err != nil {
			return nil, err
		}
		return &ReadRequest{Handle: binary.LittleEndian.Uint16(body)}, nil

	case OpReadResponse:
		return &ReadResponse{Value: append([]byte{}, body...)}, nil

	case OpReadBlobRequest:
		if err := need(4); err != nil {
			return nil, err
		}
		return &ReadBlobRequest{
			Handle: binary.LittleEndian.Uint16(body[0:2]),
			Offset: binary.LittleEndian.Uint16(body[2:4]),
		}, nil

	case OpReadBlobResponse:
		return &ReadBlobResponse{Value: append([]byte{}, body...)}, nil

	case OpReadMultipleRequest:
		if len(body) < 4 || len(body)%2 != 0 {
			return nil, malformed(opcode, "handle set has %d bytes", len(body))
		}
		req := &ReadMultipleRequest{}
		for i := 0; i < len(body); i += 2 {
			req.Handles = append(req.Handles, binary.LittleEndian.Uint16(body[i:i+2]))
		}
		return req, nil

	case OpReadMultipleResponse:
		return &ReadMultipleResponse{Values: append([]byte{}, body...)}, nil

	case OpReadByGroupTypeRequest:
		if err := need(6); err != nil {
			return nil, err
		}
		if n := len(body) - 4; n != 2 && n != 16 {
			return nil, malformed(opcode, "group type must be 2 or 16 bytes, got %d", n)
		}
		return &ReadByGroupTypeRequest{
			StartHandle: binary.LittleEndian.Uint16(body[0:2]),
			EndHandle:   binary.LittleEndian.Uint16(body[2:4]),
			Type:        append([]byte{}, body[4:]...),
		}, nil

	case OpReadByGroupTypeResponse:
		if err := need(1); err != nil {
			return nil, err
		}
		return &ReadByGroupTypeResponse{
			Length:        body[0],
			AttributeData: append([]byte{}, body[1:]...),
		}, nil

	case OpWriteRequest:
		if err := need(2); err != nil {
			return nil, err
		}
		return &WriteRequest{
			Handle: binary.LittleEndian.Uint16(body[0:2]),
			Value:  append([]byte{}, body[2:]...),
		}, nil

	case OpWriteResponse:
		return &WriteResponse{}, nil

	case OpWriteCommand:
		if err := need(2); err != nil {
			return nil, err
		}
		return &WriteCommand{
			Handle: binary.LittleEndian.Uint16(body[0:2]),
			Value:  append([]byte{}, body[2:]...),
		}, nil

	case OpPrepareWriteRequest:
		if err := need(4); err != nil {
			return nil, err
		}
		return &PrepareWriteRequest{
			Handle: binary.LittleEndian.Uint16(body[0:2]),
			Offset: binary.LittleEndian.Uint16(body[2:4]),
			Value:  append([]byte{}, body[4:]...),
		}, nil

	case OpPrepareWriteResponse:
		if err := need(4); err != nil {
			return nil, err
		}
		return &PrepareWriteResponse{
			Handle: binary.LittleEndian.Uint16(body[0:2]),
			Offset: binary.LittleEndian.Uint16(body[2:4]),
			Value:  append([]byte{}, body[4:]...),
		}, nil

	case OpExecuteWriteRequest:
		if err := need(1); err != nil {
			return nil, err
		}
		if body[0] > ExecuteWriteCommit {
			return nil, malformed(opcode, "invalid flags 0x%02X", body[0])
		}
		return &ExecuteWriteRequest{Flags: body[0]}, nil

	case OpExecuteWriteResponse:
		return &ExecuteWriteResponse{}, nil

	case OpHandleValueNotification:
		if err := need(2); err != nil {
			return nil, err
		}
		return &HandleValueNotification{
			Handle: binary.LittleEndian.Uint16(body[0:2]),
			Value:  append([]byte{}, body[2:]...),
		}, nil

	case OpHandleValueIndication:
		if err := need(2); err != nil {
			return nil, err
		}
		return &HandleValueIndication{
			Handle: binary.LittleEndian.Uint16(body[0:2]),
			Value:  append([]byte{}, body[2:]...),
		}, nil

	case OpHandleValueConfirmation:
		return &HandleValueConfirmation{}, nil

	default:
		return nil, &ProtocolError{Kind: UnsupportedOpcode, Opcode: opcode}
	}
}
