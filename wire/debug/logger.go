package debug

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/user/blue-gatt/util"
	"github.com/user/blue-gatt/wire/att"
	"github.com/user/blue-gatt/wire/l2cap"
)

// TraceFile is the JSON-lines file written under <device dir>/debug
const TraceFile = "att_packets.jsonl"

// Direction of a traced packet
const (
	TX = "tx"
	RX = "rx"
)

// Tracer writes human-readable JSON lines describing binary BLE packets.
// Trace files are write-only; nothing in the stack reads them back.
type Tracer struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	now    func() time.Time
}

// PacketLog is one traced packet
type PacketLog struct {
	Timestamp  string                 `json:"timestamp"`
	Direction  string                 `json:"direction"`
	Peer       string                 `json:"peer"`
	Channel    string                 `json:"channel"`
	Opcode     string                 `json:"opcode,omitempty"`
	OpcodeName string                 `json:"opcode_name,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	DecodeErr  string                 `json:"decode_error,omitempty"`
	RawHex     string                 `json:"raw_hex"`
}

// NewTracer traces to w. A nil Tracer is valid and traces nothing.
func NewTracer(w io.Writer) *Tracer {
	return &Tracer{w: w, now: time.Now}
}

// OpenTracer appends to <dataDir>/devices/<deviceID>/debug/att_packets.jsonl
func OpenTracer(dataDir, deviceID string) (*Tracer, error) {
	dir := filepath.Join(util.GetDeviceDir(dataDir, deviceID), "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "can't create debug dir")
	}
	f, err := os.OpenFile(filepath.Join(dir, TraceFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "can't open trace file")
	}
	t := NewTracer(f)
	t.closer = f
	return t, nil
}

// Close releases the trace file, if any
func (t *Tracer) Close() error {
	if t == nil || t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

// LogFrame traces an L2CAP frame, decoding the ATT payload when the frame
// belongs to the ATT channel.
func (t *Tracer) LogFrame(direction, peer string, frame *l2cap.Packet) {
	if t == nil || frame == nil {
		return
	}

	entry := PacketLog{
		Direction: direction,
		Peer:      peer,
		Channel:   l2cap.ChannelName(frame.ChannelID),
		RawHex:    hex.EncodeToString(frame.Payload),
	}
	if frame.ChannelID == l2cap.ChannelATT && len(frame.Payload) > 0 {
		op := frame.Payload[0]
		entry.Opcode = fmt.Sprintf("0x%02X", op)
		entry.OpcodeName = att.OpcodeName(op)
		pkt, err := att.DecodePacket(frame.Payload)
		if err != nil {
			entry.DecodeErr = err.Error()
		} else {
			entry.Data = describe(pkt)
		}
	}
	t.write(entry)
}

func (t *Tracer) write(entry PacketLog) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry.Timestamp = t.now().Format(time.RFC3339Nano)
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	// Best-effort: a failing trace sink never affects the link
	t.w.Write(append(line, '\n'))
}

func hexHandle(h uint16) string {
	return fmt.Sprintf("0x%04X", h)
}

// describe extracts the interesting fields of a decoded ATT packet
func describe(pkt att.Packet) map[string]interface{} {
	data := make(map[string]interface{})

	switch p := pkt.(type) {
	case *att.ExchangeMTURequest:
		data["client_rx_mtu"] = p.ClientRxMTU
	case *att.ExchangeMTUResponse:
		data["server_rx_mtu"] = p.ServerRxMTU
	case *att.ErrorResponse:
		data["request_opcode"] = att.OpcodeName(p.RequestOpcode)
		data["handle"] = hexHandle(p.Handle)
		data["error_code"] = fmt.Sprintf("0x%02X", p.ErrorCode)
		data["error_name"] = att.ErrorName(p.ErrorCode)
	case *att.FindInformationRequest:
		data["start"], data["end"] = hexHandle(p.StartHandle), hexHandle(p.EndHandle)
	case *att.FindByTypeValueRequest:
		data["start"], data["end"] = hexHandle(p.StartHandle), hexHandle(p.EndHandle)
		data["type"] = fmt.Sprintf("0x%04X", p.AttributeType)
		data["value_hex"] = hex.EncodeToString(p.Value)
	case *att.ReadByTypeRequest:
		data["start"], data["end"] = hexHandle(p.StartHandle), hexHandle(p.EndHandle)
		data["type_hex"] = hex.EncodeToString(p.Type)
	case *att.ReadByGroupTypeRequest:
		data["start"], data["end"] = hexHandle(p.StartHandle), hexHandle(p.EndHandle)
		data["type_hex"] = hex.EncodeToString(p.Type)
	case *att.ReadRequest:
		data["handle"] = hexHandle(p.Handle)
	case *att.ReadBlobRequest:
		data["handle"] = hexHandle(p.Handle)
		data["offset"] = p.Offset
	case *att.ReadResponse:
		data["value_len"] = len(p.Value)
	case *att.ReadBlobResponse:
		data["value_len"] = len(p.Value)
	case *att.WriteRequest:
		data["handle"] = hexHandle(p.Handle)
		data["value_len"] = len(p.Value)
	case *att.WriteCommand:
		data["handle"] = hexHandle(p.Handle)
		data["value_len"] = len(p.Value)
	case *att.PrepareWriteRequest:
		data["handle"] = hexHandle(p.Handle)
		data["offset"] = p.Offset
		data["value_len"] = len(p.Value)
	case *att.ExecuteWriteRequest:
		data["flags"] = p.Flags
	case *att.HandleValueNotification:
		data["handle"] = hexHandle(p.Handle)
		data["value_len"] = len(p.Value)
	case *att.HandleValueIndication:
		data["handle"] = hexHandle(p.Handle)
		data["value_len"] = len(p.Value)
	}

	if len(data) == 0 {
		return nil
	}
	return data
}
