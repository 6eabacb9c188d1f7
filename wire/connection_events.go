package wire

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/blue-gatt/logger"
	"github.com/user/blue-gatt/util"
)

// ConnectionEventsFile is the JSON-lines link lifecycle log under the device dir
const ConnectionEventsFile = "connection_events.jsonl"

// ConnectionEvent represents a lifecycle event for link debugging
type ConnectionEvent struct {
	Timestamp int64  `json:"timestamp"` // nanoseconds since epoch
	Event     string `json:"event"`     // listening, connection_accepted, connection_established, link_closed, link_error
	Role      string `json:"role,omitempty"`
	Peer      string `json:"peer,omitempty"`
	Address   string `json:"address,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ConnectionEventLogger manages append-only logging of link events.
// A nil logger records nothing.
type ConnectionEventLogger struct {
	localID string
	logPath string
	mutex   sync.Mutex
}

// NewConnectionEventLogger logs to <dataDir>/devices/<id>/connection_events.jsonl
func NewConnectionEventLogger(dataDir, localID string) *ConnectionEventLogger {
	deviceDir := util.GetDeviceDir(dataDir, localID)
	if err := os.MkdirAll(deviceDir, 0755); err != nil {
		logger.Warn(logger.ShortID(localID)+" Wire", "no connection event log: %v", err)
		return nil
	}
	return &ConnectionEventLogger{
		localID: localID,
		logPath: filepath.Join(deviceDir, ConnectionEventsFile),
	}
}

// Log writes a connection event to the JSONL file
func (cel *ConnectionEventLogger) Log(event ConnectionEvent) {
	if cel == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixNano()
	}

	cel.mutex.Lock()
	defer cel.mutex.Unlock()

	f, err := os.OpenFile(cel.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logger.Warn(logger.ShortID(cel.localID)+" Wire", "Failed to open connection event log: %v", err)
		return
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		logger.Warn(logger.ShortID(cel.localID)+" Wire", "Failed to write connection event: %v", err)
	}
}

func (cel *ConnectionEventLogger) LogListening(address string) {
	cel.Log(ConnectionEvent{Event: "listening", Address: address})
}

func (cel *ConnectionEventLogger) LogConnectionAccepted(peer string) {
	cel.Log(ConnectionEvent{Event: "connection_accepted", Role: "peripheral", Peer: peer})
}

func (cel *ConnectionEventLogger) LogConnectionEstablished(peer, address string) {
	cel.Log(ConnectionEvent{Event: "connection_established", Role: "central", Peer: peer, Address: address})
}

func (cel *ConnectionEventLogger) LogLinkClosed(role, peer string, reason error) {
	ev := ConnectionEvent{Event: "link_closed", Role: role, Peer: peer}
	if reason != nil {
		ev.Error = reason.Error()
	}
	cel.Log(ev)
}

func (cel *ConnectionEventLogger) LogLinkError(peer string, err error) {
	cel.Log(ConnectionEvent{Event: "link_error", Peer: peer, Error: err.Error()})
}
