package swift

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/blue-gatt/logger"
	"github.com/user/blue-gatt/util"
)

// CBConnectionEvent is one facade-level connection lifecycle event
type CBConnectionEvent struct {
	Timestamp        int64             `json:"timestamp"` // nanoseconds since epoch
	Event            string            `json:"event"`     // connect_called, connect_blocked, connect_completed, ...
	PeripheralUUID   string            `json:"peripheral_uuid"`
	Role             string            `json:"role,omitempty"`
	AlreadyConnected bool              `json:"already_connected,omitempty"`
	ConnectionsCount int               `json:"connections_count,omitempty"`
	Details          map[string]string `json:"details,omitempty"`
}

// CBConnectionLifecycleLogger appends connection lifecycle events to a
// JSON-lines file in the device directory
type CBConnectionLifecycleLogger struct {
	localUUID string
	logPath   string
	mutex     sync.Mutex
	enabled   bool
}

// NewCBConnectionLifecycleLogger creates a logger for CB connection events.
// The file is <data dir>/devices/<id>/cb_connection_lifecycle.jsonl.
func NewCBConnectionLifecycleLogger(localUUID string, enabled bool) *CBConnectionLifecycleLogger {
	if !enabled {
		return &CBConnectionLifecycleLogger{enabled: false}
	}

	deviceDir := util.GetDeviceDir("", localUUID)
	return &CBConnectionLifecycleLogger{
		localUUID: localUUID,
		logPath:   filepath.Join(deviceDir, "cb_connection_lifecycle.jsonl"),
		enabled:   true,
	}
}

// Path is the file events go to, empty when disabled
func (log *CBConnectionLifecycleLogger) Path() string {
	return log.logPath
}

// Log writes a CB connection event to the JSONL file
func (log *CBConnectionLifecycleLogger) Log(event CBConnectionEvent) {
	if log == nil || !log.enabled {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixNano()
	}

	log.mutex.Lock()
	defer log.mutex.Unlock()

	if err := os.MkdirAll(filepath.Dir(log.logPath), 0755); err != nil {
		logger.Warn(logger.ShortID(log.localUUID), "lifecycle log: %v", err)
		return
	}

	f, err := os.OpenFile(log.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logger.Warn(logger.ShortID(log.localUUID), "lifecycle log: %v", err)
		return
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(event); err != nil {
		logger.Warn(logger.ShortID(log.localUUID), "lifecycle log: %v", err)
	}
}

// LogConnectCalled logs when Connect() is called
func (log *CBConnectionLifecycleLogger) LogConnectCalled(uuid string, alreadyConnected bool, connections int) {
	log.Log(CBConnectionEvent{
		Event:            "connect_called",
		PeripheralUUID:   uuid,
		AlreadyConnected: alreadyConnected,
		ConnectionsCount: connections,
	})
}

// LogConnectBlocked logs when Connect() is refused before reaching the host
func (log *CBConnectionLifecycleLogger) LogConnectBlocked(uuid string, reason string) {
	log.Log(CBConnectionEvent{
		Event:          "connect_blocked",
		PeripheralUUID: uuid,
		Details:        map[string]string{"reason": reason},
	})
}

// LogConnectCompleted logs the outcome of a connection attempt
func (log *CBConnectionLifecycleLogger) LogConnectCompleted(uuid string, err error) {
	ev := CBConnectionEvent{Event: "connect_completed", PeripheralUUID: uuid}
	if err != nil {
		ev.Event = "connect_failed"
		ev.Details = map[string]string{"error": err.Error()}
	}
	log.Log(ev)
}

// LogDisconnected logs the end of a link
func (log *CBConnectionLifecycleLogger) LogDisconnected(uuid, role string, reason error) {
	ev := CBConnectionEvent{Event: "disconnected", PeripheralUUID: uuid, Role: role}
	if reason != nil {
		ev.Details = map[string]string{"reason": reason.Error()}
	}
	log.Log(ev)
}

// LogRestored logs a link re-created from a snapshot
func (log *CBConnectionLifecycleLogger) LogRestored(uuid, state string) {
	log.Log(CBConnectionEvent{
		Event:          "restored",
		PeripheralUUID: uuid,
		Details:        map[string]string{"state": state},
	})
}
