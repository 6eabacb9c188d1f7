// Package swift is a CoreBluetooth-shaped facade over the GATT host: a
// CBCentralManager that scans and connects, CBPeripheral objects that run
// GATT client operations, and a CBPeripheralManager that publishes a table
// and answers peers. Results arrive through delegates.
package swift

import (
	"time"

	"github.com/pkg/errors"

	"github.com/user/blue-gatt/host"
	"github.com/user/blue-gatt/transport"
	"github.com/user/blue-gatt/wire/att"
	"github.com/user/blue-gatt/wire/debug"
	"github.com/user/blue-gatt/wire/gatt"
)

// CBManagerState represents the current state of a CBCentralManager or CBPeripheralManager
// Matches iOS CoreBluetooth CBManagerState enum
type CBManagerState int

const (
	CBManagerStateUnknown      CBManagerState = 0 // State is unknown, cannot use Bluetooth yet
	CBManagerStateResetting    CBManagerState = 1 // Connection to the system service was momentarily lost, update imminent
	CBManagerStateUnsupported  CBManagerState = 2 // Platform doesn't support Bluetooth Low Energy
	CBManagerStateUnauthorized CBManagerState = 3 // App is not authorized to use Bluetooth Low Energy
	CBManagerStatePoweredOff   CBManagerState = 4 // Bluetooth is currently powered off
	CBManagerStatePoweredOn    CBManagerState = 5 // Bluetooth is currently powered on and available to use
)

// String returns the string representation of the CBManagerState
func (s CBManagerState) String() string {
	switch s {
	case CBManagerStateUnknown:
		return "unknown"
	case CBManagerStateResetting:
		return "resetting"
	case CBManagerStateUnsupported:
		return "unsupported"
	case CBManagerStateUnauthorized:
		return "unauthorized"
	case CBManagerStatePoweredOff:
		return "poweredOff"
	case CBManagerStatePoweredOn:
		return "poweredOn"
	default:
		return "unknown"
	}
}

// CBPeripheralState represents the connection state of a CBPeripheral
// Matches iOS CoreBluetooth CBPeripheralState enum
type CBPeripheralState int

const (
	CBPeripheralStateDisconnected  CBPeripheralState = 0 // Not connected to the central
	CBPeripheralStateConnecting    CBPeripheralState = 1 // Connection is being established
	CBPeripheralStateConnected     CBPeripheralState = 2 // Connected to the central
	CBPeripheralStateDisconnecting CBPeripheralState = 3 // Disconnection is in progress
)

// String returns the string representation of the CBPeripheralState
func (s CBPeripheralState) String() string {
	switch s {
	case CBPeripheralStateDisconnected:
		return "disconnected"
	case CBPeripheralStateConnecting:
		return "connecting"
	case CBPeripheralStateConnected:
		return "connected"
	case CBPeripheralStateDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// peripheralState folds the host's connection states into the four
// CoreBluetooth reports. Discovery runs inside "connecting".
func peripheralState(s host.State) CBPeripheralState {
	switch s {
	case host.Connecting, host.Connected, host.ServiceDiscovery:
		return CBPeripheralStateConnecting
	case host.Ready:
		return CBPeripheralStateConnected
	case host.Disconnecting:
		return CBPeripheralStateDisconnecting
	default:
		return CBPeripheralStateDisconnected
	}
}

// CBATTError represents ATT protocol errors
type CBATTError int

const (
	CBATTErrorSuccess                       CBATTError = 0x00
	CBATTErrorInvalidHandle                 CBATTError = 0x01
	CBATTErrorReadNotPermitted              CBATTError = 0x02
	CBATTErrorWriteNotPermitted             CBATTError = 0x03
	CBATTErrorInvalidPDU                    CBATTError = 0x04
	CBATTErrorInsufficientAuthentication    CBATTError = 0x05
	CBATTErrorRequestNotSupported           CBATTError = 0x06
	CBATTErrorInvalidOffset                 CBATTError = 0x07
	CBATTErrorInsufficientAuthorization     CBATTError = 0x08
	CBATTErrorPrepareQueueFull              CBATTError = 0x09
	CBATTErrorAttributeNotFound             CBATTError = 0x0A
	CBATTErrorAttributeNotLong              CBATTError = 0x0B
	CBATTErrorInsufficientEncryptionKeySize CBATTError = 0x0C
	CBATTErrorInvalidAttributeValueLength   CBATTError = 0x0D
	CBATTErrorUnlikelyError                 CBATTError = 0x0E
	CBATTErrorInsufficientEncryption        CBATTError = 0x0F
	CBATTErrorUnsupportedGroupType          CBATTError = 0x10
	CBATTErrorInsufficientResources         CBATTError = 0x11
)

func (e CBATTError) String() string {
	return att.ErrorName(uint8(e))
}

// ATTErrorOf extracts the ATT error code carried by err, or
// CBATTErrorSuccess when err did not come from the peer
func ATTErrorOf(err error) CBATTError {
	return CBATTError(att.GetErrorCode(err))
}

// CBError represents CoreBluetooth errors
type CBError int

const (
	CBErrorUnknown                       CBError = 0
	CBErrorInvalidParameters             CBError = 1
	CBErrorInvalidHandle                 CBError = 2
	CBErrorNotConnected                  CBError = 3
	CBErrorOutOfSpace                    CBError = 4
	CBErrorOperationCancelled            CBError = 5
	CBErrorConnectionTimeout             CBError = 6
	CBErrorPeripheralDisconnected        CBError = 7
	CBErrorUUIDNotAllowed                CBError = 8
	CBErrorAlreadyAdvertising            CBError = 9
	CBErrorConnectionFailed              CBError = 10
	CBErrorConnectionLimitReached        CBError = 11
	CBErrorUnknownDevice                 CBError = 12
	CBErrorOperationNotSupported         CBError = 13
	CBErrorPeerRemovedPairingInformation CBError = 14
	CBErrorEncryptionTimedOut            CBError = 15
	CBErrorTooManyLEPairedDevices        CBError = 16
)

// CBErrorOf classifies a host or transport error the way CoreBluetooth
// reports it to apps
func CBErrorOf(err error) CBError {
	switch {
	case err == nil:
		return CBErrorUnknown
	case errors.Is(err, host.ErrTimeout), errors.Is(err, transport.ErrTimeout):
		return CBErrorConnectionTimeout
	case errors.Is(err, host.ErrCancelled):
		return CBErrorOperationCancelled
	case errors.Is(err, transport.ErrRemoteDisconnect), errors.Is(err, transport.ErrLinkLost):
		return CBErrorPeripheralDisconnected
	case errors.Is(err, transport.ErrUnreachable):
		return CBErrorConnectionFailed
	case errors.Is(err, host.ErrUnknownPeer):
		return CBErrorUnknownDevice
	case errors.Is(err, host.ErrNotReady), errors.Is(err, transport.ErrNotConnected):
		return CBErrorNotConnected
	case errors.Is(err, host.ErrNotFound):
		return CBErrorInvalidHandle
	case errors.Is(err, transport.ErrOverflow):
		return CBErrorOutOfSpace
	default:
		return CBErrorUnknown
	}
}

// CBCharacteristicProperties represents characteristic properties bitmask.
// The low byte is the properties field of the characteristic declaration.
type CBCharacteristicProperties int

const (
	CBCharacteristicPropertyBroadcast                  CBCharacteristicProperties = 1 << 0
	CBCharacteristicPropertyRead                       CBCharacteristicProperties = 1 << 1
	CBCharacteristicPropertyWriteWithoutResponse       CBCharacteristicProperties = 1 << 2
	CBCharacteristicPropertyWrite                      CBCharacteristicProperties = 1 << 3
	CBCharacteristicPropertyNotify                     CBCharacteristicProperties = 1 << 4
	CBCharacteristicPropertyIndicate                   CBCharacteristicProperties = 1 << 5
	CBCharacteristicPropertyAuthenticatedSignedWrites  CBCharacteristicProperties = 1 << 6
	CBCharacteristicPropertyExtendedProperties         CBCharacteristicProperties = 1 << 7
	CBCharacteristicPropertyNotifyEncryptionRequired   CBCharacteristicProperties = 1 << 8
	CBCharacteristicPropertyIndicateEncryptionRequired CBCharacteristicProperties = 1 << 9
)

// declared is what goes over the air: the encryption-required variants
// advertise plain notify and indicate
func (p CBCharacteristicProperties) declared() uint8 {
	out := uint8(p & 0xFF)
	if p&CBCharacteristicPropertyNotifyEncryptionRequired != 0 {
		out |= gatt.PropNotify
	}
	if p&CBCharacteristicPropertyIndicateEncryptionRequired != 0 {
		out |= gatt.PropIndicate
	}
	return out
}

// CBAttributePermissions represents characteristic permissions bitmask
type CBAttributePermissions int

const (
	CBAttributePermissionsReadable                CBAttributePermissions = 1 << 0
	CBAttributePermissionsWriteable               CBAttributePermissions = 1 << 1
	CBAttributePermissionsReadEncryptionRequired  CBAttributePermissions = 1 << 2
	CBAttributePermissionsWriteEncryptionRequired CBAttributePermissions = 1 << 3
)

// table converts to the server's permission flags; requiring encryption
// implies the access itself
func (p CBAttributePermissions) table() gatt.Permissions {
	var out gatt.Permissions
	if p&CBAttributePermissionsReadable != 0 {
		out |= gatt.PermReadable
	}
	if p&CBAttributePermissionsWriteable != 0 {
		out |= gatt.PermWritable
	}
	if p&CBAttributePermissionsReadEncryptionRequired != 0 {
		out |= gatt.PermReadable | gatt.PermReadEncrypt
	}
	if p&CBAttributePermissionsWriteEncryptionRequired != 0 {
		out |= gatt.PermWritable | gatt.PermWriteEncrypt
	}
	return out
}

// CBCharacteristicWriteType matches iOS CoreBluetooth write types
type CBCharacteristicWriteType int

const (
	CBCharacteristicWriteWithResponse    CBCharacteristicWriteType = 0 // Wait for ACK (default)
	CBCharacteristicWriteWithoutResponse CBCharacteristicWriteType = 1 // Fire and forget (fast)
)

// Advertisement data keys
const (
	CBAdvertisementDataLocalNameKey        = "kCBAdvDataLocalName"
	CBAdvertisementDataServiceUUIDsKey     = "kCBAdvDataServiceUUIDs"
	CBAdvertisementDataManufacturerDataKey = "kCBAdvDataManufacturerData"
	CBAdvertisementDataTxPowerLevelKey     = "kCBAdvDataTxPowerLevel"
	CBAdvertisementDataIsConnectable       = "kCBAdvDataIsConnectable"
)

// Scan options
const (
	CBCentralManagerScanOptionAllowDuplicatesKey = "kCBScanOptionAllowDuplicates"
)

// Restoration dictionary keys
const (
	CBCentralManagerRestoredStatePeripheralsKey = "kCBRestoredPeripherals"
	CBPeripheralManagerRestoredStateServicesKey = "kCBRestoredServices"
)

// CBUUIDClientCharacteristicConfigurationString is the CCCD's UUID as
// CBUUID prints it
var CBUUIDClientCharacteristicConfigurationString = gatt.UUIDClientCharacteristicConfig.String()

// CBManagerOptions configures the host behind a manager
type CBManagerOptions struct {
	// MTU is the receive MTU offered to peers; 0 means the largest
	MTU int
	// Timeout bounds each ATT transaction and pairing; 0 means 30s
	Timeout time.Duration
	// Restore re-creates the session captured by Snapshot. The delegate's
	// WillRestoreState runs before DidUpdateState.
	Restore *host.Snapshot
	// Lifecycle, when set, records connection events as JSON lines
	Lifecycle *CBConnectionLifecycleLogger
	// KeepLinkOnTimeout leaves a timed-out link up, marked degraded
	KeepLinkOnTimeout bool
	// Tracer, when set, records every ATT PDU
	Tracer *debug.Tracer
}

func (o *CBManagerOptions) hostOptions(adapter transport.Adapter, d host.Delegate) host.Options {
	opts := host.Options{Adapter: adapter, Delegate: d}
	if o != nil {
		opts.MTU = o.MTU
		opts.Timeout = o.Timeout
		opts.Restore = o.Restore
		opts.KeepLinkOnTimeout = o.KeepLinkOnTimeout
		opts.Tracer = o.Tracer
	}
	return opts
}

func (o *CBManagerOptions) lifecycle() *CBConnectionLifecycleLogger {
	if o == nil || o.Lifecycle == nil {
		return NewCBConnectionLifecycleLogger("", false)
	}
	return o.Lifecycle
}

// parseUUIDs turns CBUUID strings into table UUIDs
func parseUUIDs(in []string) ([]gatt.UUID, error) {
	out := make([]gatt.UUID, 0, len(in))
	for _, s := range in {
		u, err := gatt.ParseUUID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// sameUUID compares a CBUUID string with a table UUID
func sameUUID(s string, u gatt.UUID) bool {
	v, err := gatt.ParseUUID(s)
	return err == nil && v.Equal(u)
}
