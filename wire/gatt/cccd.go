package gatt

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/user/blue-gatt/wire/att"
)

// CCCD (Client Characteristic Configuration Descriptor) values
// These are written by clients to enable/disable notifications and indications
const (
	CCCDNotificationsDisabled = 0x0000
	CCCDNotificationsEnabled  = 0x0001
	CCCDIndicationsEnabled    = 0x0002
	CCCDBothEnabled           = 0x0003 // Both notifications and indications
)

// SubscriptionState represents the subscription state for a characteristic
type SubscriptionState struct {
	Handle          uint16 // Characteristic value handle
	NotifyEnabled   bool
	IndicateEnabled bool
}

// Active reports whether any delivery mode is enabled
func (s SubscriptionState) Active() bool {
	return s.NotifyEnabled || s.IndicateEnabled
}

// CCCDManager manages CCCD subscriptions for one connection.
// CCCD values are never shared across connections, and the owning
// connection clears them when it closes.
type CCCDManager struct {
	mu sync.RWMutex
	// Map: characteristic value handle -> subscription state
	subscriptions map[uint16]*SubscriptionState
}

// NewCCCDManager creates a new CCCD manager for a connection
func NewCCCDManager() *CCCDManager {
	return &CCCDManager{
		subscriptions: make(map[uint16]*SubscriptionState),
	}
}

// SetSubscription updates the subscription state for a characteristic from
// the 2-byte little-endian CCCD value written by the client, and returns the
// state before and after the write.
func (cm *CCCDManager) SetSubscription(charHandle uint16, cccdValue []byte) (before, after SubscriptionState, err error) {
	notify, indicate, err := DecodeCCCDValue(cccdValue)
	if err != nil {
		return before, after, err
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	before = SubscriptionState{Handle: charHandle}
	if state, ok := cm.subscriptions[charHandle]; ok {
		before = *state
	}
	after = SubscriptionState{Handle: charHandle, NotifyEnabled: notify, IndicateEnabled: indicate}

	if after.Active() {
		cm.subscriptions[charHandle] = &after
	} else {
		delete(cm.subscriptions, charHandle)
	}
	return before, after, nil
}

// GetSubscription returns the subscription state for a characteristic
func (cm *CCCDManager) GetSubscription(charHandle uint16) (SubscriptionState, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	state, exists := cm.subscriptions[charHandle]
	if !exists {
		return SubscriptionState{Handle: charHandle}, false
	}
	return *state, true
}

// IsSubscribed returns true if notifications or indications are enabled for a characteristic
func (cm *CCCDManager) IsSubscribed(charHandle uint16) bool {
	s, _ := cm.GetSubscription(charHandle)
	return s.Active()
}

// IsNotifyEnabled returns true if notifications are enabled for a characteristic
func (cm *CCCDManager) IsNotifyEnabled(charHandle uint16) bool {
	s, _ := cm.GetSubscription(charHandle)
	return s.NotifyEnabled
}

// IsIndicateEnabled returns true if indications are enabled for a characteristic
func (cm *CCCDManager) IsIndicateEnabled(charHandle uint16) bool {
	s, _ := cm.GetSubscription(charHandle)
	return s.IndicateEnabled
}

// GetAllSubscriptions returns all active subscriptions ordered by handle
func (cm *CCCDManager) GetAllSubscriptions() []SubscriptionState {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	subs := make([]SubscriptionState, 0, len(cm.subscriptions))
	for _, state := range cm.subscriptions {
		subs = append(subs, *state)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Handle < subs[j].Handle })
	return subs
}

// Clear removes all subscriptions and returns the ones that were active
func (cm *CCCDManager) Clear() []SubscriptionState {
	subs := cm.GetAllSubscriptions()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.subscriptions = make(map[uint16]*SubscriptionState)
	return subs
}

// Count returns the number of active subscriptions
func (cm *CCCDManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	return len(cm.subscriptions)
}

// EncodeCCCDValue converts subscription state to CCCD value bytes (little-endian)
func EncodeCCCDValue(notifyEnabled, indicateEnabled bool) []byte {
	var value uint16
	if notifyEnabled {
		value |= CCCDNotificationsEnabled
	}
	if indicateEnabled {
		value |= CCCDIndicationsEnabled
	}

	cccdValue := make([]byte, 2)
	binary.LittleEndian.PutUint16(cccdValue, value)
	return cccdValue
}

// DecodeCCCDValue parses CCCD value bytes to notification/indication flags
func DecodeCCCDValue(cccdValue []byte) (notifyEnabled, indicateEnabled bool, err error) {
	if len(cccdValue) != 2 {
		return false, false, att.NewError(att.ErrInvalidAttributeValueLength, att.OpWriteRequest, 0)
	}

	value := binary.LittleEndian.Uint16(cccdValue)
	notifyEnabled = (value & CCCDNotificationsEnabled) != 0
	indicateEnabled = (value & CCCDIndicationsEnabled) != 0

	return notifyEnabled, indicateEnabled, nil
}
