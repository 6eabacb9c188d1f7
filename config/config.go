// Package config loads a device's settings and its GATT table from YAML.
package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/user/blue-gatt/logger"
	"github.com/user/blue-gatt/util"
	"github.com/user/blue-gatt/wire/advertising"
	"github.com/user/blue-gatt/wire/att"
	"github.com/user/blue-gatt/wire/gatt"
)

// Config holds everything a gattd process needs
type Config struct {
	DeviceID    string            `yaml:"device_id"`
	DataDir     string            `yaml:"data_dir"`
	LogLevel    string            `yaml:"log_level"`
	Transport   TransportConfig   `yaml:"transport"`
	ATT         ATTConfig         `yaml:"att"`
	Advertising AdvertisingConfig `yaml:"advertising"`
	Services    []ServiceConfig   `yaml:"services"`
}

// TransportConfig selects the link carrier
type TransportConfig struct {
	Kind     string `yaml:"kind"`   // "memory", "unix" or "websocket"
	Listen   string `yaml:"listen"` // websocket listen address
	EventLog bool   `yaml:"event_log"`
}

// ATTConfig tunes the protocol engine
type ATTConfig struct {
	Timeout             time.Duration `yaml:"timeout"`
	MTU                 int           `yaml:"mtu"`
	DisconnectOnTimeout bool          `yaml:"disconnect_on_timeout"`
	Trace               bool          `yaml:"trace"`
}

// AdvertisingConfig is what a peripheral puts on the air
type AdvertisingConfig struct {
	LocalName        string   `yaml:"local_name"`
	ServiceUUIDs     []string `yaml:"service_uuids"`
	ManufacturerID   uint16   `yaml:"manufacturer_id"`
	ManufacturerData string   `yaml:"manufacturer_data"` // hex
	TxPower          *int8    `yaml:"tx_power"`
}

// ServiceConfig is one service of the published table
type ServiceConfig struct {
	UUID            string                 `yaml:"uuid"`
	Secondary       bool                   `yaml:"secondary"`
	Characteristics []CharacteristicConfig `yaml:"characteristics"`
}

// CharacteristicConfig is one characteristic; Value is hex
type CharacteristicConfig struct {
	UUID        string             `yaml:"uuid"`
	Properties  []string           `yaml:"properties"`
	Permissions string             `yaml:"permissions"` // e.g. "read|write-encrypt"; derived from properties when empty
	Value       string             `yaml:"value"`
	Descriptors []DescriptorConfig `yaml:"descriptors"`
}

// DescriptorConfig is one descriptor; Value is hex
type DescriptorConfig struct {
	UUID        string `yaml:"uuid"`
	Permissions string `yaml:"permissions"`
	Value       string `yaml:"value"`
}

var propertyNames = map[string]uint8{
	"broadcast":              gatt.PropBroadcast,
	"read":                   gatt.PropRead,
	"write_without_response": gatt.PropWriteWithoutResponse,
	"write":                  gatt.PropWrite,
	"notify":                 gatt.PropNotify,
	"indicate":               gatt.PropIndicate,
	"signed_write":           gatt.PropAuthenticatedSignedWrites,
	"extended_properties":    gatt.PropExtendedProperties,
}

// DefaultConfigPath returns the default config file path
func DefaultConfigPath() string {
	return filepath.Join(util.GetDataDir(), "gattd.yaml")
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		DeviceID: uuid.NewString(),
		LogLevel: "info",
		Transport: TransportConfig{
			Kind:   "unix",
			Listen: "127.0.0.1:0",
		},
		ATT: ATTConfig{
			Timeout:             att.DefaultTimeout,
			MTU:                 att.MaxMTU,
			DisconnectOnTimeout: true,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields keep their
// defaults. A leading ~ in data_dir is expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config file")
	}
	cfg.DataDir = expandTilde(cfg.DataDir)
	return cfg, nil
}

// Validate checks the config for invalid values
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return errors.New("device_id must not be empty")
	}

	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return errors.Errorf("log_level must be trace, debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.Transport.Kind {
	case "memory", "unix", "websocket":
	default:
		return errors.Errorf("transport.kind must be \"memory\", \"unix\" or \"websocket\", got %q", c.Transport.Kind)
	}

	if c.ATT.Timeout <= 0 {
		return errors.New("att.timeout must be > 0")
	}
	if c.ATT.MTU != att.ClampMTU(c.ATT.MTU) {
		return errors.Errorf("att.mtu must be between %d and %d, got %d", att.MinMTU, att.MaxMTU, c.ATT.MTU)
	}

	if _, err := c.Advertising.manufacturerData(); err != nil {
		return err
	}
	if _, err := parseUUIDs(c.Advertising.ServiceUUIDs); err != nil {
		return errors.Wrap(err, "advertising.service_uuids")
	}

	if _, err := c.Table(); err != nil {
		return err
	}
	return nil
}

// Level is the parsed log_level
func (c *Config) Level() logger.LogLevel {
	return logger.ParseLevel(c.LogLevel)
}

// Table converts the services section into table definitions
func (c *Config) Table() ([]gatt.Service, error) {
	out := make([]gatt.Service, 0, len(c.Services))
	for i, s := range c.Services {
		svc, err := s.Definition()
		if err != nil {
			return nil, errors.Wrapf(err, "services[%d]", i)
		}
		out = append(out, svc)
	}
	return out, nil
}

// Definition converts one service into a table definition
func (s ServiceConfig) Definition() (gatt.Service, error) {
	u, err := gatt.ParseUUID(s.UUID)
	if err != nil {
		return gatt.Service{}, errors.Wrapf(err, "uuid %q", s.UUID)
	}
	svc := gatt.Service{UUID: u, Primary: !s.Secondary}
	for i, cc := range s.Characteristics {
		ch, err := cc.definition()
		if err != nil {
			return gatt.Service{}, errors.Wrapf(err, "characteristics[%d]", i)
		}
		svc.Characteristics = append(svc.Characteristics, ch)
	}
	return svc, nil
}

func (cc CharacteristicConfig) definition() (gatt.Characteristic, error) {
	u, err := gatt.ParseUUID(cc.UUID)
	if err != nil {
		return gatt.Characteristic{}, errors.Wrapf(err, "uuid %q", cc.UUID)
	}
	ch := gatt.Characteristic{UUID: u}
	for _, name := range cc.Properties {
		bit, ok := propertyNames[strings.ToLower(name)]
		if !ok {
			return gatt.Characteristic{}, errors.Errorf("unknown property %q", name)
		}
		ch.Properties |= bit
	}
	if ch.Properties == 0 {
		return gatt.Characteristic{}, errors.Errorf("characteristic %s has no properties", cc.UUID)
	}
	if ch.Permissions, err = permissions(cc.Permissions); err != nil {
		return gatt.Characteristic{}, err
	}
	if ch.Value, err = DecodeHex(cc.Value); err != nil {
		return gatt.Characteristic{}, err
	}
	if len(ch.Value) > gatt.MaxAttributeValueLen {
		return gatt.Characteristic{}, errors.Errorf("value of %s is %d bytes, max %d", cc.UUID, len(ch.Value), gatt.MaxAttributeValueLen)
	}

	for _, dc := range cc.Descriptors {
		du, err := gatt.ParseUUID(dc.UUID)
		if err != nil {
			return gatt.Characteristic{}, errors.Wrapf(err, "descriptor uuid %q", dc.UUID)
		}
		d := gatt.Descriptor{UUID: du}
		if d.Permissions, err = permissions(dc.Permissions); err != nil {
			return gatt.Characteristic{}, err
		}
		if d.Value, err = DecodeHex(dc.Value); err != nil {
			return gatt.Characteristic{}, err
		}
		ch.Descriptors = append(ch.Descriptors, d)
	}
	return ch, nil
}

// manufacturerData decodes manufacturer_data
func (a AdvertisingConfig) manufacturerData() ([]byte, error) {
	b, err := DecodeHex(a.ManufacturerData)
	if err != nil {
		return nil, errors.Wrap(err, "advertising.manufacturer_data")
	}
	return b, nil
}

// Data builds the advertisement; call Validate first
func (a AdvertisingConfig) Data() *advertising.Data {
	data := &advertising.Data{
		Flags:     advertising.FlagLEGeneralDiscoverableMode | advertising.FlagBREDRNotSupported,
		LocalName: a.LocalName,
	}
	data.ServiceUUIDs, _ = parseUUIDs(a.ServiceUUIDs)
	if md, _ := a.manufacturerData(); md != nil || a.ManufacturerID != 0 {
		data.HasManufacturer = true
		data.ManufacturerID = a.ManufacturerID
		data.ManufacturerData = md
	}
	if a.TxPower != nil {
		data.HasTxPower = true
		data.TxPower = *a.TxPower
	}
	return data
}

func parseUUIDs(in []string) ([]gatt.UUID, error) {
	out := make([]gatt.UUID, 0, len(in))
	for _, s := range in {
		u, err := gatt.ParseUUID(s)
		if err != nil {
			return nil, errors.Wrapf(err, "uuid %q", s)
		}
		out = append(out, u)
	}
	return out, nil
}

func permissions(s string) (gatt.Permissions, error) {
	if s == "" {
		return 0, nil
	}
	p, ok := gatt.ParsePermissions(s)
	if !ok {
		return 0, errors.Errorf("unknown permissions %q", s)
	}
	return p, nil
}

// DecodeHex accepts "0A0B", "0a 0b" and "0a:0b"
func DecodeHex(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	clean := strings.NewReplacer(" ", "", ":", "", "0x", "").Replace(s)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, errors.Wrapf(err, "value %q is not hex", s)
	}
	return b, nil
}

// expandTilde replaces a leading ~ with the user's home directory
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
