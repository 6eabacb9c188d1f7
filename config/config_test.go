package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/user/blue-gatt/wire/gatt"
)

const heartRateYAML = `
device_id: 5f0c7a52-1c1e-4d0e-9a53-51f4f5a0b001
log_level: debug
transport:
  kind: websocket
  listen: 127.0.0.1:9000
att:
  timeout: 5s
  mtu: 185
  disconnect_on_timeout: false
advertising:
  local_name: Pulse
  service_uuids: [180D]
  manufacturer_id: 0x004C
  manufacturer_data: "02 15"
  tx_power: -8
services:
  - uuid: 180D
    characteristics:
      - uuid: 2A37
        properties: [notify]
      - uuid: 2A38
        properties: [read]
        value: "01"
        descriptors:
          - uuid: "2901"
            value: "53656e736f72"
  - uuid: 6E400001-B5A3-F393-E0A9-E50E24DCCA9E
    characteristics:
      - uuid: 6E400002-B5A3-F393-E0A9-E50E24DCCA9E
        properties: [write, write_without_response, read]
        permissions: read|write-encrypt
`

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.DeviceID == "" {
		t.Error("default device_id is empty")
	}
	if cfg.ATT.Timeout != 30*time.Second {
		t.Errorf("att.timeout = %v, want 30s", cfg.ATT.Timeout)
	}
	if cfg.ATT.MTU != 517 {
		t.Errorf("att.mtu = %d, want 517", cfg.ATT.MTU)
	}
	if !cfg.ATT.DisconnectOnTimeout {
		t.Error("att.disconnect_on_timeout defaults to false")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	if Default().DeviceID == cfg.DeviceID {
		t.Error("two defaults share a device_id")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gattd.yaml")
	if err := os.WriteFile(path, []byte(heartRateYAML), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Transport.Kind != "websocket" || cfg.Transport.Listen != "127.0.0.1:9000" {
		t.Errorf("transport = %+v", cfg.Transport)
	}
	if cfg.ATT.Timeout != 5*time.Second || cfg.ATT.MTU != 185 || cfg.ATT.DisconnectOnTimeout {
		t.Errorf("att = %+v", cfg.ATT)
	}
	if cfg.Level().String() != "DEBUG" {
		t.Errorf("level = %s", cfg.Level())
	}

	adv := cfg.Advertising.Data()
	if adv.LocalName != "Pulse" || len(adv.ServiceUUIDs) != 1 || !adv.ServiceUUIDs[0].Equal(gatt.UUID16(0x180D)) {
		t.Errorf("advertisement = %+v", adv)
	}
	if !adv.HasManufacturer || adv.ManufacturerID != 0x004C || !bytes.Equal(adv.ManufacturerData, []byte{0x02, 0x15}) {
		t.Errorf("manufacturer = %v %04X %X", adv.HasManufacturer, adv.ManufacturerID, adv.ManufacturerData)
	}
	if !adv.HasTxPower || adv.TxPower != -8 {
		t.Errorf("tx power = %v %d", adv.HasTxPower, adv.TxPower)
	}

	table, err := cfg.Table()
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	if len(table) != 2 {
		t.Fatalf("table has %d services", len(table))
	}
	hr := table[0]
	if !hr.Primary || !hr.UUID.Equal(gatt.UUID16(0x180D)) || len(hr.Characteristics) != 2 {
		t.Fatalf("heart rate service = %+v", hr)
	}
	if hr.Characteristics[0].Properties != gatt.PropNotify {
		t.Errorf("2A37 properties = %02X", hr.Characteristics[0].Properties)
	}
	location := hr.Characteristics[1]
	if !bytes.Equal(location.Value, []byte{0x01}) {
		t.Errorf("2A38 value = %X", location.Value)
	}
	if len(location.Descriptors) != 1 || string(location.Descriptors[0].Value) != "Sensor" {
		t.Errorf("2A38 descriptors = %+v", location.Descriptors)
	}

	rx := table[1].Characteristics[0]
	if rx.Properties != gatt.PropWrite|gatt.PropWriteWithoutResponse|gatt.PropRead {
		t.Errorf("rx properties = %02X", rx.Properties)
	}
	if rx.Permissions != gatt.PermReadable|gatt.PermWriteEncrypt {
		t.Errorf("rx permissions = %s", rx.Permissions)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load of a missing file succeeded")
	}
}

func TestParseKeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte("log_level: warn\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Transport.Kind != "unix" || cfg.ATT.MTU != 517 || cfg.ATT.Timeout != 30*time.Second {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if _, err := Parse([]byte("att: [")); err == nil {
		t.Error("Parse accepted broken YAML")
	}
}

func TestParseExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	cfg, err := Parse([]byte("data_dir: ~/gatt\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.DataDir != filepath.Join(home, "gatt") {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty device id", func(c *Config) { c.DeviceID = "" }, "device_id"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"bad transport", func(c *Config) { c.Transport.Kind = "radio" }, "transport.kind"},
		{"zero timeout", func(c *Config) { c.ATT.Timeout = 0 }, "att.timeout"},
		{"small mtu", func(c *Config) { c.ATT.MTU = 20 }, "att.mtu"},
		{"large mtu", func(c *Config) { c.ATT.MTU = 600 }, "att.mtu"},
		{"bad manufacturer data", func(c *Config) { c.Advertising.ManufacturerData = "zz" }, "manufacturer_data"},
		{"bad advertised uuid", func(c *Config) { c.Advertising.ServiceUUIDs = []string{"12"} }, "service_uuids"},
		{"bad service uuid", func(c *Config) {
			c.Services = []ServiceConfig{{UUID: "nope"}}
		}, "services[0]"},
		{"unknown property", func(c *Config) {
			c.Services = []ServiceConfig{{UUID: "180F", Characteristics: []CharacteristicConfig{
				{UUID: "2A19", Properties: []string{"teleport"}},
			}}}
		}, "teleport"},
		{"no properties", func(c *Config) {
			c.Services = []ServiceConfig{{UUID: "180F", Characteristics: []CharacteristicConfig{
				{UUID: "2A19"},
			}}}
		}, "no properties"},
		{"bad permissions", func(c *Config) {
			c.Services = []ServiceConfig{{UUID: "180F", Characteristics: []CharacteristicConfig{
				{UUID: "2A19", Properties: []string{"read"}, Permissions: "read|root"},
			}}}
		}, "permissions"},
		{"bad value", func(c *Config) {
			c.Services = []ServiceConfig{{UUID: "180F", Characteristics: []CharacteristicConfig{
				{UUID: "2A19", Properties: []string{"read"}, Value: "xyz"},
			}}}
		}, "not hex"},
		{"value too long", func(c *Config) {
			c.Services = []ServiceConfig{{UUID: "180F", Characteristics: []CharacteristicConfig{
				{UUID: "2A19", Properties: []string{"read"}, Value: strings.Repeat("00", 513)},
			}}}
		}, "max 512"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate succeeded")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeHex(t *testing.T) {
	for in, want := range map[string][]byte{
		"":         nil,
		"0a0B":     {0x0A, 0x0B},
		"0a 0b":    {0x0A, 0x0B},
		"0a:0b:0c": {0x0A, 0x0B, 0x0C},
		"0x0102":   {0x01, 0x02},
	} {
		got, err := DecodeHex(in)
		if err != nil {
			t.Errorf("DecodeHex(%q): %v", in, err)
			continue
		}
		if !bytes.Equal(got, want) {
			t.Errorf("DecodeHex(%q) = %X, want %X", in, got, want)
		}
	}
}
