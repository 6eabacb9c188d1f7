package util

import (
	"os"
	"path/filepath"
)

// DataDirEnv overrides the data directory for every device on this host
const DataDirEnv = "BLUE_GATT_DIR"

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv(DataDirEnv); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "blue-gatt")
	}
	return filepath.Join(home, ".blue-gatt")
}

// GetDeviceDir returns the per-device directory (sessions, traces)
func GetDeviceDir(dataDir, deviceID string) string {
	if dataDir == "" {
		dataDir = GetDataDir()
	}
	return filepath.Join(dataDir, "devices", deviceID)
}

// GetSocketDir returns the directory where Unix domain sockets live, creating it
func GetSocketDir(dataDir string) (string, error) {
	if dataDir == "" {
		dataDir = GetDataDir()
	}
	dir := filepath.Join(dataDir, "sockets")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// GetAdvertisingDir returns the directory holding advertisement records, creating it
func GetAdvertisingDir(dataDir string) (string, error) {
	if dataDir == "" {
		dataDir = GetDataDir()
	}
	dir := filepath.Join(dataDir, "adverts")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
