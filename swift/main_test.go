package swift

import (
	"os"
	"testing"

	"github.com/user/blue-gatt/util"
)

// TestMain points the data directory at a temporary one for all tests so
// lifecycle logs never land in ~/.blue-gatt
func TestMain(m *testing.M) {
	tempDir, err := os.MkdirTemp("", "bluegatt-swift-*")
	if err != nil {
		panic(err)
	}
	os.Setenv(util.DataDirEnv, tempDir)

	code := m.Run()

	os.RemoveAll(tempDir)
	os.Exit(code)
}
