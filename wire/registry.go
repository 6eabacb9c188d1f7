package wire

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// advertRecord is what a device publishes in the advertising directory.
// Scanners poll the directory the way a radio listens on the advertising
// channels.
type advertRecord struct {
	ID           string    `json:"id"`
	Network      Network   `json:"network"`
	Address      string    `json:"address"`
	Data         []byte    `json:"data"`
	ScanResponse []byte    `json:"scan_response,omitempty"`
	Connectable  bool      `json:"connectable"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// registry is the advertising directory
type registry struct {
	dir string
}

func (r *registry) path(id string) string {
	return filepath.Join(r.dir, id+".json")
}

// publish writes the record atomically so scanners never see half a file
func (r *registry) publish(rec *advertRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "can't encode advertisement")
	}
	tmp, err := os.CreateTemp(r.dir, ".adv-*")
	if err != nil {
		return errors.Wrap(err, "can't write advertisement")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "can't write advertisement")
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), r.path(rec.ID)); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "can't publish advertisement")
	}
	return nil
}

func (r *registry) withdraw(id string) error {
	err := os.Remove(r.path(id))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "can't withdraw advertisement")
	}
	return nil
}

func (r *registry) lookup(id string) (*advertRecord, error) {
	data, err := os.ReadFile(r.path(id))
	if err != nil {
		return nil, err
	}
	var rec advertRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrapf(err, "bad advertisement for %s", id)
	}
	return &rec, nil
}

// list returns every readable record except skip's
func (r *registry) list(skip string) []*advertRecord {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil
	}
	var out []*advertRecord
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if id == skip {
			continue
		}
		rec, err := r.lookup(id)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out
}
