// Package jsonfile stores the device collection in a single versioned JSON document.
package jsonfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/nodex/internal/errs"
	"github.com/and161185/nodex/internal/model"
	"github.com/and161185/nodex/internal/repository"
)

// SchemaVersion is written into every document.
const SchemaVersion = 1

type document struct {
	Version int                  `json:"version"`
	Devices []model.DeviceRecord `json:"devices"`
}

func emptyDocument() *document {
	return &document{Version: SchemaVersion, Devices: []model.DeviceRecord{}}
}

// DeviceRepo implements repository.DeviceRepository on top of one JSON file.
//
// Writers are serialized in-process by mu and across processes by an
// advisory lock on "<path>.lock". The document is replaced by rename, so
// readers never observe a partial write and need only the in-process read lock.
//
// A missing, unreadable or unparsable document is replaced by an empty one and
// the event is logged at Warn.
type DeviceRepo struct {
	path string
	log  *zap.Logger

	mu    sync.RWMutex
	flock *flock.Flock

	now   func() time.Time
	newID func() (uuid.UUID, error)
}

// NewDeviceRepo constructs a file-backed repository at path.
func NewDeviceRepo(path string, log *zap.Logger) *DeviceRepo {
	if log == nil {
		log = zap.NewNop()
	}
	return &DeviceRepo{
		path:  path,
		log:   log,
		flock: flock.New(path + ".lock"),
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewV4,
	}
}

// Path returns the backing document path.
func (r *DeviceRepo) Path() string { return r.path }

func (r *DeviceRepo) read() (*document, error) {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", r.path, err)
	}
	if doc.Devices == nil {
		doc.Devices = []model.DeviceRecord{}
	}
	return &doc, nil
}

func (r *DeviceRepo) write(doc *document) error {
	doc.Version = SchemaVersion
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".devices-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, r.path)
}

// loadOrHeal must be called with the write locks held.
func (r *DeviceRepo) loadOrHeal() (*document, error) {
	doc, err := r.read()
	if err == nil {
		return doc, nil
	}
	r.log.Warn("device store unreadable, reinitializing empty",
		zap.String("path", r.path),
		zap.Error(err),
	)
	doc = emptyDocument()
	if werr := r.write(doc); werr != nil {
		return nil, fmt.Errorf("reinitialize %s: %w", r.path, werr)
	}
	return doc, nil
}

func (r *DeviceRepo) mutate(ctx context.Context, fn func(doc *document) (bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return err
	}
	if err := r.flock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", r.flock.Path(), err)
	}
	defer func() { _ = r.flock.Unlock() }()

	doc, err := r.loadOrHeal()
	if err != nil {
		return err
	}
	changed, err := fn(doc)
	if err != nil || !changed {
		return err
	}
	return r.write(doc)
}

func (r *DeviceRepo) view(ctx context.Context, fn func(doc *document)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.RLock()
	doc, err := r.read()
	r.mu.RUnlock()
	if err == nil {
		fn(doc)
		return nil
	}
	return r.mutate(ctx, func(doc *document) (bool, error) {
		fn(doc)
		return false, nil
	})
}

// GetAll returns a snapshot of all devices.
func (r *DeviceRepo) GetAll(ctx context.Context) ([]model.DeviceRecord, error) {
	var out []model.DeviceRecord
	err := r.view(ctx, func(doc *document) {
		out = append([]model.DeviceRecord{}, doc.Devices...)
	})
	return out, err
}

// GetByID returns a device by id.
func (r *DeviceRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.DeviceRecord, error) {
	return r.find(ctx, func(d *model.DeviceRecord) bool { return d.ID == id })
}

// GetByIP returns the device registered with ip.
func (r *DeviceRepo) GetByIP(ctx context.Context, ip string) (*model.DeviceRecord, error) {
	return r.find(ctx, func(d *model.DeviceRecord) bool { return d.IP == ip })
}

func (r *DeviceRepo) find(ctx context.Context, match func(d *model.DeviceRecord) bool) (*model.DeviceRecord, error) {
	var found *model.DeviceRecord
	err := r.view(ctx, func(doc *document) {
		for i := range doc.Devices {
			if match(&doc.Devices[i]) {
				d := doc.Devices[i]
				found = &d
				return
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errs.ErrNotFound
	}
	return found, nil
}

// Create appends a new device with a fresh id.
func (r *DeviceRepo) Create(ctx context.Context, nd model.NewDevice) (*model.DeviceRecord, error) {
	id, err := r.newID()
	if err != nil {
		return nil, err
	}
	now := r.now()
	rec := model.DeviceRecord{
		ID:                id,
		IP:                nd.IP,
		Hostname:          nd.Hostname,
		Alias:             nd.Alias,
		Port:              nd.Port,
		Username:          nd.Username,
		AuthMethod:        nd.AuthMethod,
		EncryptedPassword: nd.EncryptedPassword,
		PrivateKey:        nd.PrivateKey,
		PublicKey:         nd.PublicKey,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	err = r.mutate(ctx, func(doc *document) (bool, error) {
		for _, d := range doc.Devices {
			if d.IP == rec.IP {
				return false, fmt.Errorf("ip %s: %w", rec.IP, errs.ErrDuplicateIP)
			}
		}
		doc.Devices = append(doc.Devices, rec)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Update merges p over the stored device.
func (r *DeviceRepo) Update(ctx context.Context, id uuid.UUID, p model.DevicePatch) (*model.DeviceRecord, error) {
	var out model.DeviceRecord
	err := r.mutate(ctx, func(doc *document) (bool, error) {
		idx := -1
		for i := range doc.Devices {
			if doc.Devices[i].ID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return false, fmt.Errorf("device %s: %w", id, errs.ErrNotFound)
		}
		if p.IP != nil {
			for i := range doc.Devices {
				if i != idx && doc.Devices[i].IP == *p.IP {
					return false, fmt.Errorf("ip %s: %w", *p.IP, errs.ErrDuplicateIP)
				}
			}
		}
		out = doc.Devices[idx].Apply(p, r.now())
		doc.Devices[idx] = out
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes the device if present.
func (r *DeviceRepo) Delete(ctx context.Context, id uuid.UUID) error {
	return r.mutate(ctx, func(doc *document) (bool, error) {
		kept := doc.Devices[:0]
		for _, d := range doc.Devices {
			if d.ID != id {
				kept = append(kept, d)
			}
		}
		changed := len(kept) != len(doc.Devices)
		doc.Devices = kept
		return changed, nil
	})
}

var _ repository.DeviceRepository = (*DeviceRepo)(nil)
