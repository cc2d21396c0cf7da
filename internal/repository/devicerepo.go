// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/nodex/internal/model"
	"github.com/gofrs/uuid/v5"
)

// DeviceRepository provides serialized access to the device collection.
// Implementations must never interleave two concurrent mutations.
type DeviceRepository interface {
	// GetAll returns a snapshot copy of all devices.
	GetAll(ctx context.Context) ([]model.DeviceRecord, error)

	// GetByID returns a device by id or errs.ErrNotFound.
	GetByID(ctx context.Context, id uuid.UUID) (*model.DeviceRecord, error)

	// GetByIP returns a device by exact IP or errs.ErrNotFound.
	GetByIP(ctx context.Context, ip string) (*model.DeviceRecord, error)

	// Create assigns id and timestamps and persists the device.
	Create(ctx context.Context, d model.NewDevice) (*model.DeviceRecord, error)

	// Update merges supplied patch fields over the stored device and bumps UpdatedAt.
	Update(ctx context.Context, id uuid.UUID, p model.DevicePatch) (*model.DeviceRecord, error)

	// Delete removes a device; deleting an absent id is not an error.
	Delete(ctx context.Context, id uuid.UUID) error
}
