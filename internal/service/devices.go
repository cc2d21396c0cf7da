// Package service contains the device registry service that sits between the
// transport boundary and the device repository.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	pkgcrypto "github.com/and161185/nodex/internal/crypto"
	"github.com/and161185/nodex/internal/errs"
	"github.com/and161185/nodex/internal/model"
	"github.com/and161185/nodex/internal/repository"
	"github.com/and161185/nodex/internal/validate"
)

// DeviceService defines device registry operations.
type DeviceService interface {
	// Get returns a device by id or errs.ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*model.DeviceRecord, error)
	// List returns all devices.
	List(ctx context.Context) ([]model.DeviceRecord, error)
	// Register validates input, seals credentials and stores a new device.
	Register(ctx context.Context, in model.DeviceInput) (*model.DeviceRecord, error)
	// Update merges supplied fields and resolves credentials for the target auth method.
	Update(ctx context.Context, id uuid.UUID, upd model.DeviceUpdate) (*model.DeviceRecord, error)
	// Remove deletes a device or returns errs.ErrNotFound.
	Remove(ctx context.Context, id uuid.UUID) error
}

// SecretSealer seals device secrets before they reach the repository.
type SecretSealer interface {
	Encrypt(plaintext string) (model.EncryptedSecret, error)
}

// KeyPairGenerator produces fresh SSH key pairs.
type KeyPairGenerator interface {
	Generate() (pkgcrypto.KeyPair, error)
}

type DeviceServiceImpl struct {
	repo   repository.DeviceRepository
	sealer SecretSealer
	keys   KeyPairGenerator
	log    *zap.Logger
}

var _ DeviceService = (*DeviceServiceImpl)(nil)

// NewDeviceService constructs DeviceService with required dependencies.
func NewDeviceService(repo repository.DeviceRepository, sealer SecretSealer, keys KeyPairGenerator, log *zap.Logger) *DeviceServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &DeviceServiceImpl{repo: repo, sealer: sealer, keys: keys, log: log}
}

// Get returns a single device.
func (s *DeviceServiceImpl) Get(ctx context.Context, id uuid.UUID) (*model.DeviceRecord, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("%w: empty id", errs.ErrValidation)
	}
	return s.repo.GetByID(ctx, id)
}

// List returns every registered device.
func (s *DeviceServiceImpl) List(ctx context.Context) ([]model.DeviceRecord, error) {
	return s.repo.GetAll(ctx)
}

func (s *DeviceServiceImpl) ensureIPFree(ctx context.Context, ip string, self uuid.UUID) error {
	existing, err := s.repo.GetByIP(ctx, ip)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return nil
	case err != nil:
		return err
	case existing.ID == self:
		return nil
	default:
		return fmt.Errorf("ip %s: %w", ip, errs.ErrDuplicateIP)
	}
}

// credentials is the sealed material for one auth method; the other
// method's fields are nil.
type credentials struct {
	password   *model.EncryptedSecret
	privateKey *model.EncryptedSecret
	publicKey  *string
}

func (s *DeviceServiceImpl) sealPassword(password *string) (credentials, error) {
	if password == nil {
		return credentials{}, errs.ErrMissingPassword
	}
	enc, err := s.sealer.Encrypt(*password)
	if err != nil {
		return credentials{}, fmt.Errorf("seal password: %w", err)
	}
	return credentials{password: &enc}, nil
}

func (s *DeviceServiceImpl) newKeyPair() (credentials, error) {
	kp, err := s.keys.Generate()
	if err != nil {
		return credentials{}, fmt.Errorf("generate key pair: %w", err)
	}
	enc, err := s.sealer.Encrypt(kp.PrivateKey)
	if err != nil {
		return credentials{}, fmt.Errorf("seal private key: %w", err)
	}
	pub := kp.PublicKey
	return credentials{privateKey: &enc, publicKey: &pub}, nil
}

// Register normalizes in, rejects duplicates and stores the device with
// sealed credentials. A key-auth device gets a freshly generated key pair.
func (s *DeviceServiceImpl) Register(ctx context.Context, in model.DeviceInput) (*model.DeviceRecord, error) {
	n, err := validate.Device(in)
	if err != nil {
		return nil, err
	}
	if !in.AuthMethod.Valid() {
		return nil, fmt.Errorf("%w: unknown auth method %q", errs.ErrValidation, in.AuthMethod)
	}
	if err := s.ensureIPFree(ctx, n.IP, uuid.Nil); err != nil {
		return nil, err
	}

	var creds credentials
	switch in.AuthMethod {
	case model.AuthPassword:
		creds, err = s.sealPassword(n.Password)
	case model.AuthKey:
		creds, err = s.newKeyPair()
	}
	if err != nil {
		return nil, err
	}

	d, err := s.repo.Create(ctx, model.NewDevice{
		IP:                n.IP,
		Hostname:          n.Hostname,
		Alias:             n.Alias,
		Port:              n.Port,
		Username:          n.Username,
		AuthMethod:        in.AuthMethod,
		EncryptedPassword: creds.password,
		PrivateKey:        creds.privateKey,
		PublicKey:         creds.publicKey,
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("device registered",
		zap.String("device_id", d.ID.String()),
		zap.String("ip", d.IP),
		zap.String("auth_method", string(d.AuthMethod)),
	)
	return d, nil
}

// Update merges upd over the stored device.
//
// Credential resolution by target method:
//   - password, no password supplied: keep the sealed password if the device
//     already used password auth, otherwise errs.ErrMissingPassword.
//   - password, blank password: errs.ErrMissingPassword.
//   - password, non-blank password: seal and replace.
//   - key, device already on key auth and no password field: keep the pair.
//   - key otherwise: generate a fresh pair.
//
// Switching method clears the other method's material.
func (s *DeviceServiceImpl) Update(ctx context.Context, id uuid.UUID, upd model.DeviceUpdate) (*model.DeviceRecord, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("%w: empty id", errs.ErrValidation)
	}
	cur, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var p model.DevicePatch
	if upd.IP != nil {
		ip, err := validate.IPv4(*upd.IP)
		if err != nil {
			return nil, err
		}
		if ip != cur.IP {
			if err := s.ensureIPFree(ctx, ip, id); err != nil {
				return nil, err
			}
		}
		p.IP = &ip
	}
	if upd.Hostname != nil {
		p.Hostname = model.Some(validate.OptionalString(upd.Hostname))
	}
	if upd.Alias != nil {
		p.Alias = model.Some(validate.OptionalString(upd.Alias))
	}
	if upd.Port != nil {
		p.Port = model.Some(validate.Port(upd.Port))
	}
	if upd.Username != nil {
		p.Username = model.Some(validate.OptionalString(upd.Username))
	}

	target := cur.AuthMethod
	if upd.AuthMethod != nil {
		if !upd.AuthMethod.Valid() {
			return nil, fmt.Errorf("%w: unknown auth method %q", errs.ErrValidation, *upd.AuthMethod)
		}
		target = *upd.AuthMethod
	}

	if err := s.resolveCredentials(cur, target, upd.Password, &p); err != nil {
		return nil, err
	}

	d, err := s.repo.Update(ctx, id, p)
	if err != nil {
		return nil, err
	}
	s.log.Info("device updated",
		zap.String("device_id", d.ID.String()),
		zap.String("auth_method", string(d.AuthMethod)),
	)
	return d, nil
}

func (s *DeviceServiceImpl) resolveCredentials(cur *model.DeviceRecord, target model.AuthMethod, password *string, p *model.DevicePatch) error {
	switch target {
	case model.AuthPassword:
		if password == nil {
			if cur.AuthMethod == model.AuthPassword && cur.EncryptedPassword != nil {
				return nil
			}
			return errs.ErrMissingPassword
		}
		creds, err := s.sealPassword(validate.OptionalString(password))
		if err != nil {
			return err
		}
		s.applyCredentials(target, creds, p)
	case model.AuthKey:
		if cur.AuthMethod == model.AuthKey && password == nil && cur.PrivateKey != nil {
			return nil
		}
		creds, err := s.newKeyPair()
		if err != nil {
			return err
		}
		s.applyCredentials(target, creds, p)
	}
	return nil
}

func (s *DeviceServiceImpl) applyCredentials(target model.AuthMethod, c credentials, p *model.DevicePatch) {
	p.AuthMethod = &target
	p.EncryptedPassword = model.Some(c.password)
	p.PrivateKey = model.Some(c.privateKey)
	p.PublicKey = model.Some(c.publicKey)
}

// Remove deletes an existing device.
func (s *DeviceServiceImpl) Remove(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("%w: empty id", errs.ErrValidation)
	}
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("device removed", zap.String("device_id", id.String()))
	return nil
}
