// Package model defines domain entities used by services, repositories and session managers.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// DefaultSSHPort is used when a device has no port set.
const DefaultSSHPort = 22

// AuthMethod selects which credential a device uses for SSH.
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthKey      AuthMethod = "key"
)

// Valid reports whether m is a known auth method.
func (m AuthMethod) Valid() bool { return m == AuthPassword || m == AuthKey }

// EncryptedSecret is an opaque sealed string: base64(nonce):base64(ciphertext):base64(tag).
type EncryptedSecret string

// DeviceRecord is a registered endpoint. Exactly one of EncryptedPassword or
// (PrivateKey, PublicKey) is populated, selected by AuthMethod.
type DeviceRecord struct {
	ID                uuid.UUID        `json:"id"`
	IP                string           `json:"ip"`
	Hostname          *string          `json:"hostname"`
	Alias             *string          `json:"alias"`
	Port              *int             `json:"port"`
	Username          *string          `json:"username"`
	AuthMethod        AuthMethod       `json:"authMethod"`
	EncryptedPassword *EncryptedSecret `json:"encryptedPassword"`
	PrivateKey        *EncryptedSecret `json:"privateKey"` // sealed OpenSSH PEM
	PublicKey         *string          `json:"publicKey"`  // authorized_keys line, not secret
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

// SSHPort returns the configured port or DefaultSSHPort.
func (d DeviceRecord) SSHPort() int {
	if d.Port != nil && *d.Port > 0 {
		return *d.Port
	}
	return DefaultSSHPort
}

// DeviceInput is a registration request as received from the boundary.
// Port is a float so fractional input can be rounded by the validator.
type DeviceInput struct {
	IP         string     `json:"ip"`
	Hostname   *string    `json:"hostname,omitempty"`
	Alias      *string    `json:"alias,omitempty"`
	Port       *float64   `json:"port,omitempty"`
	Username   *string    `json:"username,omitempty"`
	AuthMethod AuthMethod `json:"authMethod"`
	Password   *string    `json:"password,omitempty"`
}

// DeviceUpdate is a partial update request; nil fields are not supplied.
type DeviceUpdate struct {
	IP         *string     `json:"ip,omitempty"`
	Hostname   *string     `json:"hostname,omitempty"`
	Alias      *string     `json:"alias,omitempty"`
	Port       *float64    `json:"port,omitempty"`
	Username   *string     `json:"username,omitempty"`
	AuthMethod *AuthMethod `json:"authMethod,omitempty"`
	Password   *string     `json:"password,omitempty"`
}

// NewDevice holds the fields a repository needs to create a record; the
// repository assigns ID and timestamps.
type NewDevice struct {
	IP                string
	Hostname          *string
	Alias             *string
	Port              *int
	Username          *string
	AuthMethod        AuthMethod
	EncryptedPassword *EncryptedSecret
	PrivateKey        *EncryptedSecret
	PublicKey         *string
}

// Opt is one patch field: Set reports whether it is supplied, a nil Value clears it.
type Opt[T any] struct {
	Set   bool
	Value *T
}

// Some returns a supplied patch field.
func Some[T any](v *T) Opt[T] { return Opt[T]{Set: true, Value: v} }

// DevicePatch is a repository-level partial update. Unset fields are preserved verbatim.
type DevicePatch struct {
	IP                *string
	Hostname          Opt[string]
	Alias             Opt[string]
	Port              Opt[int]
	Username          Opt[string]
	AuthMethod        *AuthMethod
	EncryptedPassword Opt[EncryptedSecret]
	PrivateKey        Opt[EncryptedSecret]
	PublicKey         Opt[string]
}

// Apply merges p over d and stamps UpdatedAt, never earlier than CreatedAt.
func (d DeviceRecord) Apply(p DevicePatch, now time.Time) DeviceRecord {
	out := d
	if p.IP != nil {
		out.IP = *p.IP
	}
	applyOpt(&out.Hostname, p.Hostname)
	applyOpt(&out.Alias, p.Alias)
	applyOpt(&out.Port, p.Port)
	applyOpt(&out.Username, p.Username)
	if p.AuthMethod != nil {
		out.AuthMethod = *p.AuthMethod
	}
	applyOpt(&out.EncryptedPassword, p.EncryptedPassword)
	applyOpt(&out.PrivateKey, p.PrivateKey)
	applyOpt(&out.PublicKey, p.PublicKey)
	if now.Before(out.CreatedAt) {
		now = out.CreatedAt
	}
	out.UpdatedAt = now
	return out
}

func applyOpt[T any](dst **T, o Opt[T]) {
	if !o.Set {
		return
	}
	if o.Value == nil {
		*dst = nil
		return
	}
	v := *o.Value
	*dst = &v
}

// ScanResult is a discovered host with an open SSH port. Never persisted.
type ScanResult struct {
	IP       string  `json:"ip"`
	Hostname *string `json:"hostname"`
}

// SessionKind tells remote (SSH) sessions from local (spawned shell) ones.
type SessionKind string

const (
	SessionRemote SessionKind = "remote"
	SessionLocal  SessionKind = "local"
)

// CloseDetails describes how a session ended; either field may be nil.
type CloseDetails struct {
	Code   *int    `json:"code"`
	Signal *string `json:"signal"`
}
