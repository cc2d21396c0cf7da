package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/and161185/nodex/internal/errs"
	"github.com/and161185/nodex/internal/model"
	"github.com/and161185/nodex/internal/repository"
)

const deviceColumns = `id, ip, hostname, alias, port, username, auth_method, encrypted_password, private_key, public_key, created_at, updated_at`

// DeviceRepo implements DeviceRepository using PostgreSQL.
// IP uniqueness is enforced by the devices_ip_key unique index.
type DeviceRepo struct {
	db    *DB
	now   func() time.Time
	newID func() (uuid.UUID, error)
}

var _ repository.DeviceRepository = (*DeviceRepo)(nil)

// NewDeviceRepo constructs a device repository.
func NewDeviceRepo(db *DB) *DeviceRepo {
	return &DeviceRepo{
		db:    db,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewV4,
	}
}

type deviceRow struct {
	id         uuid.UUID
	ip         string
	hostname   pgtype.Text
	alias      pgtype.Text
	port       pgtype.Int4
	username   pgtype.Text
	authMethod string
	password   pgtype.Text
	privateKey pgtype.Text
	publicKey  pgtype.Text
	createdAt  time.Time
	updatedAt  time.Time
}

func (r *deviceRow) dest() []any {
	return []any{
		&r.id, &r.ip, &r.hostname, &r.alias, &r.port, &r.username, &r.authMethod,
		&r.password, &r.privateKey, &r.publicKey, &r.createdAt, &r.updatedAt,
	}
}

func textPtr(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	s := t.String
	return &s
}

func secretPtr(t pgtype.Text) *model.EncryptedSecret {
	if !t.Valid {
		return nil
	}
	s := model.EncryptedSecret(t.String)
	return &s
}

func (r *deviceRow) record() model.DeviceRecord {
	d := model.DeviceRecord{
		ID:                r.id,
		IP:                r.ip,
		Hostname:          textPtr(r.hostname),
		Alias:             textPtr(r.alias),
		Username:          textPtr(r.username),
		AuthMethod:        model.AuthMethod(r.authMethod),
		EncryptedPassword: secretPtr(r.password),
		PrivateKey:        secretPtr(r.privateKey),
		PublicKey:         textPtr(r.publicKey),
		CreatedAt:         r.createdAt,
		UpdatedAt:         r.updatedAt,
	}
	if r.port.Valid {
		p := int(r.port.Int32)
		d.Port = &p
	}
	return d
}

func secretArg(s *model.EncryptedSecret) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

func (r *DeviceRepo) scanOne(row pgx.Row) (*model.DeviceRecord, error) {
	var dr deviceRow
	if err := row.Scan(dr.dest()...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	d := dr.record()
	return &d, nil
}

// GetAll returns all devices in registration order.
func (r *DeviceRepo) GetAll(ctx context.Context) ([]model.DeviceRecord, error) {
	q := `SELECT ` + deviceColumns + ` FROM devices ORDER BY created_at, id`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.DeviceRecord{}
	for rows.Next() {
		var dr deviceRow
		if err := rows.Scan(dr.dest()...); err != nil {
			return nil, err
		}
		out = append(out, dr.record())
	}
	return out, rows.Err()
}

// GetByID selects a device by id.
func (r *DeviceRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.DeviceRecord, error) {
	q := `SELECT ` + deviceColumns + ` FROM devices WHERE id=$1`
	return r.scanOne(r.db.Pool.QueryRow(ctx, q, id))
}

// GetByIP selects a device by ip.
func (r *DeviceRepo) GetByIP(ctx context.Context, ip string) (*model.DeviceRecord, error) {
	q := `SELECT ` + deviceColumns + ` FROM devices WHERE ip=$1`
	return r.scanOne(r.db.Pool.QueryRow(ctx, q, ip))
}

// Create inserts a new device row.
func (r *DeviceRepo) Create(ctx context.Context, nd model.NewDevice) (*model.DeviceRecord, error) {
	id, err := r.newID()
	if err != nil {
		return nil, err
	}
	now := r.now()
	d := model.DeviceRecord{
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
	const q = `
INSERT INTO devices (id, ip, hostname, alias, port, username, auth_method, encrypted_password, private_key, public_key, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err = r.db.Pool.Exec(ctx, q, deviceArgs(d)...)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("ip %s: %w", d.IP, errs.ErrDuplicateIP)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func deviceArgs(d model.DeviceRecord) []any {
	return []any{
		d.ID, d.IP, d.Hostname, d.Alias, d.Port, d.Username, string(d.AuthMethod),
		secretArg(d.EncryptedPassword), secretArg(d.PrivateKey), d.PublicKey,
		d.CreatedAt, d.UpdatedAt,
	}
}

// Update locks the row, merges p over it and writes the result back.
func (r *DeviceRepo) Update(
	ctx context.Context, id uuid.UUID, p model.DevicePatch,
) (out *model.DeviceRecord, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			out, err = nil, e
		}
	}()

	sel := `SELECT ` + deviceColumns + ` FROM devices WHERE id=$1 FOR UPDATE`
	cur, err := r.scanOne(tx.QueryRow(ctx, sel, id))
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, fmt.Errorf("device %s: %w", id, errs.ErrNotFound)
		}
		return nil, err
	}

	next := cur.Apply(p, r.now())
	const upd = `
UPDATE devices SET ip=$2, hostname=$3, alias=$4, port=$5, username=$6, auth_method=$7,
encrypted_password=$8, private_key=$9, public_key=$10, created_at=$11, updated_at=$12
WHERE id=$1`
	if _, err = tx.Exec(ctx, upd, deviceArgs(next)...); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("ip %s: %w", next.IP, errs.ErrDuplicateIP)
		}
		return nil, err
	}
	return &next, nil
}

// Delete removes a device row; a missing row is not an error.
func (r *DeviceRepo) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM devices WHERE id=$1`
	_, err := r.db.Pool.Exec(ctx, q, id)
	return err
}
