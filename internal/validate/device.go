// Package validate normalizes device input before it reaches the store.
package validate

import (
	"fmt"
	"math"
	"net/netip"
	"strings"

	"github.com/and161185/nodex/internal/errs"
	"github.com/and161185/nodex/internal/model"
)

// Normalized is validated device input. Nil optional fields mean "unset".
// Port is left unset when out of range; the default is applied by consumers.
type Normalized struct {
	IP       string
	Hostname *string
	Alias    *string
	Port     *int
	Username *string
	Password *string
}

// Device normalizes in without modifying it.
func Device(in model.DeviceInput) (Normalized, error) {
	ip, err := IPv4(in.IP)
	if err != nil {
		return Normalized{}, err
	}
	return Normalized{
		IP:       ip,
		Hostname: OptionalString(in.Hostname),
		Alias:    OptionalString(in.Alias),
		Port:     Port(in.Port),
		Username: OptionalString(in.Username),
		Password: OptionalString(in.Password),
	}, nil
}

// IPv4 trims s and requires a dotted-quad IPv4 address without leading zeros.
func IPv4(s string) (string, error) {
	ip := strings.TrimSpace(s)
	addr, err := netip.ParseAddr(ip)
	if err != nil || !addr.Is4() || addr.String() != ip {
		return "", fmt.Errorf("%w: invalid IPv4 address", errs.ErrValidation)
	}
	return ip, nil
}

// OptionalString trims s; nil and blank both normalize to nil.
func OptionalString(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}

// Port rounds p to the nearest integer and keeps it only within [1, 65535].
func Port(p *float64) *int {
	if p == nil || math.IsNaN(*p) || math.IsInf(*p, 0) {
		return nil
	}
	r := math.Round(*p)
	if r < 1 || r > 65535 {
		return nil
	}
	v := int(r)
	return &v
}
