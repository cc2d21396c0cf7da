package terminal

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/and161185/nodex/internal/errs"
)

// HostKeyPolicy selects how remote host keys are verified.
type HostKeyPolicy string

const (
	// HostKeyAcceptAny accepts every host key without recording it.
	HostKeyAcceptAny HostKeyPolicy = "accept-any"
	// HostKeyTOFU records the first key seen for a host and rejects later changes.
	HostKeyTOFU HostKeyPolicy = "tofu"
	// HostKeyStrict accepts only hosts already present in known_hosts.
	HostKeyStrict HostKeyPolicy = "strict"
)

// ParseHostKeyPolicy validates s.
func ParseHostKeyPolicy(s string) (HostKeyPolicy, error) {
	switch p := HostKeyPolicy(s); p {
	case HostKeyAcceptAny, HostKeyTOFU, HostKeyStrict:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown host key policy %q", errs.ErrConfiguration, s)
}

// NewHostKeyCallback builds the callback for policy. knownHostsPath is
// created if missing and ignored for HostKeyAcceptAny.
func NewHostKeyCallback(policy HostKeyPolicy, knownHostsPath string, log *zap.Logger) (ssh.HostKeyCallback, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch policy {
	case HostKeyAcceptAny:
		log.Warn("host key verification disabled")
		//nolint:gosec // explicit opt-in for ad hoc LAN devices
		return ssh.InsecureIgnoreHostKey(), nil
	case HostKeyTOFU, HostKeyStrict:
	default:
		return nil, fmt.Errorf("%w: unknown host key policy %q", errs.ErrConfiguration, policy)
	}

	if err := ensureKnownHosts(knownHostsPath); err != nil {
		return nil, fmt.Errorf("%w: known_hosts: %w", errs.ErrConfiguration, err)
	}
	kh := &knownHosts{path: knownHostsPath, tofu: policy == HostKeyTOFU, log: log}
	if err := kh.reload(); err != nil {
		return nil, fmt.Errorf("%w: known_hosts: %w", errs.ErrConfiguration, err)
	}
	return kh.check, nil
}

func ensureKnownHosts(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

type knownHosts struct {
	path string
	tofu bool
	log  *zap.Logger

	mu sync.Mutex
	cb ssh.HostKeyCallback
}

func (k *knownHosts) reload() error {
	cb, err := knownhosts.New(k.path)
	if err != nil {
		return err
	}
	k.cb = cb
	return nil
}

func (k *knownHosts) check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	err := k.cb(hostname, remote, key)
	if err == nil {
		return nil
	}
	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return fmt.Errorf("%w: host key: %w", errs.ErrTransport, err)
	}
	if len(keyErr.Want) > 0 {
		k.log.Warn("host key mismatch",
			zap.String("host", hostname),
			zap.String("fingerprint", ssh.FingerprintSHA256(key)),
		)
		return fmt.Errorf("%w: host key for %s changed", errs.ErrTransport, hostname)
	}
	if !k.tofu {
		return fmt.Errorf("%w: host %s is not in known_hosts", errs.ErrTransport, hostname)
	}

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	f, err := os.OpenFile(k.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("%w: record host key: %w", errs.ErrTransport, err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: record host key: %w", errs.ErrTransport, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: record host key: %w", errs.ErrTransport, err)
	}
	k.log.Info("host key recorded",
		zap.String("host", hostname),
		zap.String("fingerprint", ssh.FingerprintSHA256(key)),
	)
	return k.reload()
}
