// Package config holds the defaults shared by the nodex daemon and CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/and161185/nodex/internal/errs"
)

const (
	// AppDir is the per-user directory name under the config and runtime roots.
	AppDir = "nodex"
	// FallbackListen is used when no per-user runtime directory exists.
	FallbackListen = "127.0.0.1:7422"
	// AddrEnv overrides the CLI's daemon address.
	AddrEnv = "NODEX_ADDR"

	unixScheme = "unix://"
)

// DefaultListen returns unix://$XDG_RUNTIME_DIR/nodex.sock, or FallbackListen
// when XDG_RUNTIME_DIR is unset.
func DefaultListen() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return unixScheme + filepath.Join(dir, AppDir+".sock")
	}
	return FallbackListen
}

// ClientAddr is the address the CLI dials: $NODEX_ADDR or DefaultListen.
func ClientAddr() string {
	if v := strings.TrimSpace(os.Getenv(AddrEnv)); v != "" {
		return v
	}
	return DefaultListen()
}

// ParseListen splits a listen address into a net.Listen network and address.
// "unix:///run/x.sock" and "unix:/run/x.sock" are unix sockets, anything else is TCP.
func ParseListen(addr string) (network, address string, err error) {
	addr = strings.TrimSpace(addr)
	switch {
	case addr == "":
		return "", "", fmt.Errorf("%w: empty listen address", errs.ErrConfiguration)
	case strings.HasPrefix(addr, unixScheme):
		address = strings.TrimPrefix(addr, unixScheme)
	case strings.HasPrefix(addr, "unix:"):
		address = strings.TrimPrefix(addr, "unix:")
	default:
		return "tcp", addr, nil
	}
	if address == "" {
		return "", "", fmt.Errorf("%w: unix listen address %q has no path", errs.ErrConfiguration, addr)
	}
	return "unix", address, nil
}

// DialTarget turns a listen address into a gRPC dial target.
func DialTarget(addr string) (string, error) {
	network, address, err := ParseListen(addr)
	if err != nil {
		return "", err
	}
	if network == "unix" {
		return "unix://" + address, nil
	}
	return "passthrough:///" + address, nil
}

// DataDir returns $XDG_CONFIG_HOME/nodex (or the platform equivalent).
func DataDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, AppDir)
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, AppDir)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", AppDir)
}

// DefaultDataPath is the JSON device store location.
func DefaultDataPath() string { return filepath.Join(DataDir(), "devices.json") }

// KnownHostsPath returns the known_hosts file kept next to the device store at dataPath.
func KnownHostsPath(dataPath string) string {
	return filepath.Join(filepath.Dir(dataPath), "known_hosts")
}
