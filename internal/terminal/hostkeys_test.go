package terminal

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/ssh"

	"github.com/and161185/nodex/internal/errs"
)

func newHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	k, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return k
}

var testRemote = &net.TCPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 22}

func TestHostKeys_TOFURecordsThenPins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodex", "known_hosts")
	core, logs := observer.New(zap.InfoLevel)
	cb, err := NewHostKeyCallback(HostKeyTOFU, path, zap.New(core))
	require.NoError(t, err)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	first := newHostKey(t)
	require.NoError(t, cb("192.168.1.20:22", testRemote, first))
	require.Equal(t, 1, logs.FilterMessage("host key recorded").Len())
	require.NoError(t, cb("192.168.1.20:22", testRemote, first))
	require.Equal(t, 1, logs.FilterMessage("host key recorded").Len())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(raw), "192.168.1.20 "), "default port is normalized away: %q", raw)

	err = cb("192.168.1.20:22", testRemote, newHostKey(t))
	require.ErrorIs(t, err, errs.ErrTransport)
	require.Equal(t, 1, logs.FilterMessage("host key mismatch").Len())

	// a fresh callback over the same file still pins the recorded key
	cb2, err := NewHostKeyCallback(HostKeyStrict, path, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, cb2("192.168.1.20:22", testRemote, first))
}

func TestHostKeys_NonDefaultPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	cb, err := NewHostKeyCallback(HostKeyTOFU, path, zaptest.NewLogger(t))
	require.NoError(t, err)

	k := newHostKey(t)
	require.NoError(t, cb("10.0.0.5:2222", &net.TCPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 2222}, k))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), "[10.0.0.5]:2222 ")

	require.NoError(t, cb("10.0.0.5:22", &net.TCPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 22}, newHostKey(t)), "other port is a distinct host")
}

func TestHostKeys_StrictRejectsUnknown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	cb, err := NewHostKeyCallback(HostKeyStrict, path, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = cb("192.168.1.20:22", testRemote, newHostKey(t))
	require.ErrorIs(t, err, errs.ErrTransport)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Empty(t, raw)
}

func TestHostKeys_AcceptAny(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	cb, err := NewHostKeyCallback(HostKeyAcceptAny, "", zap.New(core))
	require.NoError(t, err)
	require.NoError(t, cb("192.168.1.20:22", testRemote, newHostKey(t)))
	require.Equal(t, 1, logs.Len())
}

func TestParseHostKeyPolicy(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"accept-any", "tofu", "strict"} {
		p, err := ParseHostKeyPolicy(s)
		require.NoError(t, err)
		require.Equal(t, HostKeyPolicy(s), p)
	}
	_, err := ParseHostKeyPolicy("yolo")
	require.ErrorIs(t, err, errs.ErrConfiguration)

	_, err = NewHostKeyCallback("yolo", "", nil)
	require.ErrorIs(t, err, errs.ErrConfiguration)
}
