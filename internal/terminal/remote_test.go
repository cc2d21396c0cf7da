package terminal

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/ssh"

	pkgcrypto "github.com/and161185/nodex/internal/crypto"
	"github.com/and161185/nodex/internal/errs"
	"github.com/and161185/nodex/internal/model"
)

// sshServer is a minimal in-process SSH server whose shell echoes input
// lines back as "echo:<line>" and exits with status 7 on "exit".
type sshServer struct {
	t        *testing.T
	ln       net.Listener
	hostKey  ssh.Signer
	password string
	authKey  ssh.PublicKey

	// ignoreGlobal leaves global requests such as keepalives unanswered.
	ignoreGlobal atomic.Bool

	mu      sync.Mutex
	windows [][2]uint32
	conns   []net.Conn
	wg      sync.WaitGroup
}

func newSSHServer(t *testing.T, password string, authKey ssh.PublicKey) *sshServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &sshServer{t: t, ln: ln, hostKey: signer, password: password, authKey: authKey}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(func() {
		_ = ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *sshServer) port() int { return s.ln.Addr().(*net.TCPAddr).Port }

func (s *sshServer) config() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if s.password != "" && string(pw) == s.password {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if s.authKey != nil && bytes.Equal(key.Marshal(), s.authKey.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	cfg.AddHostKey(s.hostKey)
	return cfg
}

func (s *sshServer) serve() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(c)
		}()
	}
}

func (s *sshServer) handleConn(c net.Conn) {
	defer c.Close()
	_, chans, reqs, err := ssh.NewServerConn(c, s.config())
	if err != nil {
		return
	}
	if s.ignoreGlobal.Load() {
		go func() {
			for range reqs {
			}
		}()
	} else {
		go ssh.DiscardRequests(reqs)
	}
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, creqs, err := nc.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleSession(ch, creqs)
		}()
	}
}

func (s *sshServer) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			_ = req.Reply(true, nil)
		case "window-change":
			var wc struct{ Cols, Rows, W, H uint32 }
			if ssh.Unmarshal(req.Payload, &wc) == nil {
				s.mu.Lock()
				s.windows = append(s.windows, [2]uint32{wc.Cols, wc.Rows})
				s.mu.Unlock()
			}
		case "shell":
			_ = req.Reply(true, nil)
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.shell(ch)
			}()
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *sshServer) shell(ch ssh.Channel) {
	defer ch.Close()
	_, _ = ch.Write([]byte("\x1b[1mready\x1b[0m\r\n"))
	_, _ = ch.Stderr().Write([]byte("warn: banner\r\n"))
	r := bufio.NewReader(ch)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		if line == "exit\n" {
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{7}))
			return
		}
		_, _ = ch.Write([]byte("echo:" + line))
	}
}

// dropAll closes every accepted TCP connection without an SSH goodbye.
func (s *sshServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
}

func (s *sshServer) windowChanges() [][2]uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]uint32(nil), s.windows...)
}

func testCipher(t *testing.T) *pkgcrypto.Cipher {
	t.Helper()
	key, err := pkgcrypto.RandBytes(pkgcrypto.KeyLen)
	require.NoError(t, err)
	return pkgcrypto.NewCipher(pkgcrypto.StaticKey(base64.StdEncoding.EncodeToString(key)))
}

func sealed(t *testing.T, c *pkgcrypto.Cipher, pt string) *model.EncryptedSecret {
	t.Helper()
	s, err := c.Encrypt(pt)
	require.NoError(t, err)
	return &s
}

func strp(s string) *string { return &s }

func passwordDevice(t *testing.T, c *pkgcrypto.Cipher, port int, pw string) model.DeviceRecord {
	return model.DeviceRecord{
		ID:                uuid.Must(uuid.NewV4()),
		IP:                "127.0.0.1",
		Port:              &port,
		Username:          strp("pi"),
		AuthMethod:        model.AuthPassword,
		EncryptedPassword: sealed(t, c, pw),
	}
}

func newRemote(t *testing.T, c *pkgcrypto.Cipher, srv *sshServer, strip bool) *RemoteManager {
	t.Helper()
	m := NewRemoteManager(c, RemoteConfig{
		HostKeyCallback:       ssh.FixedHostKey(srv.hostKey.PublicKey()),
		DialTimeout:           5 * time.Second,
		KeepAlive:             50 * time.Millisecond,
		StripControlSequences: strip,
	}, zaptest.NewLogger(t))
	t.Cleanup(m.Close)
	return m
}

func TestRemote_PasswordSessionLifecycle(t *testing.T) {
	c := testCipher(t)
	srv := newSSHServer(t, "secret", nil)
	m := newRemote(t, c, srv, true)
	sink := NewChanSink(64)

	id, err := m.Start(context.Background(), passwordDevice(t, c, srv.port(), "secret"), sink)
	require.NoError(t, err)
	require.Equal(t, 1, m.Active())

	out, _ := collect(t, sink, contains("ready\r\n"))
	require.NotContains(t, string(out), "\x1b[", "control sequences are stripped")

	require.NoError(t, m.SendInput(id, []byte("hello\n")))
	_, _ = collect(t, sink, contains("echo:hello"))

	require.NoError(t, m.Resize(id, 132, 0))
	require.Eventually(t, func() bool {
		w := srv.windowChanges()
		return len(w) == 1 && w[0] == [2]uint32{132, 1}
	}, eventTimeout, 10*time.Millisecond)

	// keepalive requests are answered by the server and do not disturb the session
	time.Sleep(150 * time.Millisecond)

	require.NoError(t, m.SendInput(id, []byte("exit\n")))
	_, closed := collect(t, sink, nil)
	require.NotNil(t, closed)
	require.NotNil(t, closed.Close.Code)
	require.Equal(t, 7, *closed.Close.Code)
	require.Equal(t, 0, m.Active())
	require.ErrorIs(t, m.SendInput(id, []byte("x")), errs.ErrUnknownSession)
}

// orderSink records errors and counts callbacks that arrive after OnClose.
type orderSink struct {
	mu     sync.Mutex
	errs   []error
	late   int
	closed bool
	done   chan struct{}
}

func newOrderSink() *orderSink { return &orderSink{done: make(chan struct{})} }

func (o *orderSink) OnData(string, []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		o.late++
	}
}

func (o *orderSink) OnError(_ string, err error) {
	// widen the window in which a close could overtake this call
	time.Sleep(5 * time.Millisecond)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		o.late++
	}
	o.errs = append(o.errs, err)
}

func (o *orderSink) OnClose(string, model.CloseDetails) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		o.late++
	}
	o.closed = true
	close(o.done)
}

func (o *orderSink) wait(t *testing.T) (errs []error, late int) {
	t.Helper()
	select {
	case <-o.done:
	case <-time.After(eventTimeout):
		t.Fatal("session was not closed")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.errs...), o.late
}

func TestRemote_UnansweredKeepAlivesEndSession(t *testing.T) {
	c := testCipher(t)
	srv := newSSHServer(t, "secret", nil)
	srv.ignoreGlobal.Store(true)
	m := NewRemoteManager(c, RemoteConfig{
		HostKeyCallback: ssh.FixedHostKey(srv.hostKey.PublicKey()),
		DialTimeout:     5 * time.Second,
		KeepAlive:       20 * time.Millisecond,
	}, zaptest.NewLogger(t))
	t.Cleanup(m.Close)
	sink := newOrderSink()

	_, err := m.Start(context.Background(), passwordDevice(t, c, srv.port(), "secret"), sink)
	require.NoError(t, err)

	errList, late := sink.wait(t)
	require.Zero(t, late)
	require.Len(t, errList, 1)
	require.ErrorIs(t, errList[0], errs.ErrTransport)
	require.Contains(t, errList[0].Error(), "keepalive")
	require.Equal(t, 0, m.Active())
}

func TestRemote_DroppedConnectionClosesAfterErrors(t *testing.T) {
	for i := 0; i < 20; i++ {
		c := testCipher(t)
		srv := newSSHServer(t, "secret", nil)
		m := NewRemoteManager(c, RemoteConfig{
			HostKeyCallback: ssh.FixedHostKey(srv.hostKey.PublicKey()),
			DialTimeout:     5 * time.Second,
			KeepAlive:       time.Millisecond,
		}, zaptest.NewLogger(t))
		sink := newOrderSink()

		_, err := m.Start(context.Background(), passwordDevice(t, c, srv.port(), "secret"), sink)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		srv.dropAll()

		_, late := sink.wait(t)
		require.Zero(t, late, "callback after close")
		require.Equal(t, 0, m.Active())
		m.Close()
	}
}

func TestRemote_KeySessionAndStop(t *testing.T) {
	c := testCipher(t)
	kp, err := pkgcrypto.NewKeyGenerator().Generate()
	require.NoError(t, err)
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(kp.PublicKey))
	require.NoError(t, err)

	srv := newSSHServer(t, "", pub)
	m := newRemote(t, c, srv, false)
	sink := NewChanSink(64)

	port := srv.port()
	d := model.DeviceRecord{
		ID: uuid.Must(uuid.NewV4()), IP: "127.0.0.1", Port: &port, Username: strp("pi"),
		AuthMethod: model.AuthKey, PrivateKey: sealed(t, c, kp.PrivateKey), PublicKey: &kp.PublicKey,
	}
	id, err := m.Start(context.Background(), d, sink)
	require.NoError(t, err)
	out, _ := collect(t, sink, contains("warn: banner"))
	require.Contains(t, string(out), "\x1b[1m", "control sequences kept when stripping is off")

	require.NoError(t, m.Stop(id))
	require.NoError(t, m.Stop(id))
	require.ErrorIs(t, m.SendInput(id, []byte("late\n")), errs.ErrUnknownSession)

	_, closed := collect(t, sink, nil)
	require.NotNil(t, closed)
	require.Equal(t, id, closed.SessionID)
}

func TestRemote_StartFailures(t *testing.T) {
	c := testCipher(t)
	srv := newSSHServer(t, "secret", nil)
	m := newRemote(t, c, srv, false)
	ctx := context.Background()

	d := passwordDevice(t, c, srv.port(), "secret")
	d.Username = strp("  ")
	_, err := m.Start(ctx, d, NewChanSink(1))
	require.ErrorIs(t, err, errs.ErrMissingCredentials)

	d = passwordDevice(t, c, srv.port(), "secret")
	d.EncryptedPassword = nil
	_, err = m.Start(ctx, d, NewChanSink(1))
	require.ErrorIs(t, err, errs.ErrMissingCredentials)

	d = passwordDevice(t, c, srv.port(), "secret")
	d.AuthMethod = model.AuthKey
	_, err = m.Start(ctx, d, NewChanSink(1))
	require.ErrorIs(t, err, errs.ErrMissingCredentials)

	d = passwordDevice(t, c, srv.port(), "secret")
	bad := model.EncryptedSecret("AAAA:AAAA:AAAA")
	d.EncryptedPassword = &bad
	_, err = m.Start(ctx, d, NewChanSink(1))
	require.ErrorIs(t, err, errs.ErrCrypto)

	_, err = m.Start(ctx, passwordDevice(t, c, srv.port(), "wrong"), NewChanSink(1))
	require.ErrorIs(t, err, errs.ErrTransport)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedPort := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	_, err = m.Start(ctx, passwordDevice(t, c, closedPort, "secret"), NewChanSink(1))
	require.ErrorIs(t, err, errs.ErrTransport)

	require.Equal(t, 0, m.Active())
}

func TestRemote_HostKeyRejected(t *testing.T) {
	c := testCipher(t)
	srv := newSSHServer(t, "secret", nil)
	m := NewRemoteManager(c, RemoteConfig{DialTimeout: 2 * time.Second}, zaptest.NewLogger(t))

	_, err := m.Start(context.Background(), passwordDevice(t, c, srv.port(), "secret"), NewChanSink(1))
	require.ErrorIs(t, err, errs.ErrTransport)
	require.Contains(t, err.Error(), "127.0.0.1:"+strconv.Itoa(srv.port()))
}

func TestRemoteExit(t *testing.T) {
	t.Parallel()

	d, err := remoteExit(nil)
	require.NoError(t, err)
	require.Equal(t, 0, *d.Code)

	d, err = remoteExit(&ssh.ExitMissingError{})
	require.NoError(t, err)
	require.Nil(t, d.Code)

	_, err = remoteExit(errors.New("connection lost"))
	require.Error(t, err)
}
