package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/and161185/nodex/internal/errs"
	"github.com/and161185/nodex/internal/model"
)

// Remote defaults.
const (
	DefaultDialTimeout = 15 * time.Second
	DefaultKeepAlive   = 10 * time.Second

	keepAliveRequest = "keepalive@openssh.com"
	// keepAliveCountMax unanswered keepalives in a row end the session.
	keepAliveCountMax = 3
)

var (
	errKeepAliveTimeout = errors.New("keepalive reply timed out")
	errKeepAliveQuit    = errors.New("keepalive stopped")
)

// SecretOpener opens sealed device secrets.
type SecretOpener interface {
	Decrypt(payload model.EncryptedSecret) (string, error)
}

// RemoteConfig configures SSH sessions.
type RemoteConfig struct {
	HostKeyCallback ssh.HostKeyCallback
	// DialTimeout bounds the TCP connect and the SSH handshake together.
	DialTimeout time.Duration
	// KeepAlive is the keepalive request interval; zero disables it.
	KeepAlive time.Duration
	// StripControlSequences removes ANSI escape sequences from output.
	StripControlSequences bool
}

// RemoteManager runs interactive shells on registered devices over SSH.
type RemoteManager struct {
	reg    *registry
	opener SecretOpener
	cfg    RemoteConfig
	log    *zap.Logger
	dial   func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewRemoteManager constructs a RemoteManager. A nil host key callback
// rejects every host.
func NewRemoteManager(opener SecretOpener, cfg RemoteConfig, log *zap.Logger) *RemoteManager {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.HostKeyCallback == nil {
		cfg.HostKeyCallback = func(host string, _ net.Addr, _ ssh.PublicKey) error {
			return fmt.Errorf("%w: no host key policy configured for %s", errs.ErrTransport, host)
		}
	}
	var d net.Dialer
	return &RemoteManager{reg: newRegistry(), opener: opener, cfg: cfg, log: log, dial: d.DialContext}
}

func (m *RemoteManager) authMethods(d model.DeviceRecord) ([]ssh.AuthMethod, error) {
	switch d.AuthMethod {
	case model.AuthPassword:
		if d.EncryptedPassword == nil {
			return nil, fmt.Errorf("%w: device has no stored password", errs.ErrMissingCredentials)
		}
		pw, err := m.opener.Decrypt(*d.EncryptedPassword)
		if err != nil {
			return nil, fmt.Errorf("credentials unreadable: %w", err)
		}
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			out := make([]string, len(questions))
			for i := range out {
				out[i] = pw
			}
			return out, nil
		}
		return []ssh.AuthMethod{ssh.Password(pw), ssh.KeyboardInteractive(answer)}, nil
	case model.AuthKey:
		if d.PrivateKey == nil {
			return nil, fmt.Errorf("%w: device has no stored private key", errs.ErrMissingCredentials)
		}
		pem, err := m.opener.Decrypt(*d.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("credentials unreadable: %w", err)
		}
		signer, err := ssh.ParsePrivateKey([]byte(pem))
		if err != nil {
			return nil, fmt.Errorf("%w: parse private key: %w", errs.ErrCrypto, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown auth method %q", errs.ErrMissingCredentials, d.AuthMethod)
	}
}

func (m *RemoteManager) connect(ctx context.Context, d model.DeviceRecord, auth []ssh.AuthMethod) (*ssh.Client, error) {
	addr := net.JoinHostPort(d.IP, strconv.Itoa(d.SSHPort()))

	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	conn, err := m.dial(dctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", errs.ErrTransport, addr, err)
	}
	if dl, ok := dctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            *d.Username,
		Auth:            auth,
		HostKeyCallback: m.cfg.HostKeyCallback,
		Timeout:         m.cfg.DialTimeout,
	})
	if err != nil {
		_ = conn.Close()
		if errors.Is(err, errs.ErrTransport) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: handshake %s: %w", errs.ErrTransport, addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(cc, chans, reqs), nil
}

type shellPipes struct {
	sess   *ssh.Session
	stdin  io.Writer
	stdout io.Reader
	stderr io.Reader
}

func openShell(client *ssh.Client) (*shellPipes, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, err
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.IUTF8:         1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(TermType, DefaultRows, DefaultCols, modes); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	p := &shellPipes{sess: sess}
	if p.stdin, err = sess.StdinPipe(); err != nil {
		_ = sess.Close()
		return nil, err
	}
	if p.stdout, err = sess.StdoutPipe(); err != nil {
		_ = sess.Close()
		return nil, err
	}
	if p.stderr, err = sess.StderrPipe(); err != nil {
		_ = sess.Close()
		return nil, err
	}
	if err := sess.Shell(); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}
	return p, nil
}

// Start connects to d and opens an interactive shell. It returns the
// session id once the shell is running and its output is being delivered
// to sink; any failure before that is returned instead and nothing is sent
// to sink.
func (m *RemoteManager) Start(ctx context.Context, d model.DeviceRecord, sink Sink) (string, error) {
	if d.Username == nil || strings.TrimSpace(*d.Username) == "" {
		return "", fmt.Errorf("%w: device has no username", errs.ErrMissingCredentials)
	}
	auth, err := m.authMethods(d)
	if err != nil {
		return "", err
	}
	id, err := newSessionID()
	if err != nil {
		return "", err
	}

	client, err := m.connect(ctx, d, auth)
	if err != nil {
		return "", err
	}
	pipes, err := openShell(client)
	if err != nil {
		_ = client.Close()
		return "", fmt.Errorf("%w: %w", errs.ErrTransport, err)
	}

	s := &session{
		id:     id,
		kind:   model.SessionRemote,
		stdin:  pipes.stdin,
		resize: func(cols, rows int) error { return pipes.sess.WindowChange(rows, cols) },
		terminate: func() error {
			_ = pipes.sess.Close()
			return client.Close()
		},
		done: make(chan struct{}),
	}
	m.reg.add(s)

	var readers sync.WaitGroup
	for _, r := range []io.Reader{pipes.stdout, pipes.stderr} {
		var filter *ControlFilter
		if m.cfg.StripControlSequences {
			filter = NewControlFilter()
		}
		readers.Add(1)
		go func() {
			defer readers.Done()
			pump(s, r, sink, filter, nil, m.log)
		}()
	}
	kaQuit, kaDone := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(kaDone)
		m.keepAlive(s, client, sink, kaQuit)
	}()
	go func() {
		waitErr := pipes.sess.Wait()
		readers.Wait()

		m.reg.remove(s.id)
		stopped := s.stopping.Load()
		_ = s.stop()
		// keepalive may still report an error; it must do so before OnClose
		close(kaQuit)
		<-kaDone

		details, err := remoteExit(waitErr)
		if err != nil && !stopped {
			sink.OnError(s.id, fmt.Errorf("%w: %w", errs.ErrTransport, err))
		}
		close(s.done)
		m.log.Info("remote session closed", zap.String("session_id", s.id), zap.Bool("stopped", stopped))
		sink.OnClose(s.id, details)
	}()

	m.log.Info("remote session started",
		zap.String("session_id", id),
		zap.String("device_id", d.ID.String()),
		zap.String("ip", d.IP),
	)
	return id, nil
}

// keepAlive sends keepalive requests until quit is closed. A request that
// fails, or keepAliveCountMax requests in a row left unanswered for a full
// interval, is reported to sink and stops the session.
func (m *RemoteManager) keepAlive(s *session, client *ssh.Client, sink Sink, quit <-chan struct{}) {
	if m.cfg.KeepAlive <= 0 {
		return
	}
	t := time.NewTicker(m.cfg.KeepAlive)
	defer t.Stop()
	missed := 0
	for {
		select {
		case <-quit:
			return
		case <-t.C:
		}
		err := m.ping(client, quit)
		switch {
		case err == nil:
			missed = 0
			continue
		case errors.Is(err, errKeepAliveQuit):
			return
		case errors.Is(err, errKeepAliveTimeout):
			missed++
			if missed < keepAliveCountMax {
				continue
			}
			err = fmt.Errorf("%d keepalives unanswered", missed)
		}
		if !s.stopping.Load() {
			m.log.Warn("keepalive failed", zap.String("session_id", s.id), zap.Error(err))
			sink.OnError(s.id, fmt.Errorf("%w: keepalive: %w", errs.ErrTransport, err))
			_ = s.stop()
		}
		return
	}
}

// ping sends one keepalive and waits at most one interval for the reply.
// A request left waiting is released when the connection closes.
func (m *RemoteManager) ping(client *ssh.Client, quit <-chan struct{}) error {
	reply := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest(keepAliveRequest, true, nil)
		reply <- err
	}()
	timer := time.NewTimer(m.cfg.KeepAlive)
	defer timer.Stop()
	select {
	case err := <-reply:
		return err
	case <-timer.C:
		return errKeepAliveTimeout
	case <-quit:
		return errKeepAliveQuit
	}
}

func remoteExit(err error) (model.CloseDetails, error) {
	if err == nil {
		code := 0
		return model.CloseDetails{Code: &code}, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitStatus()
		d := model.CloseDetails{Code: &code}
		if sig := exitErr.Signal(); sig != "" {
			d.Signal = &sig
		}
		return d, nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return model.CloseDetails{}, nil
	}
	return model.CloseDetails{}, err
}

// SendInput writes data to the session's shell.
func (m *RemoteManager) SendInput(id string, data []byte) error { return m.reg.sendInput(id, data) }

// Resize sends a window-change request; unknown ids are ignored.
func (m *RemoteManager) Resize(id string, cols, rows int) error {
	if err := m.reg.resizeSession(id, cols, rows); err != nil {
		return fmt.Errorf("%w: window change: %w", errs.ErrTransport, err)
	}
	return nil
}

// Stop closes the session's channel and connection; unknown ids are ignored.
func (m *RemoteManager) Stop(id string) error {
	if err := m.reg.stopSession(id); err != nil && !errors.Is(err, net.ErrClosed) {
		m.log.Debug("remote session stop", zap.String("session_id", id), zap.Error(err))
	}
	return nil
}

// Active returns the number of live sessions.
func (m *RemoteManager) Active() int { return m.reg.len() }

// Close stops every live session.
func (m *RemoteManager) Close() { m.reg.stopAll() }
