package grpcserver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	pkgcrypto "github.com/and161185/nodex/internal/crypto"
	"github.com/and161185/nodex/internal/errs"
	"github.com/and161185/nodex/internal/model"
	"github.com/and161185/nodex/internal/repository/jsonfile"
	"github.com/and161185/nodex/internal/service"
	"github.com/and161185/nodex/internal/terminal"
)

// fakeSessions stands in for a session manager: input is echoed back as
// "echo:<input>" and Stop closes the session with SIGKILL.
type fakeSessions struct {
	mu       sync.Mutex
	n        int
	sinks    map[string]terminal.Sink
	resized  map[string][2]int
	startErr error
	stopped  chan string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sinks: map[string]terminal.Sink{}, resized: map[string][2]int{}, stopped: make(chan string, 8)}
}

func (f *fakeSessions) start(sink terminal.Sink) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.n++
	id := fmt.Sprintf("s%d", f.n)
	f.sinks[id] = sink
	return id, nil
}

func (f *fakeSessions) take(id string) (terminal.Sink, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sinks[id]
	delete(f.sinks, id)
	return s, ok
}

func (f *fakeSessions) SendInput(id string, data []byte) error {
	f.mu.Lock()
	s, ok := f.sinks[id]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", id, errs.ErrUnknownSession)
	}
	s.OnData(id, append([]byte("echo:"), data...))
	return nil
}

func (f *fakeSessions) Resize(id string, cols, rows int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resized[id] = [2]int{cols, rows}
	return nil
}

func (f *fakeSessions) Stop(id string) error {
	if s, ok := f.take(id); ok {
		sig := "SIGKILL"
		s.OnClose(id, model.CloseDetails{Signal: &sig})
	}
	f.stopped <- id
	return nil
}

// exit ends a session the way a shell exiting on its own would.
func (f *fakeSessions) exit(id string, code int) {
	if s, ok := f.take(id); ok {
		s.OnError(id, fmt.Errorf("%w: connection reset", errs.ErrTransport))
		s.OnClose(id, model.CloseDetails{Code: &code})
	}
}

type fakeRemote struct {
	*fakeSessions
	device model.DeviceRecord
}

func (f *fakeRemote) Start(_ context.Context, d model.DeviceRecord, sink terminal.Sink) (string, error) {
	f.mu.Lock()
	f.device = d
	f.mu.Unlock()
	return f.start(sink)
}

type fakeLocal struct {
	*fakeSessions
	cwd string
}

func (f *fakeLocal) Start(_ context.Context, cwd string, sink terminal.Sink) (string, error) {
	f.mu.Lock()
	f.cwd = cwd
	f.mu.Unlock()
	return f.start(sink)
}

type fakeScanner struct {
	results []model.ScanResult
	err     error
}

func (f fakeScanner) Scan(context.Context) ([]model.ScanResult, error) { return f.results, f.err }

// brokenDevices fails every call with an error that wraps no sentinel.
type brokenDevices struct{ service.DeviceService }

func (brokenDevices) List(context.Context) ([]model.DeviceRecord, error) {
	return nil, errors.New("pq: relation devices does not exist")
}

const bufSize = 1 << 20

type harness struct {
	client *Client
	remote *fakeRemote
	local  *fakeLocal
	logs   *observer.ObservedLogs
}

func newDeviceService(t *testing.T) *service.DeviceServiceImpl {
	t.Helper()
	key, err := pkgcrypto.RandBytes(pkgcrypto.KeyLen)
	require.NoError(t, err)
	cipher := pkgcrypto.NewCipher(pkgcrypto.StaticKey(base64.StdEncoding.EncodeToString(key)))
	repo := jsonfile.NewDeviceRepo(filepath.Join(t.TempDir(), "devices.json"), zap.NewNop())
	return service.NewDeviceService(repo, cipher, pkgcrypto.NewKeyGenerator(), zap.NewNop())
}

func startBufGRPC(t *testing.T, devices service.DeviceService, scanner NetworkScanner) *harness {
	t.Helper()
	core, logs := observer.New(zap.InfoLevel)
	log := zap.New(core)
	h := &harness{
		remote: &fakeRemote{fakeSessions: newFakeSessions()},
		local:  &fakeLocal{fakeSessions: newFakeSessions()},
		logs:   logs,
	}
	srv := New(devices, h.remote, h.local, scanner, log)

	lis := bufconn.Listen(bufSize)
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(RecoverUnary(log), LoggingUnary(log)),
		grpc.ChainStreamInterceptor(RecoverStream(log), LoggingStream(log)),
	)
	RegisterNodexServer(gs, srv)
	go func() { _ = gs.Serve(lis) }()

	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close(); gs.Stop(); _ = lis.Close() })

	h.client = NewClient(cc)
	return h
}

func requireKind(t *testing.T, err error, sentinel error, code codes.Code) {
	t.Helper()
	require.ErrorIs(t, err, sentinel)
	var we *Error
	require.ErrorAs(t, err, &we)
	require.Equal(t, code, we.Status.Code())
	require.Equal(t, errs.Kind(sentinel), we.Kind)
}

func strp(s string) *string { return &s }

func TestServer_DeviceLifecycle(t *testing.T) {
	t.Parallel()

	h := startBufGRPC(t, newDeviceService(t), fakeScanner{})
	ctx := context.Background()

	ds, err := h.client.ListDevices(ctx)
	require.NoError(t, err)
	require.Empty(t, ds)

	d, err := h.client.RegisterDevice(ctx, model.DeviceInput{
		IP: " 192.168.1.50 ", Username: strp("pi"), AuthMethod: model.AuthPassword, Password: strp("secret"),
	})
	require.NoError(t, err)
	require.Equal(t, "192.168.1.50", d.IP)
	require.NotNil(t, d.EncryptedPassword)
	require.NotEqual(t, "secret", string(*d.EncryptedPassword))

	_, err = h.client.RegisterDevice(ctx, model.DeviceInput{IP: "192.168.1.50", AuthMethod: model.AuthPassword, Password: strp("x")})
	requireKind(t, err, errs.ErrDuplicateIP, codes.AlreadyExists)

	_, err = h.client.RegisterDevice(ctx, model.DeviceInput{IP: "10.0.0.1", AuthMethod: model.AuthPassword})
	requireKind(t, err, errs.ErrMissingPassword, codes.InvalidArgument)

	key := model.AuthKey
	upd, err := h.client.UpdateDevice(ctx, d.ID.String(), model.DeviceUpdate{Alias: strp("kitchen"), AuthMethod: &key})
	require.NoError(t, err)
	require.Equal(t, "kitchen", *upd.Alias)
	require.Equal(t, model.AuthKey, upd.AuthMethod)
	require.Nil(t, upd.EncryptedPassword)
	require.NotNil(t, upd.PublicKey)

	got, err := h.client.GetDevice(ctx, d.ID.String())
	require.NoError(t, err)
	require.Equal(t, upd.PublicKey, got.PublicKey)

	require.NoError(t, h.client.RemoveDevice(ctx, d.ID.String()))
	_, err = h.client.GetDevice(ctx, d.ID.String())
	requireKind(t, err, errs.ErrNotFound, codes.NotFound)

	ds, err = h.client.ListDevices(ctx)
	require.NoError(t, err)
	require.Empty(t, ds)
}

func TestServer_BadIDIsValidation(t *testing.T) {
	t.Parallel()

	h := startBufGRPC(t, newDeviceService(t), fakeScanner{})
	ctx := context.Background()

	for _, id := range []string{"", "not-a-uuid", uuid.Nil.String()} {
		_, err := h.client.GetDevice(ctx, id)
		requireKind(t, err, errs.ErrValidation, codes.InvalidArgument)
	}
	stream, err := h.client.StartRemoteSession(ctx, "nope")
	require.NoError(t, err, "stream errors surface on Recv")
	_, err = stream.Recv()
	requireKind(t, err, errs.ErrValidation, codes.InvalidArgument)
}

func TestServer_InternalErrorsAreOpaque(t *testing.T) {
	t.Parallel()

	h := startBufGRPC(t, brokenDevices{}, fakeScanner{err: errors.New("netlink: permission denied")})
	ctx := context.Background()

	_, err := h.client.ListDevices(ctx)
	var we *Error
	require.ErrorAs(t, err, &we)
	require.Equal(t, codes.Internal, we.Status.Code())
	require.Equal(t, errs.KindInternal, we.Kind)
	require.NotContains(t, we.Message, "relation")
	require.Nil(t, errors.Unwrap(err))

	_, err = h.client.ScanNetwork(ctx)
	require.ErrorAs(t, err, &we)
	require.Equal(t, codes.Internal, we.Status.Code())

	require.Eventually(t, func() bool {
		return h.logs.FilterMessage("internal error").Len() == 2
	}, time.Second, 10*time.Millisecond)
}

func TestServer_ScanNetwork(t *testing.T) {
	t.Parallel()

	host := "pi.lan"
	want := []model.ScanResult{{IP: "192.168.1.7", Hostname: &host}, {IP: "192.168.1.9"}}
	h := startBufGRPC(t, newDeviceService(t), fakeScanner{results: want})

	got, err := h.client.ScanNetwork(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, got)

	h2 := startBufGRPC(t, newDeviceService(t), fakeScanner{})
	got, err = h2.client.ScanNetwork(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Empty(t, got)
}

func recvEvent(t *testing.T, s *SessionStream) *SessionEvent {
	t.Helper()
	ev, err := s.Recv()
	require.NoError(t, err)
	return ev
}

func TestServer_LocalSessionStream(t *testing.T) {
	t.Parallel()

	h := startBufGRPC(t, newDeviceService(t), fakeScanner{})
	ctx := context.Background()

	stream, err := h.client.StartLocalSession(ctx, "/tmp")
	require.NoError(t, err)
	started := recvEvent(t, stream)
	require.Equal(t, EventStarted, started.Type)
	id := started.SessionID
	h.local.mu.Lock()
	require.Equal(t, "/tmp", h.local.cwd)
	h.local.mu.Unlock()

	require.NoError(t, h.client.SendInput(ctx, model.SessionLocal, id, []byte("ls\n")))
	ev := recvEvent(t, stream)
	require.Equal(t, EventData, ev.Type)
	require.Equal(t, "echo:ls\n", string(ev.Data))

	require.NoError(t, h.client.Resize(ctx, model.SessionLocal, id, 120, 40))
	h.local.mu.Lock()
	require.Equal(t, [2]int{120, 40}, h.local.resized[id])
	h.local.mu.Unlock()

	h.local.exit(id, 3)
	ev = recvEvent(t, stream)
	require.Equal(t, EventError, ev.Type)
	require.Equal(t, errs.KindTransport, ev.Error.Kind)
	ev = recvEvent(t, stream)
	require.Equal(t, EventClosed, ev.Type)
	require.Equal(t, 3, *ev.Close.Code)

	_, err = stream.Recv()
	require.ErrorIs(t, err, io.EOF)

	err = h.client.SendInput(ctx, model.SessionLocal, id, []byte("late"))
	requireKind(t, err, errs.ErrUnknownSession, codes.NotFound)
}

func TestServer_RemoteSessionStopAndErrors(t *testing.T) {
	t.Parallel()

	devices := newDeviceService(t)
	h := startBufGRPC(t, devices, fakeScanner{})
	ctx := context.Background()

	d, err := devices.Register(ctx, model.DeviceInput{IP: "10.0.0.2", Username: strp("pi"), AuthMethod: model.AuthPassword, Password: strp("pw")})
	require.NoError(t, err)

	stream, err := h.client.StartRemoteSession(ctx, d.ID.String())
	require.NoError(t, err)
	id := recvEvent(t, stream).SessionID
	h.remote.mu.Lock()
	require.Equal(t, d.ID, h.remote.device.ID)
	h.remote.mu.Unlock()

	require.NoError(t, h.client.Stop(ctx, model.SessionRemote, id))
	require.Equal(t, id, <-h.remote.stopped)
	ev := recvEvent(t, stream)
	require.Equal(t, EventClosed, ev.Type)
	require.Equal(t, "SIGKILL", *ev.Close.Signal)
	_, err = stream.Recv()
	require.ErrorIs(t, err, io.EOF)

	missing, err := h.client.StartRemoteSession(ctx, uuid.Must(uuid.NewV4()).String())
	require.NoError(t, err)
	_, err = missing.Recv()
	requireKind(t, err, errs.ErrNotFound, codes.NotFound)

	h.remote.mu.Lock()
	h.remote.startErr = fmt.Errorf("%w: dial 10.0.0.2:22: connection refused", errs.ErrTransport)
	h.remote.mu.Unlock()
	failed, err := h.client.StartRemoteSession(ctx, d.ID.String())
	require.NoError(t, err)
	_, err = failed.Recv()
	requireKind(t, err, errs.ErrTransport, codes.Unavailable)
	require.Contains(t, err.Error(), "unable to start session")
}

func TestServer_CancelledStreamStopsSession(t *testing.T) {
	t.Parallel()

	h := startBufGRPC(t, newDeviceService(t), fakeScanner{})
	ctx, cancel := context.WithCancel(context.Background())

	stream, err := h.client.StartLocalSession(ctx, "")
	require.NoError(t, err)
	id := recvEvent(t, stream).SessionID

	cancel()
	select {
	case got := <-h.local.stopped:
		require.Equal(t, id, got)
	case <-time.After(5 * time.Second):
		t.Fatal("session not stopped after the client went away")
	}
}
