// Package grpcserver exposes the Nodex device, discovery and session API over gRPC.
package grpcserver

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/and161185/nodex/internal/errs"
	"github.com/and161185/nodex/internal/model"
	"github.com/and161185/nodex/internal/service"
	"github.com/and161185/nodex/internal/terminal"
)

// eventBuffer is the per-stream backlog between a session and its client.
const eventBuffer = 256

// RemoteSessions is the subset of terminal.RemoteManager the server uses.
type RemoteSessions interface {
	Start(ctx context.Context, d model.DeviceRecord, sink terminal.Sink) (string, error)
	SendInput(id string, data []byte) error
	Resize(id string, cols, rows int) error
	Stop(id string) error
}

// LocalSessions is the subset of terminal.LocalManager the server uses.
type LocalSessions interface {
	Start(ctx context.Context, cwd string, sink terminal.Sink) (string, error)
	SendInput(id string, data []byte) error
	Resize(id string, cols, rows int) error
	Stop(id string) error
}

// NetworkScanner finds SSH hosts on the local networks.
type NetworkScanner interface {
	Scan(ctx context.Context) ([]model.ScanResult, error)
}

// Server wires services into gRPC handlers.
type Server struct {
	devices service.DeviceService
	remote  RemoteSessions
	local   LocalSessions
	scanner NetworkScanner
	log     *zap.Logger
}

// New constructs a gRPC server with injected services.
func New(devices service.DeviceService, remote RemoteSessions, local LocalSessions, scanner NetworkScanner, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{devices: devices, remote: remote, local: local, scanner: scanner, log: log}
}

func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.FromString(s)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: bad device id %q", errs.ErrValidation, s)
	}
	return id, nil
}

// --- Devices ---

// GetDevice returns one device.
func (s *Server) GetDevice(ctx context.Context, req *DeviceIDRequest) (*DeviceResponse, error) {
	id, err := parseID(req.ID)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	d, err := s.devices.Get(ctx, id)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	return &DeviceResponse{Device: *d}, nil
}

// ListDevices returns every device in creation order.
func (s *Server) ListDevices(ctx context.Context, _ *Empty) (*ListDevicesResponse, error) {
	ds, err := s.devices.List(ctx)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	if ds == nil {
		ds = []model.DeviceRecord{}
	}
	return &ListDevicesResponse{Devices: ds}, nil
}

// RegisterDevice validates, seals credentials for, and stores a new device.
func (s *Server) RegisterDevice(ctx context.Context, req *RegisterDeviceRequest) (*DeviceResponse, error) {
	d, err := s.devices.Register(ctx, req.Device)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	return &DeviceResponse{Device: *d}, nil
}

// UpdateDevice applies a partial update.
func (s *Server) UpdateDevice(ctx context.Context, req *UpdateDeviceRequest) (*DeviceResponse, error) {
	id, err := parseID(req.ID)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	d, err := s.devices.Update(ctx, id, req.Update)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	return &DeviceResponse{Device: *d}, nil
}

// RemoveDevice deletes a device.
func (s *Server) RemoveDevice(ctx context.Context, req *DeviceIDRequest) (*Empty, error) {
	id, err := parseID(req.ID)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	if err := s.devices.Remove(ctx, id); err != nil {
		return nil, s.fail(ctx, err)
	}
	return &Empty{}, nil
}

// --- Discovery ---

// ScanNetwork probes the local subnets for SSH hosts.
func (s *Server) ScanNetwork(ctx context.Context, _ *Empty) (*ScanNetworkResponse, error) {
	rs, err := s.scanner.Scan(ctx)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	if rs == nil {
		rs = []model.ScanResult{}
	}
	return &ScanNetworkResponse{Results: rs}, nil
}

// --- Sessions ---

// StartRemoteSession opens an SSH shell on a device and streams its events
// until the session closes or the client goes away.
func (s *Server) StartRemoteSession(req *StartRemoteSessionRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	id, err := parseID(req.DeviceID)
	if err != nil {
		return s.failStream(stream, err)
	}
	d, err := s.devices.Get(ctx, id)
	if err != nil {
		return s.failStream(stream, err)
	}
	sink := terminal.NewChanSink(eventBuffer)
	sid, err := s.remote.Start(ctx, *d, sink)
	if err != nil {
		return s.failStream(stream, fmt.Errorf("unable to start session: %w", err))
	}
	return s.relay(stream, sid, sink, s.remote.Stop)
}

// StartLocalSession spawns a local shell and streams its events.
func (s *Server) StartLocalSession(req *StartLocalSessionRequest, stream grpc.ServerStream) error {
	sink := terminal.NewChanSink(eventBuffer)
	sid, err := s.local.Start(stream.Context(), req.Cwd, sink)
	if err != nil {
		return s.failStream(stream, fmt.Errorf("unable to start session: %w", err))
	}
	return s.relay(stream, sid, sink, s.local.Stop)
}

// relay forwards session events to the stream. A departed client stops the session.
func (s *Server) relay(stream grpc.ServerStream, id string, sink *terminal.ChanSink, stop func(string) error) error {
	defer sink.Detach()
	ctx := stream.Context()

	abandon := func(err error) error {
		_ = stop(id)
		s.log.Info("session stream ended by client", zap.String("session_id", id), zap.Error(err))
		return err
	}
	if err := stream.SendMsg(&SessionEvent{Type: EventStarted, SessionID: id}); err != nil {
		return abandon(err)
	}
	for {
		select {
		case <-ctx.Done():
			return abandon(status.FromContextError(ctx.Err()).Err())
		case ev, ok := <-sink.Events():
			if !ok {
				return nil
			}
			if err := stream.SendMsg(toEvent(ev)); err != nil {
				return abandon(err)
			}
		}
	}
}

func toEvent(ev terminal.Event) *SessionEvent {
	out := &SessionEvent{SessionID: ev.SessionID}
	switch ev.Kind {
	case terminal.EventData:
		out.Type = EventData
		out.Data = ev.Data
	case terminal.EventError:
		out.Type = EventError
		out.Error = errorInfo(ev.Err)
	case terminal.EventClosed:
		out.Type = EventClosed
		c := ev.Close
		out.Close = &c
	}
	return out
}

// SendRemoteInput writes to a remote session.
func (s *Server) SendRemoteInput(ctx context.Context, req *SessionInputRequest) (*Empty, error) {
	if err := s.remote.SendInput(req.SessionID, req.Data); err != nil {
		return nil, s.fail(ctx, err)
	}
	return &Empty{}, nil
}

// ResizeRemoteSession changes a remote session's window size.
func (s *Server) ResizeRemoteSession(ctx context.Context, req *ResizeSessionRequest) (*Empty, error) {
	if err := s.remote.Resize(req.SessionID, req.Cols, req.Rows); err != nil {
		return nil, s.fail(ctx, err)
	}
	return &Empty{}, nil
}

// StopRemoteSession ends a remote session; unknown ids are ignored.
func (s *Server) StopRemoteSession(ctx context.Context, req *SessionRequest) (*Empty, error) {
	if err := s.remote.Stop(req.SessionID); err != nil {
		return nil, s.fail(ctx, err)
	}
	return &Empty{}, nil
}

// SendLocalInput writes to a local session.
func (s *Server) SendLocalInput(ctx context.Context, req *SessionInputRequest) (*Empty, error) {
	if err := s.local.SendInput(req.SessionID, req.Data); err != nil {
		return nil, s.fail(ctx, err)
	}
	return &Empty{}, nil
}

// ResizeLocalSession changes a local session's terminal size.
func (s *Server) ResizeLocalSession(ctx context.Context, req *ResizeSessionRequest) (*Empty, error) {
	if err := s.local.Resize(req.SessionID, req.Cols, req.Rows); err != nil {
		return nil, s.fail(ctx, err)
	}
	return &Empty{}, nil
}

// StopLocalSession ends a local session; unknown ids are ignored.
func (s *Server) StopLocalSession(ctx context.Context, req *SessionRequest) (*Empty, error) {
	if err := s.local.Stop(req.SessionID); err != nil {
		return nil, s.fail(ctx, err)
	}
	return &Empty{}, nil
}

var _ NodexServer = (*Server)(nil)
