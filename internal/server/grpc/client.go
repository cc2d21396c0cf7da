package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/and161185/nodex/internal/errs"
	"github.com/and161185/nodex/internal/model"
)

// Error is a failed call as seen by a client. It unwraps to the errs
// sentinel named by the kind trailer, so errors.Is works across the wire.
type Error struct {
	Kind    string
	Message string
	Status  *status.Status
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return errs.FromKind(e.Kind) }

func fromWire(err error, trailer metadata.MD) error {
	if err == nil {
		return nil
	}
	st, _ := status.FromError(err)
	kind := errs.KindInternal
	if v := trailer.Get(KindTrailer); len(v) > 0 {
		kind = v[0]
	}
	return &Error{Kind: kind, Message: st.Message(), Status: st}
}

// Client is a typed client for nodex.v1.Nodex.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func invoke[Resp any](ctx context.Context, c *Client, method string, in any) (*Resp, error) {
	out := new(Resp)
	var md metadata.MD
	err := c.cc.Invoke(ctx, fullMethod(method), in, out, grpc.CallContentSubtype(CodecName), grpc.Trailer(&md))
	if err != nil {
		return nil, fromWire(err, md)
	}
	return out, nil
}

// GetDevice fetches one device.
func (c *Client) GetDevice(ctx context.Context, id string) (*model.DeviceRecord, error) {
	r, err := invoke[DeviceResponse](ctx, c, "GetDevice", &DeviceIDRequest{ID: id})
	if err != nil {
		return nil, err
	}
	return &r.Device, nil
}

// ListDevices fetches every device.
func (c *Client) ListDevices(ctx context.Context) ([]model.DeviceRecord, error) {
	r, err := invoke[ListDevicesResponse](ctx, c, "ListDevices", &Empty{})
	if err != nil {
		return nil, err
	}
	return r.Devices, nil
}

// RegisterDevice registers a device.
func (c *Client) RegisterDevice(ctx context.Context, in model.DeviceInput) (*model.DeviceRecord, error) {
	r, err := invoke[DeviceResponse](ctx, c, "RegisterDevice", &RegisterDeviceRequest{Device: in})
	if err != nil {
		return nil, err
	}
	return &r.Device, nil
}

// UpdateDevice applies a partial update.
func (c *Client) UpdateDevice(ctx context.Context, id string, upd model.DeviceUpdate) (*model.DeviceRecord, error) {
	r, err := invoke[DeviceResponse](ctx, c, "UpdateDevice", &UpdateDeviceRequest{ID: id, Update: upd})
	if err != nil {
		return nil, err
	}
	return &r.Device, nil
}

// RemoveDevice deletes a device.
func (c *Client) RemoveDevice(ctx context.Context, id string) error {
	_, err := invoke[Empty](ctx, c, "RemoveDevice", &DeviceIDRequest{ID: id})
	return err
}

// ScanNetwork lists SSH hosts found on the daemon's local networks.
func (c *Client) ScanNetwork(ctx context.Context) ([]model.ScanResult, error) {
	r, err := invoke[ScanNetworkResponse](ctx, c, "ScanNetwork", &Empty{})
	if err != nil {
		return nil, err
	}
	return r.Results, nil
}

// SessionStream receives the events of one session.
type SessionStream struct {
	cs grpc.ClientStream
}

// Recv returns the next event. It returns io.EOF after the closed event.
func (s *SessionStream) Recv() (*SessionEvent, error) {
	ev := new(SessionEvent)
	if err := s.cs.RecvMsg(ev); err != nil {
		if st, ok := status.FromError(err); ok {
			return nil, fromWire(st.Err(), s.cs.Trailer())
		}
		return nil, err
	}
	return ev, nil
}

func (c *Client) startSession(ctx context.Context, streamIdx int, in any) (*SessionStream, error) {
	desc := &ServiceDesc.Streams[streamIdx]
	cs, err := c.cc.NewStream(ctx, desc, fullMethod(desc.StreamName), grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, fromWire(err, nil)
	}
	if err := cs.SendMsg(in); err != nil {
		return nil, fromWire(err, cs.Trailer())
	}
	if err := cs.CloseSend(); err != nil {
		return nil, fromWire(err, cs.Trailer())
	}
	return &SessionStream{cs: cs}, nil
}

// StartRemoteSession opens a shell on a device. Cancel ctx to stop it.
func (c *Client) StartRemoteSession(ctx context.Context, deviceID string) (*SessionStream, error) {
	return c.startSession(ctx, 0, &StartRemoteSessionRequest{DeviceID: deviceID})
}

// StartLocalSession opens a shell on the daemon's host. Cancel ctx to stop it.
func (c *Client) StartLocalSession(ctx context.Context, cwd string) (*SessionStream, error) {
	return c.startSession(ctx, 1, &StartLocalSessionRequest{Cwd: cwd})
}

// SendInput writes data to a session of the given kind.
func (c *Client) SendInput(ctx context.Context, kind model.SessionKind, id string, data []byte) error {
	_, err := invoke[Empty](ctx, c, sessionMethod("Send", kind, "Input"), &SessionInputRequest{SessionID: id, Data: data})
	return err
}

// Resize changes the terminal size of a session of the given kind.
func (c *Client) Resize(ctx context.Context, kind model.SessionKind, id string, cols, rows int) error {
	_, err := invoke[Empty](ctx, c, sessionMethod("Resize", kind, "Session"), &ResizeSessionRequest{SessionID: id, Cols: cols, Rows: rows})
	return err
}

// Stop ends a session of the given kind.
func (c *Client) Stop(ctx context.Context, kind model.SessionKind, id string) error {
	_, err := invoke[Empty](ctx, c, sessionMethod("Stop", kind, "Session"), &SessionRequest{SessionID: id})
	return err
}

func sessionMethod(verb string, kind model.SessionKind, noun string) string {
	if kind == model.SessionLocal {
		return verb + "Local" + noun
	}
	return verb + "Remote" + noun
}
