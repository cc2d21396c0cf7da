package grpcserver

import "github.com/and161185/nodex/internal/model"

// Request and response messages of nodex.v1.Nodex, encoded with the JSON codec.

type Empty struct{}

type DeviceIDRequest struct {
	ID string `json:"id"`
}

type DeviceResponse struct {
	Device model.DeviceRecord `json:"device"`
}

type ListDevicesResponse struct {
	Devices []model.DeviceRecord `json:"devices"`
}

type RegisterDeviceRequest struct {
	Device model.DeviceInput `json:"device"`
}

type UpdateDeviceRequest struct {
	ID     string            `json:"id"`
	Update model.DeviceUpdate `json:"update"`
}

type ScanNetworkResponse struct {
	Results []model.ScanResult `json:"results"`
}

type StartRemoteSessionRequest struct {
	DeviceID string `json:"deviceId"`
}

type StartLocalSessionRequest struct {
	// Cwd is optional; an empty or missing directory falls back to the daemon default.
	Cwd string `json:"cwd,omitempty"`
}

type SessionInputRequest struct {
	SessionID string `json:"sessionId"`
	Data      []byte `json:"data"`
}

type ResizeSessionRequest struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type SessionRequest struct {
	SessionID string `json:"sessionId"`
}

// Session event types carried by SessionEvent.Type.
const (
	EventStarted = "started"
	EventData    = "data"
	EventError   = "error"
	EventClosed  = "closed"
)

// SessionEvent is one message of a session stream. The first event is
// always EventStarted and the last, if the session ends, EventClosed.
type SessionEvent struct {
	Type      string              `json:"type"`
	SessionID string              `json:"sessionId"`
	Data      []byte              `json:"data,omitempty"`
	Error     *ErrorInfo          `json:"error,omitempty"`
	Close     *model.CloseDetails `json:"close,omitempty"`
}

// ErrorInfo is an error reported inside a session stream.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
