package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/and161185/nodex/internal/model"
	grpcserver "github.com/and161185/nodex/internal/server/grpc"
)

const (
	inputChunk  = 4096
	callTimeout = 5 * time.Second
)

type sessionAPI interface {
	SendInput(ctx context.Context, kind model.SessionKind, id string, data []byte) error
	Resize(ctx context.Context, kind model.SessionKind, id string, cols, rows int) error
}

type eventStream interface {
	Recv() (*grpcserver.SessionEvent, error)
}

var errNoClose = errors.New("session stream ended without a close event")

// awaitStarted reads the first event and returns the session id.
func awaitStarted(stream eventStream) (string, error) {
	ev, err := stream.Recv()
	if err != nil {
		return "", err
	}
	if ev.Type != grpcserver.EventStarted || ev.SessionID == "" {
		return "", fmt.Errorf("unexpected first event %q", ev.Type)
	}
	return ev.SessionID, nil
}

// pumpInput forwards in to the session until in ends or a send fails.
func pumpInput(ctx context.Context, api sessionAPI, kind model.SessionKind, id string, in io.Reader) {
	buf := make([]byte, inputChunk)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			cctx, cancel := context.WithTimeout(ctx, callTimeout)
			serr := api.SendInput(cctx, kind, id, data)
			cancel()
			if serr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// runSession relays a started session: in goes to the session, data events
// go to out, error events to errOut. It returns when the session closes.
func runSession(ctx context.Context, api sessionAPI, kind model.SessionKind, id string, stream eventStream, in io.Reader, out, errOut io.Writer) (model.CloseDetails, error) {
	go pumpInput(ctx, api, kind, id, in)

	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return model.CloseDetails{}, errNoClose
		}
		if err != nil {
			return model.CloseDetails{}, err
		}
		switch ev.Type {
		case grpcserver.EventData:
			if _, err := out.Write(ev.Data); err != nil {
				return model.CloseDetails{}, err
			}
		case grpcserver.EventError:
			if ev.Error != nil {
				// the terminal may be in raw mode
				fmt.Fprintf(errOut, "\r\nnodex: %s: %s\r\n", ev.Error.Kind, ev.Error.Message)
			}
		case grpcserver.EventClosed:
			if ev.Close == nil {
				return model.CloseDetails{}, nil
			}
			return *ev.Close, nil
		}
	}
}

// resizeTo sends the current terminal size of fd, if it has one.
func resizeTo(ctx context.Context, api sessionAPI, kind model.SessionKind, id string, fd int) {
	cols, rows, err := term.GetSize(fd)
	if err != nil || cols <= 0 || rows <= 0 {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	_ = api.Resize(cctx, kind, id, cols, rows)
}

// interactive runs one session attached to the process terminal.
func interactive(cli *grpcserver.Client, kind model.SessionKind, start func(ctx context.Context) (*grpcserver.SessionStream, error)) (model.CloseDetails, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := start(ctx)
	if err != nil {
		return model.CloseDetails{}, err
	}
	id, err := awaitStarted(stream)
	if err != nil {
		return model.CloseDetails{}, err
	}

	inFd, outFd := int(os.Stdin.Fd()), int(os.Stdout.Fd())
	if term.IsTerminal(inFd) {
		old, err := term.MakeRaw(inFd)
		if err != nil {
			return model.CloseDetails{}, fmt.Errorf("raw mode: %w", err)
		}
		defer func() { _ = term.Restore(inFd, old) }()
	}
	if term.IsTerminal(outFd) {
		resizeTo(ctx, cli, kind, id, outFd)
		watchResize(ctx, func() { resizeTo(ctx, cli, kind, id, outFd) })
	}

	return runSession(ctx, cli, kind, id, stream, os.Stdin, os.Stdout, os.Stderr)
}
