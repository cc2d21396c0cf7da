//go:build unix

package terminal

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/and161185/nodex/internal/model"
)

func localExit(state *os.ProcessState) model.CloseDetails {
	if state == nil {
		return model.CloseDetails{}
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if ok && ws.Signaled() {
		name := unix.SignalName(ws.Signal())
		if name == "" {
			name = ws.Signal().String()
		}
		return model.CloseDetails{Signal: &name}
	}
	code := state.ExitCode()
	return model.CloseDetails{Code: &code}
}
