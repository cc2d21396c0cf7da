//go:build !unix

package terminal

import (
	"os"

	"github.com/and161185/nodex/internal/model"
)

func localExit(state *os.ProcessState) model.CloseDetails {
	if state == nil {
		return model.CloseDetails{}
	}
	code := state.ExitCode()
	return model.CloseDetails{Code: &code}
}
