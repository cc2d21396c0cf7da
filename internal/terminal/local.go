package terminal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/and161185/nodex/internal/errs"
	"github.com/and161185/nodex/internal/model"
)

// drainTimeout bounds how long output is drained after the shell exits
// while a background child still holds the terminal open.
const drainTimeout = 250 * time.Millisecond

// DefaultShell returns COMSPEC (or cmd.exe) on Windows and $SHELL (or
// /bin/bash) elsewhere.
func DefaultShell() string {
	if runtime.GOOS == "windows" {
		if s := os.Getenv("COMSPEC"); s != "" {
			return s
		}
		return "cmd.exe"
	}
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	return "/bin/bash"
}

// DefaultWorkingDir returns ~/Desktop when it exists, else the process's
// working directory.
func DefaultWorkingDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		desktop := filepath.Join(home, "Desktop")
		if isDir(desktop) {
			return desktop
		}
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

// LocalConfig configures local shell sessions.
type LocalConfig struct {
	// Shell is the program to run; empty means DefaultShell.
	Shell string
	// Dir is used when a start request names no usable directory; empty
	// means DefaultWorkingDir.
	Dir string
	// Env is appended to the inherited environment.
	Env []string
	// StripControlSequences removes ANSI escape sequences from output.
	StripControlSequences bool
}

// LocalManager runs interactive shells on the local host under a pseudo-terminal.
type LocalManager struct {
	reg *registry
	cfg LocalConfig
	log *zap.Logger
}

// NewLocalManager constructs a LocalManager.
func NewLocalManager(cfg LocalConfig, log *zap.Logger) *LocalManager {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Shell == "" {
		cfg.Shell = DefaultShell()
	}
	if cfg.Dir == "" {
		cfg.Dir = DefaultWorkingDir()
	}
	return &LocalManager{reg: newRegistry(), cfg: cfg, log: log}
}

// Start spawns the shell in cwd, or in the configured directory when cwd is
// empty or not a directory.
func (m *LocalManager) Start(_ context.Context, cwd string, sink Sink) (string, error) {
	dir := m.cfg.Dir
	if cwd != "" && isDir(cwd) {
		dir = cwd
	}
	id, err := newSessionID()
	if err != nil {
		return "", err
	}

	cmd := exec.Command(m.cfg.Shell)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TERM="+TermType)
	cmd.Env = append(cmd.Env, m.cfg.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: DefaultCols, Rows: DefaultRows})
	if err != nil {
		return "", fmt.Errorf("%w: spawn %s: %w", errs.ErrTransport, m.cfg.Shell, err)
	}

	s := &session{
		id:    id,
		kind:  model.SessionLocal,
		stdin: ptmx,
		resize: func(cols, rows int) error {
			return pty.Setsize(ptmx, &pty.Winsize{
				Cols: uint16(min(cols, math.MaxUint16)),
				Rows: uint16(min(rows, math.MaxUint16)),
			})
		},
		terminate: func() error { return cmd.Process.Kill() },
		done:      make(chan struct{}),
	}
	m.reg.add(s)

	var filter *ControlFilter
	if m.cfg.StripControlSequences {
		filter = NewControlFilter()
	}
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		pump(s, ptmx, sink, filter, ptyEOF, m.log)
	}()
	go func() {
		_ = cmd.Wait()
		m.reg.remove(s.id)
		select {
		case <-readerDone:
		case <-time.After(drainTimeout):
		}
		// Unblocks the reader when a background job keeps the terminal open.
		s.stopping.Store(true)
		_ = ptmx.Close()
		<-readerDone

		details := localExit(cmd.ProcessState)
		close(s.done)
		m.log.Info("local session closed", zap.String("session_id", s.id))
		sink.OnClose(s.id, details)
	}()

	m.log.Info("local session started",
		zap.String("session_id", id),
		zap.String("shell", m.cfg.Shell),
		zap.String("dir", dir),
	)
	return id, nil
}

// ptyEOF reports the errors a pseudo-terminal master returns once the
// child side is gone.
func ptyEOF(err error) bool {
	return errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)
}

// SendInput writes data to the shell's terminal.
func (m *LocalManager) SendInput(id string, data []byte) error { return m.reg.sendInput(id, data) }

// Resize changes the terminal size; unknown ids are ignored.
func (m *LocalManager) Resize(id string, cols, rows int) error {
	if err := m.reg.resizeSession(id, cols, rows); err != nil {
		return fmt.Errorf("%w: resize: %w", errs.ErrTransport, err)
	}
	return nil
}

// Stop kills the shell; unknown ids are ignored.
func (m *LocalManager) Stop(id string) error {
	if err := m.reg.stopSession(id); err != nil && !errors.Is(err, os.ErrProcessDone) {
		m.log.Debug("local session stop", zap.String("session_id", id), zap.Error(err))
	}
	return nil
}

// Active returns the number of live sessions.
func (m *LocalManager) Active() int { return m.reg.len() }

// Close kills every live shell.
func (m *LocalManager) Close() { m.reg.stopAll() }
