package terminal

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/nodex/internal/errs"
	"github.com/and161185/nodex/internal/model"
)

// Default pseudo-terminal settings.
const (
	TermType    = "xterm-256color"
	DefaultCols = 80
	DefaultRows = 24

	readBufSize = 32 * 1024
)

// session is the live state of one running shell.
type session struct {
	id   string
	kind model.SessionKind

	stdin     io.Writer
	resize    func(cols, rows int) error
	terminate func() error

	stopping atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

func newSessionID() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (s *session) stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		err = s.terminate()
	})
	return err
}

// registry is the live set of one manager. Sessions are removed from it
// before their close is reported.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newRegistry() *registry {
	return &registry{sessions: map[string]*session{}}
}

func (r *registry) add(s *session) {
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
}

func (r *registry) get(id string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *registry) remove(id string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

func (r *registry) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *registry) sendInput(id string, data []byte) error {
	s, ok := r.get(id)
	if !ok {
		return fmt.Errorf("session %s: %w", id, errs.ErrUnknownSession)
	}
	if _, err := s.stdin.Write(data); err != nil {
		return fmt.Errorf("%w: write input: %w", errs.ErrTransport, err)
	}
	return nil
}

// resizeSession clamps both dimensions to at least 1. Unknown ids are ignored.
func (r *registry) resizeSession(id string, cols, rows int) error {
	s, ok := r.get(id)
	if !ok || s.resize == nil {
		return nil
	}
	return s.resize(max(cols, 1), max(rows, 1))
}

// stopSession removes id from the live set and tears the session down; the
// close is still reported through the sink. Unknown ids are ignored.
func (r *registry) stopSession(id string) error {
	s, ok := r.remove(id)
	if !ok {
		return nil
	}
	return s.stop()
}

func (r *registry) stopAll() {
	for _, id := range r.ids() {
		_ = r.stopSession(id)
	}
}

// pump copies r into sink until EOF. The filter, if any, is owned by this
// stream. A read error is reported unless the session is being stopped or
// isEOF classifies it as end of stream.
func pump(s *session, r io.Reader, sink Sink, filter *ControlFilter, isEOF func(error) bool, log *zap.Logger) {
	buf := make([]byte, readBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if filter != nil {
				chunk = filter.Write(chunk)
			}
			if len(chunk) > 0 {
				sink.OnData(s.id, chunk)
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || (isEOF != nil && isEOF(err)) || s.stopping.Load() {
			return
		}
		log.Debug("session read failed", zap.String("session_id", s.id), zap.Error(err))
		sink.OnError(s.id, fmt.Errorf("%w: %w", errs.ErrTransport, err))
		return
	}
}
