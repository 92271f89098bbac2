package relay

import (
	"errors"
	"net/http"

	"github.com/tjfontaine/polyglot-chat-relay/internal/api/openai"
	"github.com/tjfontaine/polyglot-chat-relay/internal/domain"
)

// FrameSink receives the caller-facing stream of one request. A write error
// means the caller is gone.
type FrameSink interface {
	// Raw forwards upstream bytes unchanged.
	Raw(p []byte) error
	// Frame writes a frame generated by the relay itself.
	Frame(meta openai.ChunkMeta, f domain.Frame) error
}

// SSESink writes frames as a text/event-stream response, flushing after each
// write so no frame is held back.
type SSESink struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
	// tail holds the last two bytes written, ignoring carriage returns.
	tail [2]byte
}

func NewSSESink(w http.ResponseWriter) *SSESink {
	return &SSESink{w: w, rc: http.NewResponseController(w), tail: [2]byte{'\n', '\n'}}
}

func (s *SSESink) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", openai.ContentTypeEventStream)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}

// Started reports whether any byte of the stream has been written.
func (s *SSESink) Started() bool { return s.started }

func (s *SSESink) Raw(p []byte) error {
	s.start()
	if _, err := s.w.Write(p); err != nil {
		return err
	}
	for _, b := range p {
		if b == '\r' {
			continue
		}
		s.tail[0], s.tail[1] = s.tail[1], b
	}
	return s.flush()
}

func (s *SSESink) Frame(meta openai.ChunkMeta, f domain.Frame) error {
	s.start()
	if closing := s.unterminated(); len(closing) > 0 {
		if _, err := s.w.Write(closing); err != nil {
			return err
		}
	}
	s.tail = [2]byte{'\n', '\n'}

	var err error
	switch f.Kind {
	case domain.FrameDelta:
		err = openai.WriteDelta(s.w, meta, f.Text)
	case domain.FrameDone:
		err = openai.WriteDone(s.w)
	case domain.FrameError:
		err = openai.WriteError(s.w, f.Message, f.ErrorType)
	}
	if err != nil {
		return err
	}
	return s.flush()
}

// unterminated returns the bytes needed to close an event left open by Raw.
func (s *SSESink) unterminated() []byte {
	switch {
	case s.tail[1] != '\n':
		return []byte("\n\n")
	case s.tail[0] != '\n':
		return []byte("\n")
	}
	return nil
}

func (s *SSESink) flush() error {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
