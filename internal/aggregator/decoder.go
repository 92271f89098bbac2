package aggregator

import (
	"bufio"
	"errors"
	"io"
	"log/slog"

	"github.com/tjfontaine/polyglot-chat-relay/internal/api/openai"
	"github.com/tjfontaine/polyglot-chat-relay/internal/domain"
)

// ErrorTypeStreamTruncated marks a stream that ended without a terminal frame.
const ErrorTypeStreamTruncated = "stream_truncated"

// FrameSource yields the frames of one response in arrival order. After a
// terminal frame Next returns io.EOF.
type FrameSource interface {
	Next() (domain.Frame, error)
	Close() error
}

// Decoder reads frames from an event-stream body.
type Decoder struct {
	body   io.ReadCloser
	r      *bufio.Reader
	logger *slog.Logger
	done   bool
}

func NewDecoder(body io.ReadCloser, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{body: body, r: bufio.NewReader(body), logger: logger}
}

// Next returns the next frame. Lines that are not data lines are ignored, and
// a data line whose JSON cannot be parsed is logged and skipped rather than
// failing the whole response. A body that ends before [DONE] or an error
// yields an Error frame.
func (d *Decoder) Next() (domain.Frame, error) {
	if d.done {
		return domain.Frame{}, io.EOF
	}
	for {
		line, err := d.r.ReadBytes('\n')
		if len(line) > 0 {
			kind, payload := openai.ClassifyLine(line)
			switch kind {
			case openai.LineDone:
				d.done = true
				return domain.DoneFrame(), nil
			case openai.LineData:
				f, perr := openai.ParseChunk(payload)
				if perr != nil {
					d.logger.Warn("skipping malformed frame", slog.String("error", perr.Error()))
				} else {
					if f.Terminal() {
						d.done = true
					}
					return f, nil
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.done = true
				return domain.ErrorFrame("stream ended unexpectedly", ErrorTypeStreamTruncated), nil
			}
			return domain.Frame{}, err
		}
	}
}

func (d *Decoder) Close() error {
	return d.body.Close()
}

// frameList replays a fixed set of frames.
type frameList struct {
	frames []domain.Frame
}

func (l *frameList) Next() (domain.Frame, error) {
	if len(l.frames) == 0 {
		return domain.Frame{}, io.EOF
	}
	f := l.frames[0]
	l.frames = l.frames[1:]
	return f, nil
}

func (l *frameList) Close() error { return nil }

// Frames returns a FrameSource over fixed frames.
func Frames(frames ...domain.Frame) FrameSource {
	return &frameList{frames: frames}
}
