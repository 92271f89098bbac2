package relay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/tjfontaine/polyglot-chat-relay/internal/api/openai"
	"github.com/tjfontaine/polyglot-chat-relay/internal/domain"
)

var errStreamTruncated = errors.New("upstream closed the stream before completion")

// passthrough forwards an upstream event stream line by line. Lines are only
// inspected to find the end of the stream; their bytes reach the sink unchanged.
func (r *Relay) passthrough(ctx context.Context, wd *watchdog, target Target, sc domain.StreamingChoice, sink FrameSink, sum *Summary) {
	defer sc.Body.Close()

	meta := openai.ChunkMeta{ID: newChunkID(), Model: target.Model, Created: r.now().Unix()}
	br := bufio.NewReader(sc.Body)
	var text strings.Builder

	done := func() {
		sum.CompletionTokens = r.countTokens(target.Model, text.String())
	}

	for {
		wd.arm(target.ChunkTimeout, "waiting for the next chunk")
		line, readErr := br.ReadBytes('\n')

		if len(line) > 0 {
			kind, payload := openai.ClassifyLine(line)
			switch kind {
			case openai.LineDone:
				wd.stop()
				if err := sink.Raw(closeEvent(line)); err != nil {
					r.callerGone(ctx, sum, err)
					return
				}
				sum.Outcome = OutcomeCompleted
				done()
				return

			case openai.LineData:
				if openai.IsErrorPayload(payload) {
					wd.stop()
					f, _ := openai.ParseChunk(payload)
					sum.Outcome = OutcomeFailed
					sum.Err = &domain.RelayError{Kind: domain.KindUpstreamBadStatus, Message: f.Message}
					if err := sink.Raw(closeEvent(line)); err != nil {
						r.callerGone(ctx, sum, err)
						return
					}
					r.logger.WarnContext(ctx, "upstream reported an error mid-stream",
						slog.String("model", target.Model),
						slog.String("error", f.Message),
						slog.Int("frames", sum.Frames))
					done()
					return
				}
				sum.Frames++
				if r.counter != nil {
					if f, err := openai.ParseChunk(payload); err == nil {
						text.WriteString(f.Text)
					}
				}
			}

			if err := sink.Raw(line); err != nil {
				r.callerGone(ctx, sum, err)
				return
			}
		}

		if readErr != nil {
			done()
			if errors.Is(readErr, io.EOF) && ctx.Err() == nil && wd.expired() == nil {
				r.fail(sink, sum, meta, domain.Unreachable(errStreamTruncated))
				return
			}
			r.finish(ctx, sink, sum, meta, r.classify(ctx, wd, readErr))
			return
		}
	}
}

// collect reads an event stream to its end and returns the concatenated text.
func (r *Relay) collect(ctx context.Context, wd *watchdog, target Target, sc domain.StreamingChoice) (string, error) {
	defer sc.Body.Close()

	br := bufio.NewReader(sc.Body)
	var text strings.Builder
	for {
		wd.arm(target.ChunkTimeout, "waiting for the next chunk")
		line, readErr := br.ReadBytes('\n')
		if len(line) > 0 {
			kind, payload := openai.ClassifyLine(line)
			switch kind {
			case openai.LineDone:
				return text.String(), nil
			case openai.LineData:
				f, err := openai.ParseChunk(payload)
				if err != nil {
					return "", domain.Malformed(err)
				}
				if f.Kind == domain.FrameError {
					return "", &domain.RelayError{Kind: domain.KindUpstreamBadStatus, Message: f.Message}
				}
				text.WriteString(f.Text)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) && ctx.Err() == nil && wd.expired() == nil {
				return "", domain.Unreachable(errStreamTruncated)
			}
			return "", r.classify(ctx, wd, readErr)
		}
	}
}

// callerGone handles a failed write to the sink.
func (r *Relay) callerGone(ctx context.Context, sum *Summary, err error) {
	sum.Outcome = OutcomeCancelled
	r.logger.DebugContext(ctx, "caller stopped reading",
		slog.String("model", sum.Model),
		slog.String("error", err.Error()))
}

// closeEvent terminates the event a line belongs to with a blank line,
// using the line's own line ending.
func closeEvent(line []byte) []byte {
	out := make([]byte, 0, len(line)+4)
	out = append(out, line...)
	switch {
	case bytes.HasSuffix(line, []byte("\r\n")):
		return append(out, '\r', '\n')
	case bytes.HasSuffix(line, []byte("\n")):
		return append(out, '\n')
	}
	return append(out, '\n', '\n')
}
