package relay

import (
	"context"
	"strings"
	"time"

	"github.com/tjfontaine/polyglot-chat-relay/internal/api/openai"
	"github.com/tjfontaine/polyglot-chat-relay/internal/domain"
)

// synthesize replays a complete upstream reply as one Delta per
// whitespace-separated token followed by Done. Runs of whitespace collapse to
// a single space; the text is otherwise unchanged.
func (r *Relay) synthesize(ctx context.Context, target Target, cc domain.CompleteChoice, sink FrameSink, sum *Summary) {
	meta := openai.ChunkMeta{ID: cc.ID, Model: cc.Model, Created: r.now().Unix()}
	if meta.ID == "" {
		meta.ID = newChunkID()
	}
	if meta.Model == "" {
		meta.Model = target.Model
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for i, tok := range SplitTokens(cc.Content) {
		if i > 0 && target.SynthesisDelay > 0 {
			if timer == nil {
				timer = time.NewTimer(target.SynthesisDelay)
			} else {
				timer.Reset(target.SynthesisDelay)
			}
			select {
			case <-ctx.Done():
				r.finish(ctx, sink, sum, meta, domain.ErrCallerCancelled)
				return
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			r.finish(ctx, sink, sum, meta, domain.ErrCallerCancelled)
			return
		}
		if err := sink.Frame(meta, domain.DeltaFrame(tok)); err != nil {
			r.callerGone(ctx, sum, err)
			return
		}
		sum.Frames++
	}

	if err := sink.Frame(meta, domain.DoneFrame()); err != nil {
		r.callerGone(ctx, sum, err)
		return
	}
	sum.Outcome = OutcomeCompleted
	switch {
	case cc.Usage.CompletionTokens > 0:
		sum.CompletionTokens = cc.Usage.CompletionTokens
	default:
		sum.CompletionTokens = r.countTokens(meta.Model, cc.Content)
	}
}

// SplitTokens splits text on whitespace into the Delta texts of a synthesized
// stream: the first token bare, every later token with one leading space.
func SplitTokens(text string) []string {
	fields := strings.Fields(text)
	for i := 1; i < len(fields); i++ {
		fields[i] = " " + fields[i]
	}
	return fields
}
