package aggregator

import (
	"context"
	"errors"
	"fmt"

	"github.com/tjfontaine/polyglot-chat-relay/internal/domain"
)

// Outcome is how a response ended for the aggregator.
type Outcome int

const (
	OutcomeDone Outcome = iota
	OutcomeFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Consume applies frames from src to msg strictly in arrival order and calls
// publish with the whole content after every non-empty Delta. Cancellation is
// checked at each frame boundary; a cancelled consume returns
// domain.ErrCallerCancelled and leaves msg holding exactly the frames applied
// so far. src is closed on return.
func Consume(ctx context.Context, src FrameSource, msg *AggregatedMessage, publish func(content string)) (Outcome, error) {
	defer src.Close()

	for {
		if ctx.Err() != nil {
			return OutcomeCancelled, domain.ErrCallerCancelled
		}

		f, err := src.Next()
		if ctx.Err() != nil {
			return OutcomeCancelled, domain.ErrCallerCancelled
		}
		if err != nil {
			msg.Finalize()
			return OutcomeFailed, fmt.Errorf("failed to read frame: %w", err)
		}

		switch f.Kind {
		case domain.FrameDelta:
			if f.Text == "" {
				continue
			}
			if err := msg.Append(f.Text); err != nil {
				return OutcomeFailed, err
			}
			if publish != nil {
				publish(msg.Content())
			}
		case domain.FrameDone:
			msg.Finalize()
			return OutcomeDone, nil
		case domain.FrameError:
			msg.Finalize()
			return OutcomeFailed, f.Err()
		default:
			msg.Finalize()
			return OutcomeFailed, errors.New("unknown frame kind " + f.Kind.String())
		}
	}
}
