// Package relay forwards chat completion requests upstream and normalizes the
// reply into one incremental-delivery contract: a sequence of Delta frames
// closed by exactly one Done or Error frame.
//
// When the upstream answers with an event stream, its bytes are passed through
// unchanged as they arrive. When it answers with a single complete body,
// because the model cannot stream or streaming was not requested, the relay
// synthesizes an equivalent stream from it. Failures are never retried here.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-chat-relay/internal/api/openai"
	"github.com/tjfontaine/polyglot-chat-relay/internal/capability"
	"github.com/tjfontaine/polyglot-chat-relay/internal/domain"
)

const tracerName = "github.com/tjfontaine/polyglot-chat-relay/internal/relay"

// Dispatcher performs the upstream call. *openai.Client implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ep openai.Endpoint, req *openai.ChatCompletionRequest, userAgent string) (domain.UpstreamBody, error)
}

// TokenCounter estimates completion tokens for the request log.
type TokenCounter interface {
	CountText(model, text string) int
}

// Path records how a streamed reply was produced.
type Path string

const (
	PathPassthrough Path = "passthrough"
	PathSynthesis   Path = "synthesis"
)

// Outcome is how a request ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Summary describes one finished Stream call.
type Summary struct {
	Model            string
	Path             Path
	Outcome          Outcome
	Frames           int
	CompletionTokens int
	Duration         time.Duration
	Err              *domain.RelayError
}

// Completion is the result of a non-streaming call.
type Completion struct {
	ID           string
	Model        string
	Content      string
	FinishReason string
	Usage        domain.Usage
	// Raw is the upstream body when it was already a complete response.
	Raw []byte
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

// WithTokenCounter enables completion token estimates.
func WithTokenCounter(c TokenCounter) Option {
	return func(r *Relay) {
		r.counter = c
	}
}

// WithTracer overrides the tracer, mostly for tests.
func WithTracer(t trace.Tracer) Option {
	return func(r *Relay) {
		r.tracer = t
	}
}

// Relay is stateless between requests and safe for concurrent use.
type Relay struct {
	resolver Resolver
	caps     capability.Lookup
	upstream Dispatcher
	counter  TokenCounter
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func New(resolver Resolver, caps capability.Lookup, upstream Dispatcher, opts ...Option) *Relay {
	r := &Relay{
		resolver: resolver,
		caps:     caps,
		upstream: upstream,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Stream runs one request and writes its frames to sink. It returns once a
// terminal frame has been written or the caller went away.
func (r *Relay) Stream(ctx context.Context, req *domain.CompletionRequest, sink FrameSink) Summary {
	start := r.now()
	sum := Summary{Model: req.Model}

	target, err := r.resolver.Resolve(req.Model)
	if err != nil {
		r.fail(sink, &sum, openai.ChunkMeta{Model: req.Model}, domain.Unreachable(err))
		sum.Duration = r.now().Sub(start)
		return sum
	}
	sum.Model = target.Model

	streaming := req.Stream && r.caps.Lookup(target.Model).Streaming

	ctx, span := r.tracer.Start(ctx, "relay.stream", trace.WithAttributes(
		attribute.String("relay.model", target.Model),
		attribute.Bool("relay.stream_requested", req.Stream),
		attribute.Bool("relay.upstream_streaming", streaming),
	))
	defer span.End()

	upCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	wd := newWatchdog(cancel)
	defer wd.stop()

	upstreamReq := openai.FromDomain(req, streaming)
	upstreamReq.Model = target.Model

	wd.arm(target.ResponseTimeout, "waiting for response headers")
	body, err := r.upstream.Dispatch(upCtx, target.Endpoint, upstreamReq, req.UserAgent)
	if err != nil {
		r.finish(ctx, sink, &sum, openai.ChunkMeta{Model: target.Model}, r.classify(ctx, wd, err))
	} else {
		switch b := body.(type) {
		case domain.StreamingChoice:
			sum.Path = PathPassthrough
			r.passthrough(ctx, wd, target, b, sink, &sum)
		case domain.CompleteChoice:
			wd.stop()
			sum.Path = PathSynthesis
			r.synthesize(ctx, target, b, sink, &sum)
		}
	}

	sum.Duration = r.now().Sub(start)
	span.SetAttributes(
		attribute.String("relay.path", string(sum.Path)),
		attribute.String("relay.outcome", string(sum.Outcome)),
		attribute.Int("relay.frames", sum.Frames),
	)
	if sum.Err != nil {
		span.RecordError(sum.Err)
		span.SetStatus(codes.Error, string(sum.Err.Kind))
	}
	return sum
}

// Complete runs one non-streaming request. Failures are *domain.RelayError;
// a caller cancellation returns domain.ErrCallerCancelled.
func (r *Relay) Complete(ctx context.Context, req *domain.CompletionRequest) (*Completion, error) {
	target, err := r.resolver.Resolve(req.Model)
	if err != nil {
		return nil, domain.Unreachable(err)
	}

	ctx, span := r.tracer.Start(ctx, "relay.complete", trace.WithAttributes(
		attribute.String("relay.model", target.Model),
	))
	defer span.End()

	upCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	wd := newWatchdog(cancel)
	defer wd.stop()

	upstreamReq := openai.FromDomain(req, false)
	upstreamReq.Model = target.Model

	wd.arm(target.ResponseTimeout, "waiting for response headers")
	body, err := r.upstream.Dispatch(upCtx, target.Endpoint, upstreamReq, req.UserAgent)
	if err != nil {
		return nil, r.completeErr(span, r.classify(ctx, wd, err))
	}

	switch b := body.(type) {
	case domain.CompleteChoice:
		return &Completion{
			ID:           b.ID,
			Model:        b.Model,
			Content:      b.Content,
			FinishReason: b.FinishReason,
			Usage:        b.Usage,
			Raw:          b.Raw,
		}, nil
	case domain.StreamingChoice:
		// The upstream streamed anyway; collapse it into one response.
		content, err := r.collect(ctx, wd, target, b)
		if err != nil {
			return nil, r.completeErr(span, err)
		}
		return &Completion{ID: newChunkID(), Model: target.Model, Content: content, FinishReason: "stop"}, nil
	}
	return nil, r.completeErr(span, domain.Malformed(errors.New("unrecognized upstream body")))
}

func (r *Relay) completeErr(span trace.Span, err error) error {
	if errors.Is(err, domain.ErrCallerCancelled) {
		return err
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// classify turns an upstream error into a RelayError, or ErrCallerCancelled
// when the caller's own context ended.
func (r *Relay) classify(ctx context.Context, wd *watchdog, err error) error {
	if ctx.Err() != nil {
		return domain.ErrCallerCancelled
	}
	if timeout := wd.expired(); timeout != nil {
		return domain.Unreachable(timeout)
	}
	return domain.AsRelayError(err)
}

// finish records a terminal failure or cancellation and emits the Error frame.
func (r *Relay) finish(ctx context.Context, sink FrameSink, sum *Summary, meta openai.ChunkMeta, err error) {
	if errors.Is(err, domain.ErrCallerCancelled) {
		sum.Outcome = OutcomeCancelled
		r.logger.DebugContext(ctx, "relay cancelled by caller", slog.String("model", sum.Model))
		return
	}
	r.fail(sink, sum, meta, domain.AsRelayError(err))
}

func (r *Relay) fail(sink FrameSink, sum *Summary, meta openai.ChunkMeta, re *domain.RelayError) {
	sum.Outcome = OutcomeFailed
	sum.Err = re
	r.logger.Warn("relay failed",
		slog.String("model", sum.Model),
		slog.String("kind", string(re.Kind)),
		slog.String("error", re.Message),
		slog.Int("frames", sum.Frames))
	if err := sink.Frame(meta, domain.ErrorFrame(re.Message, string(re.Kind))); err != nil {
		r.logger.Debug("failed to write error frame", slog.String("error", err.Error()))
	}
}

func (r *Relay) countTokens(model, text string) int {
	if r.counter == nil || text == "" {
		return 0
	}
	return r.counter.CountText(model, text)
}

func newChunkID() string {
	return "chatcmpl-" + uuid.NewString()
}
