package aggregator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tjfontaine/polyglot-chat-relay/internal/domain"
)

var (
	// ErrBusy is returned when a request is started while another is in flight.
	ErrBusy = errors.New("a request is already in flight")
	// ErrNothingToReload is returned by Reload when there is no user turn.
	ErrNothingToReload = errors.New("no user message to reload")
	// ErrEmptyMessage is returned by Append for blank content.
	ErrEmptyMessage = errors.New("message content must not be blank")
)

// Sender issues one chat request and returns its frames.
type Sender interface {
	Send(ctx context.Context, req *domain.CompletionRequest, sessionID string) (FrameSource, error)
}

// Chat is the observable state of one conversation: the visible message
// list, a loading flag and the last error. It runs at most one request at a
// time, and every update of the visible list is applied under the ID of the
// request that produced it, so frames of a stopped request are never shown.
type Chat struct {
	sender    Sender
	model     string
	stream    bool
	history   History
	sessionID string
	logger    *slog.Logger

	onUpdate func([]Message)
	onFinish func(Message)
	onError  func(error)

	mu       sync.Mutex
	messages []Message
	loading  bool
	err      error
	active   string
	cancel   context.CancelFunc
}

type ChatOption func(*Chat)

func WithModel(model string) ChatOption {
	return func(c *Chat) {
		c.model = model
	}
}

// WithStream sets the streaming preference sent with each request.
func WithStream(stream bool) ChatOption {
	return func(c *Chat) {
		c.stream = stream
	}
}

// WithHistory persists finished turns to sessionID.
func WithHistory(h History, sessionID string) ChatOption {
	return func(c *Chat) {
		c.history = h
		c.sessionID = sessionID
	}
}

func WithLogger(logger *slog.Logger) ChatOption {
	return func(c *Chat) {
		c.logger = logger
	}
}

// OnUpdate is called with a copy of the visible list after every change.
func OnUpdate(fn func([]Message)) ChatOption {
	return func(c *Chat) {
		c.onUpdate = fn
	}
}

// OnFinish is called once per completed request whose content is not blank.
func OnFinish(fn func(Message)) ChatOption {
	return func(c *Chat) {
		c.onFinish = fn
	}
}

// OnError is called once per failed request. Stopped requests are not failures.
func OnError(fn func(error)) ChatOption {
	return func(c *Chat) {
		c.onError = fn
	}
}

func NewChat(sender Sender, opts ...ChatOption) *Chat {
	c := &Chat{
		sender: sender,
		stream: true,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Messages returns a copy of the visible list.
func (c *Chat) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Chat) IsLoading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Err returns the error of the last request, or nil.
func (c *Chat) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Load replaces the visible list with the persisted history of the session.
func (c *Chat) Load(ctx context.Context) error {
	if c.history == nil || c.sessionID == "" {
		return nil
	}
	msgs, err := c.history.ListMessages(ctx, c.sessionID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.loading {
		c.mu.Unlock()
		return ErrBusy
	}
	c.messages = append([]Message(nil), msgs...)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
	return nil
}

// Append adds a user turn and requests the assistant's answer. It blocks
// until the answer is complete, fails or is stopped; a stopped request
// returns domain.ErrCallerCancelled.
func (c *Chat) Append(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	if c.loading {
		c.mu.Unlock()
		return ErrBusy
	}
	c.messages = append(c.messages, Message{ID: uuid.NewString(), Role: domain.RoleUser, Content: content})
	c.mu.Unlock()

	return c.run(ctx, content)
}

// Reload drops everything after the last user turn and requests a new
// answer for it. The user turn is not persisted again.
func (c *Chat) Reload(ctx context.Context) error {
	c.mu.Lock()
	if c.loading {
		c.mu.Unlock()
		return ErrBusy
	}
	last := -1
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role == domain.RoleUser {
			last = i
			break
		}
	}
	if last < 0 {
		c.mu.Unlock()
		return ErrNothingToReload
	}
	c.messages = c.messages[:last+1]
	c.mu.Unlock()

	return c.run(ctx, "")
}

// Stop cancels the request in flight. The visible content keeps exactly the
// frames applied so far; a pending turn that received nothing is removed.
func (c *Chat) Stop() {
	c.mu.Lock()
	if !c.loading {
		c.mu.Unlock()
		return
	}
	c.cancel()
	c.active = ""
	c.loading = false
	c.cancel = nil
	c.dropBlankLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
}

// run issues one request for the current list. persistUser is the user
// turn to record in history before sending, if any.
func (c *Chat) run(ctx context.Context, persistUser string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msg := NewAggregatedMessage()
	reqID := uuid.NewString()

	c.mu.Lock()
	req := &domain.CompletionRequest{
		Model:    c.model,
		Messages: c.requestMessagesLocked(),
		Stream:   c.stream,
	}
	c.messages = append(c.messages, msg.Snapshot())
	c.loading = true
	c.err = nil
	c.active = reqID
	c.cancel = cancel
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)

	if persistUser != "" {
		c.persist(ctx, domain.RoleUser, persistUser)
	}

	var outcome Outcome
	src, err := c.sender.Send(ctx, req, c.sessionID)
	switch {
	case err == nil:
		outcome, err = Consume(ctx, src, msg, func(content string) {
			c.publish(reqID, msg.ID(), content)
		})
	case ctx.Err() != nil || errors.Is(err, domain.ErrCallerCancelled):
		outcome, err = OutcomeCancelled, domain.ErrCallerCancelled
	default:
		msg.Finalize()
		outcome = OutcomeFailed
	}

	return c.finish(ctx, reqID, msg, outcome, err)
}

func (c *Chat) publish(reqID, msgID, content string) {
	c.mu.Lock()
	if c.active != reqID {
		c.mu.Unlock()
		return
	}
	c.setContentLocked(msgID, content)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
}

func (c *Chat) finish(ctx context.Context, reqID string, msg *AggregatedMessage, outcome Outcome, err error) error {
	c.mu.Lock()
	if c.active != reqID {
		// Stop already settled the state of this request.
		c.mu.Unlock()
		return domain.ErrCallerCancelled
	}
	c.active = ""
	c.loading = false
	c.cancel = nil

	final := msg.Snapshot()
	c.setContentLocked(final.ID, final.Content)
	if outcome == OutcomeFailed {
		c.err = err
	}
	c.dropBlankLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)

	switch outcome {
	case OutcomeDone:
		if strings.TrimSpace(final.Content) == "" {
			return nil
		}
		c.persist(ctx, domain.RoleAssistant, final.Content)
		if c.onFinish != nil {
			c.onFinish(final)
		}
		return nil
	case OutcomeFailed:
		c.logger.Warn("chat request failed", slog.String("error", err.Error()))
		if c.onError != nil {
			c.onError(err)
		}
		return err
	default:
		return domain.ErrCallerCancelled
	}
}

func (c *Chat) persist(ctx context.Context, role domain.Role, content string) {
	if c.history == nil || c.sessionID == "" {
		return
	}
	if err := c.history.AddMessage(ctx, c.sessionID, role, content); err != nil {
		c.logger.Warn("failed to persist message",
			slog.String("session_id", c.sessionID),
			slog.String("role", string(role)),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Chat) notify(snap []Message) {
	if c.onUpdate != nil {
		c.onUpdate(snap)
	}
}

func (c *Chat) requestMessagesLocked() []domain.Message {
	out := make([]domain.Message, 0, len(c.messages))
	for _, m := range c.messages {
		out = append(out, domain.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func (c *Chat) setContentLocked(id, content string) {
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].ID == id {
			c.messages[i].Content = content
			return
		}
	}
}

// dropBlankLocked removes a trailing assistant turn with no visible content.
func (c *Chat) dropBlankLocked() {
	n := len(c.messages)
	if n == 0 {
		return
	}
	last := c.messages[n-1]
	if last.Role == domain.RoleAssistant && strings.TrimSpace(last.Content) == "" {
		c.messages = c.messages[:n-1]
	}
}

func (c *Chat) snapshotLocked() []Message {
	return append([]Message(nil), c.messages...)
}
