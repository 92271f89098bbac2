package domain

import (
	"io"
)

// FrameKind tags the variants of the streaming protocol.
type FrameKind int

const (
	FrameDelta FrameKind = iota
	FrameDone
	FrameError
)

func (k FrameKind) String() string {
	switch k {
	case FrameDelta:
		return "delta"
	case FrameDone:
		return "done"
	case FrameError:
		return "error"
	}
	return "unknown"
}

// Frame is one unit of the caller-facing stream. A request produces any number
// of Delta frames followed by exactly one terminal frame (Done or Error).
type Frame struct {
	Kind FrameKind
	// Text is the incremental content of a Delta frame.
	Text string
	// Message and ErrorType describe an Error frame.
	Message   string
	ErrorType string
}

func DeltaFrame(text string) Frame { return Frame{Kind: FrameDelta, Text: text} }

func DoneFrame() Frame { return Frame{Kind: FrameDone} }

func ErrorFrame(message, errorType string) Frame {
	return Frame{Kind: FrameError, Message: message, ErrorType: errorType}
}

// Terminal reports whether no frame may follow f.
func (f Frame) Terminal() bool {
	return f.Kind == FrameDone || f.Kind == FrameError
}

// Err converts an Error frame into an error value.
func (f Frame) Err() error {
	if f.Kind != FrameError {
		return nil
	}
	return &StreamError{Type: f.ErrorType, Message: f.Message}
}

// StreamError is an Error frame observed by a consumer.
type StreamError struct {
	Type    string
	Message string
}

func (e *StreamError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return e.Type + ": " + e.Message
}

// UpstreamBody is the shape of an upstream reply, resolved once at the relay
// boundary: either StreamingChoice or CompleteChoice.
type UpstreamBody interface {
	upstreamBody()
}

// StreamingChoice is an incremental (SSE) upstream body. The receiver owns Body.
type StreamingChoice struct {
	Body        io.ReadCloser
	ContentType string
}

// CompleteChoice is a single parsed upstream response.
type CompleteChoice struct {
	ID           string
	Model        string
	Content      string
	FinishReason string
	Usage        Usage
	// Raw is the upstream body exactly as received.
	Raw []byte
}

func (StreamingChoice) upstreamBody() {}
func (CompleteChoice) upstreamBody()  {}
