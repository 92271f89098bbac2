package openai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tjfontaine/polyglot-chat-relay/internal/domain"
)

// ContentTypeEventStream marks an incremental body.
const ContentTypeEventStream = "text/event-stream"

const doneMarker = "[DONE]"

var (
	dataPrefix = []byte("data:")
	doneLine   = []byte("data: [DONE]\n\n")
)

// LineKind classifies one line of an SSE body.
type LineKind int

const (
	// LineOther is anything that is not a data line: blank lines, comments,
	// event names and ids.
	LineOther LineKind = iota
	// LineData carries a JSON chunk.
	LineData
	// LineDone is the literal end-of-stream marker.
	LineDone
)

// ClassifyLine inspects a single SSE line (with or without its line ending)
// and returns the data payload for data lines.
func ClassifyLine(line []byte) (LineKind, []byte) {
	line = bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(line, dataPrefix) {
		return LineOther, nil
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if string(payload) == doneMarker {
		return LineDone, payload
	}
	return LineData, payload
}

// ParseChunk decodes a data payload into a Delta or Error frame.
func ParseChunk(payload []byte) (domain.Frame, error) {
	var chunk struct {
		Choices []struct {
			Delta   ChunkDelta  `json:"delta"`
			Message ChatMessage `json:"message"`
		} `json:"choices"`
		Error *ErrorBody `json:"error"`
	}
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return domain.Frame{}, fmt.Errorf("failed to unmarshal chunk: %w", err)
	}
	if chunk.Error != nil {
		return domain.ErrorFrame(chunk.Error.Message, chunk.Error.Type), nil
	}
	if len(chunk.Choices) == 0 {
		return domain.DeltaFrame(""), nil
	}
	c := chunk.Choices[0]
	if c.Delta.Content != "" {
		return domain.DeltaFrame(c.Delta.Content), nil
	}
	return domain.DeltaFrame(c.Message.Content), nil
}

// IsErrorPayload reports whether a data payload is an error envelope.
func IsErrorPayload(payload []byte) bool {
	var probe struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	return len(probe.Error) > 0 && string(probe.Error) != "null"
}

// ChunkMeta identifies the chunks synthesized for one response.
type ChunkMeta struct {
	ID      string
	Model   string
	Created int64
}

// WriteDelta writes one Delta frame as a chat.completion.chunk data line.
func WriteDelta(w io.Writer, meta ChunkMeta, text string) error {
	chunk := ChatCompletionChunk{
		ID:      meta.ID,
		Object:  "chat.completion.chunk",
		Created: meta.Created,
		Model:   meta.Model,
		Choices: []ChunkChoice{{Index: 0, Delta: ChunkDelta{Content: text}}},
	}
	return writeData(w, chunk)
}

// WriteDone writes the end-of-stream marker.
func WriteDone(w io.Writer) error {
	_, err := w.Write(doneLine)
	return err
}

// WriteError writes an Error frame.
func WriteError(w io.Writer, message, errType string) error {
	return writeData(w, ErrorResponse{Error: ErrorBody{Message: message, Type: errType}})
}

func writeData(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	buf := make([]byte, 0, len(data)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, data...)
	buf = append(buf, '\n', '\n')
	_, err = w.Write(buf)
	return err
}
