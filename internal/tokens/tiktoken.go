package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TiktokenCounter counts OpenAI model tokens with the model's BPE encoding.
type TiktokenCounter struct {
	matcher *ModelMatcher

	mu     sync.RWMutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
}

func NewTiktokenCounter() *TiktokenCounter {
	return &TiktokenCounter{
		matcher: NewModelMatcher(
			[]string{"gpt-", "o1", "o3", "o4", "chatgpt-", "text-embedding"},
			nil,
		),
		codecs: make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

func (c *TiktokenCounter) SupportsModel(model string) bool {
	return c.matcher.Matches(model)
}

func (c *TiktokenCounter) CountText(model, text string) (int, error) {
	codec, err := c.codec(encodingFor(model))
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("failed to encode text: %w", err)
	}
	return len(ids), nil
}

func (c *TiktokenCounter) codec(enc tokenizer.Encoding) (tokenizer.Codec, error) {
	c.mu.RLock()
	codec, ok := c.codecs[enc]
	c.mu.RUnlock()
	if ok {
		return codec, nil
	}

	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding %s: %w", enc, err)
	}

	c.mu.Lock()
	c.codecs[enc] = codec
	c.mu.Unlock()
	return codec, nil
}

// encodingFor maps a model to its encoding. Older GPT-4 and GPT-3.5 models use
// cl100k_base; everything newer, and anything unknown, uses o200k_base.
func encodingFor(model string) tokenizer.Encoding {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4.1"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"), strings.HasPrefix(model, "text-embedding"):
		return tokenizer.Cl100kBase
	}
	return tokenizer.O200kBase
}
