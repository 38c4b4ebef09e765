// Package tokenizer counts tokens the way the completion service bills them.
package tokenizer

import (
	"fmt"

	tiktoken "github.com/pkoukk/tiktoken-go"
	"github.com/sirupsen/logrus"

	"github.com/nijaru/vid-feedback/errors"
)

// Counter returns the number of tokens text occupies for the target model.
type Counter interface {
	Count(text string) int
}

// CounterFunc adapts a plain function to Counter.
type CounterFunc func(text string) int

func (f CounterFunc) Count(text string) int { return f(text) }

// Tiktoken counts with the BPE encoding the model is billed in.
type Tiktoken struct {
	enc      *tiktoken.Tiktoken
	encoding string
}

// New resolves the encoding for model. An unknown model is an error unless
// fallbackEncoding names an encoding to use instead; there is no
// character-count approximation.
func New(model, fallbackEncoding string) (*Tiktoken, error) {
	const op = "tokenizer.New"

	enc, err := tiktoken.EncodingForModel(model)
	if err == nil {
		return &Tiktoken{enc: enc, encoding: model}, nil
	}
	if fallbackEncoding == "" {
		return nil, errors.Sizing(op, err, fmt.Sprintf("no tokenizer encoding for model %q", model))
	}

	enc, ferr := tiktoken.GetEncoding(fallbackEncoding)
	if ferr != nil {
		return nil, errors.Sizing(op, ferr, fmt.Sprintf("unknown tokenizer encoding %q", fallbackEncoding))
	}
	logrus.WithFields(logrus.Fields{
		"model":    model,
		"encoding": fallbackEncoding,
	}).Warn("Model not recognised by tokenizer, using configured encoding")
	return &Tiktoken{enc: enc, encoding: fallbackEncoding}, nil
}

func (t *Tiktoken) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// Encoding reports the model or encoding name the counter was built from.
func (t *Tiktoken) Encoding() string {
	return t.encoding
}
