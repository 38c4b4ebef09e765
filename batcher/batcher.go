// Package batcher packs rendered interval lines into the fewest ordered
// batches that fit the per-request input budget.
package batcher

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/nijaru/vid-feedback/errors"
	"github.com/nijaru/vid-feedback/models"
	"github.com/nijaru/vid-feedback/tokenizer"
)

type Options struct {
	// MaxTokens is the input budget a batch may not exceed.
	MaxTokens int
	// PerLineOverhead is added to every line's token count.
	PerLineOverhead int
}

type Batcher struct {
	counter  tokenizer.Counter
	maxTok   int
	overhead int
	logger   *logrus.Entry
}

func New(counter tokenizer.Counter, opts Options) (*Batcher, error) {
	const op = "batcher.New"
	if opts.MaxTokens <= 0 {
		return nil, errors.Sizing(op, nil, fmt.Sprintf("input budget must be positive, got %d", opts.MaxTokens))
	}
	if opts.PerLineOverhead < 0 {
		return nil, errors.Sizing(op, nil, fmt.Sprintf("per-line overhead must not be negative, got %d", opts.PerLineOverhead))
	}
	return &Batcher{
		counter:  counter,
		maxTok:   opts.MaxTokens,
		overhead: opts.PerLineOverhead,
		logger:   logrus.WithField("component", "batcher"),
	}, nil
}

// LineCost is the budget one line consumes, including its newline.
func (b *Batcher) LineCost(line string) int {
	return b.counter.Count(line+"\n") + b.overhead
}

// Make greedily fills batches in order. A line that alone exceeds the
// budget is emitted as its own batch and logged.
func (b *Batcher) Make(ctx context.Context, lines []string) ([]models.Batch, error) {
	const op = "Batcher.Make"

	if len(lines) == 0 {
		return nil, errors.Batching(op, errors.ErrEmptyInput, "no lines to batch")
	}

	var (
		batches []models.Batch
		bucket  []string
		tokens  int
	)
	flush := func() {
		batches = append(batches, models.Batch{
			Index:  len(batches),
			Lines:  bucket,
			Tokens: tokens,
		})
		bucket, tokens = nil, 0
	}

	for i, line := range lines {
		if err := ctxErr(ctx); err != nil {
			return nil, errors.Batching(op, err, "batching cancelled")
		}

		cost := b.LineCost(line)
		if tokens+cost > b.maxTok && len(bucket) > 0 {
			flush()
		}
		if cost > b.maxTok {
			b.logger.WithFields(logrus.Fields{
				"line":       i,
				"tokens":     cost,
				"max_tokens": b.maxTok,
			}).Warn("Line exceeds input budget on its own, sending it as a single batch")
		}
		bucket = append(bucket, line)
		tokens += cost
	}
	if len(bucket) > 0 {
		flush()
	}

	b.logger.WithFields(logrus.Fields{
		"lines":   len(lines),
		"batches": len(batches),
	}).Debug("Batching complete")

	return batches, nil
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
