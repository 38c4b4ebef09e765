// Package compressor collapses runs of identical observations into
// labeled intervals.
package compressor

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/nijaru/vid-feedback/errors"
	"github.com/nijaru/vid-feedback/models"
)

// RangeSeparator joins the first and last label of a multi-unit interval.
const RangeSeparator = "–"

type Compressor struct {
	normalizer *Normalizer
}

func New(normalizer *Normalizer) *Compressor {
	return &Compressor{normalizer: normalizer}
}

// Compress sorts observations by unit and emits the minimal interval list
// covering them. Adjacent intervals never share text.
func (c *Compressor) Compress(observations []models.Observation) ([]models.CompressedInterval, error) {
	const op = "Compressor.Compress"

	if len(observations) == 0 {
		return nil, errors.Input(op, errors.ErrEmptyInput, "nothing to compress")
	}

	sorted := append([]models.Observation(nil), observations...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Unit < sorted[j].Unit
	})

	var (
		intervals []models.CompressedInterval
		current   *models.CompressedInterval
	)
	for i, obs := range sorted {
		if i > 0 && obs.Unit == sorted[i-1].Unit {
			return nil, errors.Compression(op, nil,
				fmt.Sprintf("duplicate time unit %d (%s, %s)", obs.Unit, sorted[i-1].Label, obs.Label))
		}

		text := c.normalizer.Normalize(obs.Content)
		if current != nil && current.Text == text {
			current.LastUnit = obs.Unit
			current.LastLabel = obs.Label
			current.Count++
			continue
		}
		if current != nil {
			intervals = append(intervals, *current)
		}
		current = &models.CompressedInterval{
			FirstUnit:  obs.Unit,
			LastUnit:   obs.Unit,
			FirstLabel: obs.Label,
			LastLabel:  obs.Label,
			Count:      1,
			Text:       text,
		}
	}
	intervals = append(intervals, *current)

	return intervals, nil
}

// Render formats one interval as a single prompt line.
func Render(iv models.CompressedInterval) string {
	first := label(iv.FirstLabel, iv.FirstUnit)
	if iv.IsSingle() {
		return first + ": " + iv.Text
	}
	return first + RangeSeparator + label(iv.LastLabel, iv.LastUnit) + ": " + iv.Text
}

// RenderAll formats every interval, preserving order.
func RenderAll(intervals []models.CompressedInterval) []string {
	lines := make([]string, len(intervals))
	for i, iv := range intervals {
		lines[i] = Render(iv)
	}
	return lines
}

// Expand reproduces the per-observation normalized text sequence.
func Expand(intervals []models.CompressedInterval) []string {
	var out []string
	for _, iv := range intervals {
		for i := 0; i < iv.Count; i++ {
			out = append(out, iv.Text)
		}
	}
	return out
}

func label(l string, unit int64) string {
	if l != "" {
		return l
	}
	return strconv.FormatInt(unit, 10)
}
