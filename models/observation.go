package models

import "strings"

// Dimension is one named facet of a multi-dimensional observation.
type Dimension struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Content is either a single description or an ordered set of
// dimension descriptions. Exactly one of Text or Dimensions is set.
type Content struct {
	Text       string      `json:"text,omitempty"`
	Dimensions []Dimension `json:"dimensions,omitempty"`
}

func Simple(text string) Content {
	return Content{Text: text}
}

func MultiDimensional(dims ...Dimension) Content {
	return Content{Dimensions: dims}
}

func (c Content) IsMultiDimensional() bool {
	return len(c.Dimensions) > 0
}

// Observation is the description of a single time unit of the video.
type Observation struct {
	Unit    int64   `json:"unit"`
	Label   string  `json:"label"`
	Content Content `json:"content"`
}

// CompressedInterval is a maximal run of consecutive units sharing the
// same normalized text. FirstUnit <= LastUnit always holds.
type CompressedInterval struct {
	FirstUnit  int64  `json:"first_unit"`
	LastUnit   int64  `json:"last_unit"`
	FirstLabel string `json:"first_label"`
	LastLabel  string `json:"last_label"`
	Count      int    `json:"count"`
	Text       string `json:"text"`
}

func (i CompressedInterval) IsSingle() bool {
	return i.FirstUnit == i.LastUnit
}

// Batch is an ordered, non-empty run of rendered interval lines.
type Batch struct {
	Index  int      `json:"index"`
	Lines  []string `json:"lines"`
	Tokens int      `json:"tokens"`
}

// Text joins the batch lines the way they are sent to the model.
func (b Batch) Text() string {
	return strings.Join(b.Lines, "\n")
}

type PartialNote struct {
	BatchIndex int    `json:"batch_index"`
	Text       string `json:"text"`
}
