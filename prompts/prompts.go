// Package prompts renders the map and reduce instructions sent to the
// completion service.
package prompts

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/nijaru/vid-feedback/llm"
)

var mapTemplate = template.Must(template.New("map").Parse(`You are an expert pre-school classroom observer.

For each frame description below, infer what the teacher and children are
doing, judge teaching quality, and provide constructive, actionable feedback.

OUTPUT FORMAT
{{- range .Rubric}}
- {{.}}
{{- end}}

{{.Context}}
`))

var reduceTemplate = template.Must(template.New("reduce").Parse(`You are an instructional-coaching expert.

**Important:** The notes below appear in chronological order. Combine them
into ONE cohesive report, keeping the same sequence so the reader can follow
the lesson flow.

Notes to merge:
{{.Context}}
{{range .Rubric}}
- {{.}}
{{- end}}

Merge duplicates, eliminate contradictions, and prioritize clarity and actionability.
`))

// NoteSeparator joins partial notes in the reduce prompt.
const NoteSeparator = "\n\n"

type Builder struct {
	rubric []string
}

func NewBuilder(rubric []string) *Builder {
	return &Builder{rubric: append([]string(nil), rubric...)}
}

// Map builds the request for one batch of interval lines.
func (b *Builder) Map(batchText string) ([]llm.Message, error) {
	return b.render(mapTemplate, batchText)
}

// Reduce builds the merge request over notes, which must already be in
// batch order.
func (b *Builder) Reduce(notes []string) ([]llm.Message, error) {
	return b.render(reduceTemplate, strings.Join(notes, NoteSeparator))
}

func (b *Builder) render(tmpl *template.Template, context string) ([]llm.Message, error) {
	var buf bytes.Buffer
	err := tmpl.Execute(&buf, struct {
		Rubric  []string
		Context string
	}{b.rubric, context})
	if err != nil {
		return nil, err
	}
	return []llm.Message{{Role: llm.RoleUser, Content: buf.String()}}, nil
}
