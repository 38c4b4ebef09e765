package compressor

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/nijaru/vid-feedback/models"
)

// Normalizer turns observation content into the canonical text compared
// during compression. Normalize is idempotent.
type Normalizer struct {
	boilerplate *regexp.Regexp
	order       map[string]int
}

// NewNormalizer compiles pattern case-insensitively. dimensionOrder fixes
// the rendering order of known dimensions; others follow lexically.
func NewNormalizer(pattern string, dimensionOrder []string) (*Normalizer, error) {
	n := &Normalizer{order: make(map[string]int, len(dimensionOrder))}
	if pattern != "" {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, err
		}
		if re.MatchString("") {
			return nil, fmt.Errorf("boilerplate pattern %q matches empty text", pattern)
		}
		n.boilerplate = re
	}
	for i, name := range dimensionOrder {
		if _, ok := n.order[name]; !ok {
			n.order[name] = i
		}
	}
	return n, nil
}

// Clean strips echoed prompt boilerplate, applies NFC and trims.
func (n *Normalizer) Clean(text string) string {
	text = strings.TrimSpace(norm.NFC.String(text))
	if n.boilerplate == nil {
		return text
	}
	// Removing one match can splice together another.
	for {
		next := strings.TrimSpace(n.boilerplate.ReplaceAllString(text, " "))
		if next == text {
			return text
		}
		text = next
	}
}

// Normalize renders content to its canonical comparison text.
func (n *Normalizer) Normalize(c models.Content) string {
	if !c.IsMultiDimensional() {
		return n.Clean(c.Text)
	}

	dims := n.ordered(c.Dimensions)
	parts := make([]string, 0, len(dims))
	for _, d := range dims {
		text := n.Clean(d.Text)
		if text == "" {
			continue
		}
		parts = append(parts, "["+d.Name+"] "+text)
	}
	return n.Clean(strings.Join(parts, " "))
}

func (n *Normalizer) ordered(dims []models.Dimension) []models.Dimension {
	out := append([]models.Dimension(nil), dims...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, iKnown := n.order[out[i].Name]
		rj, jKnown := n.order[out[j].Name]
		switch {
		case iKnown && jKnown:
			return ri < rj
		case iKnown != jKnown:
			return iKnown
		default:
			return out[i].Name < out[j].Name
		}
	})
	return out
}
