// Package ingest decodes the per-frame caption artifact produced by the
// captioning step.
package ingest

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"github.com/nijaru/vid-feedback/errors"
	"github.com/nijaru/vid-feedback/models"
)

// Metadata keys inside a multi-dimensional entry that are not descriptions.
const (
	KeyTimeSeconds = "time_s"
	KeyTimeMinutes = "time_min"
)

var (
	// frame_0012.jpg, clip7, 42. A digit run preceded by a dot is not an ordinal.
	trailingOrdinal = regexp.MustCompile(`(?:^|[^\d.])(\d+)(?:\.[A-Za-z][A-Za-z0-9]*)?$`)
	// mm:ss or hh:mm:ss with optional fractional seconds.
	clockKey   = regexp.MustCompile(`^(\d+):(\d{1,2})(?::(\d{1,2}))?(\.\d+)?$`)
	decimalKey = regexp.MustCompile(`^\d+(?:\.\d+)?$`)
)

type entry struct {
	key     string
	content models.Content
	timeS   *float64
}

// ReadFile decodes the artifact at path.
func ReadFile(path string) ([]models.Observation, error) {
	const op = "ingest.ReadFile"

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Input(op, err, "failed to open observations file")
	}
	defer f.Close()

	return Read(f)
}

// Read decodes a JSON object mapping frame keys to either a description
// string or an object of dimension descriptions. Key order is preserved.
// Units are milliseconds when every key is a clock or decimal timestamp,
// else the trailing number of every key, else milliseconds from time_s,
// else the key position. A source that would give two entries the same
// unit is skipped.
func Read(r io.Reader) ([]models.Observation, error) {
	const op = "ingest.Read"

	dec := json.NewDecoder(r)
	dec.UseNumber()

	if err := expectDelim(dec, '{'); err != nil {
		return nil, errors.Input(op, err, "observations must be a JSON object")
	}

	var entries []entry
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, errors.Input(op, err, "malformed observations JSON")
		}
		key := tok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, errors.Input(op, err, fmt.Sprintf("malformed value for %q", key))
		}

		e, err := parseEntry(key, raw)
		if err != nil {
			return nil, errors.Input(op, err, fmt.Sprintf("invalid observation %q", key))
		}
		entries = append(entries, e)
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, errors.Input(op, err, "malformed observations JSON")
	}
	if len(entries) == 0 {
		return nil, errors.Input(op, errors.ErrEmptyInput, "observations file is empty")
	}

	units, source := assignUnits(entries)
	logrus.WithFields(logrus.Fields{
		"observations": len(entries),
		"unit_source":  source,
	}).Debug("Observations decoded")

	out := make([]models.Observation, len(entries))
	for i, e := range entries {
		out[i] = models.Observation{Unit: units[i], Label: e.key, Content: e.content}
	}
	return out, nil
}

func parseEntry(key string, raw json.RawMessage) (entry, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return entry{}, fmt.Errorf("empty value")
	}

	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return entry{}, err
		}
		return entry{key: key, content: models.Simple(text)}, nil
	case '{':
		return parseDimensions(key, trimmed)
	default:
		return entry{}, fmt.Errorf("expected a string or an object")
	}
}

func parseDimensions(key string, raw []byte) (entry, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := expectDelim(dec, '{'); err != nil {
		return entry{}, err
	}

	e := entry{key: key}
	var dims []models.Dimension
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return entry{}, err
		}
		name := tok.(string)

		var value interface{}
		if err := dec.Decode(&value); err != nil {
			return entry{}, err
		}

		switch name {
		case KeyTimeSeconds:
			if n, ok := value.(json.Number); ok {
				if f, err := n.Float64(); err == nil {
					e.timeS = &f
				}
			}
			continue
		case KeyTimeMinutes:
			continue
		}

		text, ok := value.(string)
		if !ok {
			logrus.WithFields(logrus.Fields{
				"key":       key,
				"dimension": name,
			}).Debug("Skipping non-text dimension")
			continue
		}
		dims = append(dims, models.Dimension{Name: name, Text: text})
	}
	if len(dims) == 0 {
		return entry{}, fmt.Errorf("no text dimensions")
	}
	e.content = models.MultiDimensional(dims...)
	return e, nil
}

type unitSource struct {
	name string
	unit func(e entry) (int64, bool)
}

var unitSources = []unitSource{
	{"clock key", func(e entry) (int64, bool) { return clockMillis(e.key) }},
	{"key", func(e entry) (int64, bool) { return keyOrdinal(e.key) }},
	{"decimal key", func(e entry) (int64, bool) { return decimalMillis(e.key) }},
	{"time_s", func(e entry) (int64, bool) {
		if e.timeS == nil {
			return 0, false
		}
		return int64(math.Round(*e.timeS * 1000)), true
	}},
}

func assignUnits(entries []entry) ([]int64, string) {
	for _, src := range unitSources {
		units, ok := unitsFrom(entries, src.unit)
		if !ok {
			continue
		}
		if i, j, dup := firstDuplicate(units); dup {
			logrus.WithFields(logrus.Fields{
				"unit_source": src.name,
				"first":       entries[i].key,
				"second":      entries[j].key,
			}).Warn("Keys map to the same time unit, trying the next unit source")
			continue
		}
		if i := firstDecrease(units); i > 0 {
			logrus.WithFields(logrus.Fields{
				"unit_source": src.name,
				"key":         entries[i].key,
				"previous":    entries[i-1].key,
			}).Warn("Observations are out of chronological order and will be sorted by time unit")
		}
		return units, src.name
	}

	units := make([]int64, len(entries))
	for i := range entries {
		units[i] = int64(i)
	}
	return units, "position"
}

func unitsFrom(entries []entry, unit func(entry) (int64, bool)) ([]int64, bool) {
	units := make([]int64, len(entries))
	for i, e := range entries {
		u, ok := unit(e)
		if !ok {
			return nil, false
		}
		units[i] = u
	}
	return units, true
}

func firstDuplicate(units []int64) (int, int, bool) {
	seen := make(map[int64]int, len(units))
	for j, u := range units {
		if i, ok := seen[u]; ok {
			return i, j, true
		}
		seen[u] = j
	}
	return 0, 0, false
}

// firstDecrease returns the first index whose unit is below its
// predecessor's, or 0.
func firstDecrease(units []int64) int {
	for i := 1; i < len(units); i++ {
		if units[i] < units[i-1] {
			return i
		}
	}
	return 0
}

func clockMillis(key string) (int64, bool) {
	m := clockKey.FindStringSubmatch(key)
	if m == nil {
		return 0, false
	}
	var secs int64
	for i, field := range m[1:4] {
		if field == "" {
			continue
		}
		n, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return 0, false
		}
		// Minutes and seconds roll over at 60.
		if i > 0 && n >= 60 {
			return 0, false
		}
		secs = secs*60 + n
	}
	ms := secs * 1000
	if m[4] != "" {
		frac, err := strconv.ParseFloat("0"+m[4], 64)
		if err != nil {
			return 0, false
		}
		ms += int64(math.Round(frac * 1000))
	}
	return ms, true
}

func keyOrdinal(key string) (int64, bool) {
	m := trailingOrdinal.FindStringSubmatch(key)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func decimalMillis(key string) (int64, bool) {
	if !decimalKey.MatchString(key) {
		return 0, false
	}
	f, err := strconv.ParseFloat(key, 64)
	if err != nil {
		return 0, false
	}
	return int64(math.Round(f * 1000)), true
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

// Digest fingerprints a run's batched input together with the model and
// rubric. Cached partial notes are keyed by it.
func Digest(model string, rubric, batches []string) string {
	h := blake3.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(model)
	for _, s := range rubric {
		write(s)
	}
	h.Write([]byte{1})
	for _, b := range batches {
		write(b)
	}
	return hex.EncodeToString(h.Sum(nil))
}
