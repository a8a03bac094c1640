// Package payload turns raw message bytes into a structured document
// and plucks channel values out of it via dot-notation paths.
package payload

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Document is the parsed form of a message payload: a key/value map,
// possibly nested for json payloads.
type Document map[string]interface{}

// metadata-looking keys are excluded from channel discovery but still
// carried in the stored raw readings.
var metadataKeys = map[string]struct{}{
	"timestamp": {},
	"ts":        {},
	"time":      {},
	"id":        {},
	"device_id": {},
	"sensor_id": {},
	"tenant":    {},
	"tenant_id": {},
	"version":   {},
}

// IsMetadataKey reports whether a top-level key should be skipped when
// discovering measurement channels from a payload.
func IsMetadataKey(key string) bool {
	_, ok := metadataKeys[strings.ToLower(key)]
	return ok
}

// Parse decodes raw bytes according to the sensor's configured format.
// Malformed or unrecognized payloads yield ok=false; the caller drops
// the message.
func Parse(format string, raw []byte) (Document, bool) {
	switch format {
	case "csv":
		return parseCSV(raw)
	case "text":
		return parseText(raw)
	default:
		return parseJSON(raw)
	}
}

func parseJSON(raw []byte) (Document, bool) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false
	}
	return doc, true
}

// parseCSV handles headerless and first-row-header positional values.
// The first row is a header iff at least one of its fields fails
// numeric parsing. Headerless columns are named col0..colN.
func parseCSV(raw []byte) (Document, bool) {
	lines := splitNonEmpty(string(raw), "\n")
	if len(lines) == 0 {
		return nil, false
	}
	first := splitTrimmed(lines[0], ",")
	header := false
	for _, f := range first {
		if _, err := strconv.ParseFloat(f, 64); err != nil {
			header = true
			break
		}
	}
	doc := Document{}
	if header {
		if len(lines) < 2 {
			return nil, false
		}
		values := splitTrimmed(lines[1], ",")
		for i, name := range first {
			if i >= len(values) {
				break
			}
			doc[name] = csvValue(values[i])
		}
	} else {
		for i, f := range first {
			doc[fmt.Sprintf("col%d", i)] = csvValue(f)
		}
	}
	if len(doc) == 0 {
		return nil, false
	}
	return doc, true
}

func csvValue(s string) interface{} {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v
	}
	return s
}

// parseText handles key=value pairs separated by ';', '&' or newline,
// or a single bare numeric value.
func parseText(raw []byte) (Document, bool) {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return nil, false
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return Document{"value": v}, true
	}
	pairs := strings.FieldsFunc(s, func(r rune) bool {
		return r == ';' || r == '&' || r == '\n'
	})
	doc := Document{}
	for _, p := range pairs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		if key == "" {
			continue
		}
		doc[key] = csvValue(val)
	}
	if len(doc) == 0 {
		return nil, false
	}
	return doc, true
}

var indexedSegment = regexp.MustCompile(`^(.+)\[(\d+)\]$`)

// Extract walks a dot-notation path, with optional name[index] array
// indexing, through the document. A missing intermediate key aborts
// extraction for this path only.
func Extract(doc Document, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	var cur interface{} = map[string]interface{}(doc)
	for _, seg := range strings.Split(path, ".") {
		name := seg
		idx := -1
		if m := indexedSegment.FindStringSubmatch(seg); m != nil {
			name = m[1]
			idx, _ = strconv.Atoi(m[2])
		}
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = obj[name]
		if !ok {
			return nil, false
		}
		if idx >= 0 {
			arr, ok := cur.([]interface{})
			if !ok || idx >= len(arr) {
				return nil, false
			}
			cur = arr[idx]
		}
	}
	return cur, true
}

// Coerce converts an extracted value to a finite float64. Non-numeric
// and non-finite values yield ok=false and the channel is skipped.
func Coerce(v interface{}) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	case bool:
		if t {
			f = 1
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if strings.TrimSpace(p) != "" {
			out = append(out, strings.TrimSpace(p))
		}
	}
	return out
}

func splitTrimmed(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
