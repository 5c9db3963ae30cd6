// Package normalizer maps whatever an upstream call or the local fallback
// produced into the canonical models.Envelope.
//
// Normalize is total and pure: it never panics and the same input always
// yields an identical envelope. The rules are applied in order:
//
//  1. nil: error envelope "no result produced".
//  2. A mapping with a "content" list (and optional boolean "isError"):
//     every list entry becomes one text item; entries without a string
//     "text" become empty text. The error flag is kept as given.
//  3. A scalar: one text item holding its string form.
//  4. A sequence: its first element, stringified, is the payload. An empty
//     sequence is treated as nil; a nil first element reads "null".
//  5. Any other mapping: one text item holding its JSON encoding with
//     sorted keys. Non-string keys are formatted with fmt.Sprint and
//     non-finite numbers are written as the strings "NaN", "+Inf", "-Inf".
//
// Raw JSON bytes are decoded first; typed values (for example
// *mcp.CallToolResult) are reduced to their JSON form and then normalized.
package normalizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"mcp_gateway/backend/go/internal/models"
)

// NoResultDiagnostic is the text of the envelope produced for a nil result.
const NoResultDiagnostic = "no result produced"

// EmptyContentDiagnostic is used when a structured result has an empty
// content list, so that a non-error envelope is never empty.
const EmptyContentDiagnostic = "result contained no content"

// Shape names which rule handled a raw result.
type Shape string

const (
	ShapeNone       Shape = "none"
	ShapeStructured Shape = "structured"
	ShapeScalar     Shape = "scalar"
	ShapeSequence   Shape = "sequence"
	ShapeMapping    Shape = "mapping"
	ShapeOpaque     Shape = "opaque"
)

// Classify reports which rule Normalize applies to raw. It is meant for
// logging and metrics.
func Classify(raw any) (shape Shape) {
	defer func() {
		if recover() != nil {
			shape = ShapeOpaque
		}
	}()
	raw = decodeBytes(raw)
	switch v := raw.(type) {
	case nil:
		return ShapeNone
	case map[string]any:
		if _, ok := structuredContent(v); ok {
			return ShapeStructured
		}
		return ShapeMapping
	}
	if _, ok := scalarText(raw); ok {
		return ShapeScalar
	}
	switch reflect.ValueOf(raw).Kind() {
	case reflect.Slice, reflect.Array:
		return ShapeSequence
	case reflect.Map:
		if m, ok := plain(raw, 0).(map[string]any); ok {
			if _, ok := structuredContent(m); ok {
				return ShapeStructured
			}
		}
		return ShapeMapping
	}
	return ShapeOpaque
}

// Normalize converts raw into an envelope.
func Normalize(raw any) (env models.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			env = models.ErrorEnvelope(fmt.Sprintf("failed to normalize result: %v", r))
		}
	}()
	return normalize(raw, 0)
}

// maxDepth stops pathological self-describing inputs from recursing forever.
const maxDepth = 8

func normalize(raw any, depth int) models.Envelope {
	if depth > maxDepth {
		return models.ErrorEnvelope("failed to normalize result: nesting too deep")
	}
	raw = decodeBytes(raw)

	if raw == nil {
		return models.ErrorEnvelope(NoResultDiagnostic)
	}

	if m, ok := raw.(map[string]any); ok {
		if env, ok := structuredContent(m); ok {
			return env
		}
		return textEnvelope(canonicalJSON(m))
	}

	if s, ok := scalarText(raw); ok {
		return textEnvelope(s)
	}

	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Len() == 0 {
			return models.ErrorEnvelope(NoResultDiagnostic)
		}
		return textEnvelope(stringify(rv.Index(0).Interface()))
	case reflect.Map:
		m, _ := plain(raw, 0).(map[string]any)
		return normalize(m, depth+1)
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return models.ErrorEnvelope(NoResultDiagnostic)
		}
	}

	// typed values: normalize their JSON form
	data, err := json.Marshal(raw)
	if err != nil {
		return models.ErrorEnvelope(fmt.Sprintf("failed to normalize result of type %T: %v", raw, err))
	}
	return normalize(json.RawMessage(data), depth+1)
}

// structuredContent applies rule 2. ok is false when m does not have the
// content/error shape.
func structuredContent(m map[string]any) (models.Envelope, bool) {
	list, ok := asList(m["content"])
	if !ok {
		return models.Envelope{}, false
	}
	isError := false
	if flag, present := m["isError"]; present && flag != nil {
		b, ok := flag.(bool)
		if !ok {
			return models.Envelope{}, false
		}
		isError = b
	}
	if len(list) == 0 {
		return models.Envelope{
			IsError: true,
			Content: []models.ContentItem{models.TextItem(EmptyContentDiagnostic)},
		}, true
	}

	items := make([]models.ContentItem, len(list))
	for i, entry := range list {
		items[i] = models.TextItem(itemText(entry))
	}
	return models.Envelope{IsError: isError, Content: items}, true
}

// asList accepts any slice except raw bytes.
func asList(v any) ([]any, bool) {
	if list, ok := v.([]any); ok {
		return list, true
	}
	if v == nil {
		return nil, false
	}
	if _, isBytes := v.([]byte); isBytes {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// itemText is the per-item rule: the entry's "text" when it is a string,
// otherwise "".
func itemText(entry any) string {
	m, ok := entry.(map[string]any)
	if !ok && entry != nil {
		// typed content such as mcp.TextContent
		if data, err := json.Marshal(entry); err == nil {
			m, _ = decodeBytes(json.RawMessage(data)).(map[string]any)
		}
	}
	if s, ok := m["text"].(string); ok {
		return s
	}
	return ""
}

func textEnvelope(text string) models.Envelope {
	return models.Envelope{Content: []models.ContentItem{models.TextItem(text)}}
}

// scalarText formats strings, booleans and numbers.
func scalarText(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", t), true
	}
	return "", false
}

// stringify renders a sequence element as text.
func stringify(v any) string {
	v = decodeBytes(v)
	if s, ok := scalarText(v); ok {
		return s
	}
	return canonicalJSON(v)
}

// canonicalJSON encodes v with sorted map keys and without HTML escaping.
// encoding/json sorts map keys, which is what makes the output stable.
func canonicalJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(plain(v, 0)); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// plain rebuilds maps and sequences into map[string]any and []any so that
// encoding/json accepts them: map keys go through fmt.Sprint and NaN or
// infinite floats become their strconv text. Other values pass unchanged.
func plain(v any, depth int) any {
	if depth > 4*maxDepth {
		return fmt.Sprintf("%T", v)
	}
	switch t := v.(type) {
	case nil, string, bool, json.Number, json.RawMessage, []byte:
		return v
	case float64:
		return finite(t, v)
	case float32:
		return finite(float64(t), v)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return map[string]any(nil)
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = plain(iter.Value().Interface(), depth+1)
		}
		return out
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return v
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = plain(rv.Index(i).Interface(), depth+1)
		}
		return out
	}
	return v
}

func finite(f float64, v any) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return v
}

// decodeBytes turns raw JSON into plain values. Bytes that are not JSON are
// treated as text.
func decodeBytes(raw any) any {
	var data []byte
	switch t := raw.(type) {
	case json.RawMessage:
		data = t
	case []byte:
		data = t
	default:
		return raw
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil || dec.More() {
		return string(data)
	}
	return out
}
