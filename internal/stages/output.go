package stages

import (
	"encoding/json"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/spigell/cv-screener/internal/utils"
)

// MalformedSnippetLength bounds the raw text kept from an unreadable response.
const MalformedSnippetLength = 300

// Output is either a parsed stage value or the leading fragment of a response
// that could not be decoded. Callers must handle both arms.
type Output[T any] struct {
	value  T
	parsed bool
	raw    string
}

func Parsed[T any](v T) Output[T] {
	return Output[T]{value: v, parsed: true}
}

func Malformed[T any](raw string) Output[T] {
	return Output[T]{raw: utils.Prefix(raw, MalformedSnippetLength)}
}

// Value returns the parsed value and true, or the zero value and false.
func (o Output[T]) Value() (T, bool) {
	return o.value, o.parsed
}

// IsMalformed reports whether decoding failed.
func (o Output[T]) IsMalformed() bool {
	return !o.parsed
}

// Raw is the kept fragment of a malformed response.
func (o Output[T]) Raw() string {
	return o.raw
}

// payload is what later stages see of this output.
func (o Output[T]) payload() any {
	if o.parsed {
		return o.value
	}
	return map[string]any{"malformed": true, "raw": o.raw}
}

// Parse decodes raw as a JSON object, first strictly and then from the first
// '{' to the last '}'. The object is mapped onto T with weak typing so numeric
// strings are accepted.
func Parse[T any](raw string) Output[T] {
	obj, ok := decodeObject(raw)
	if !ok {
		return Malformed[T](raw)
	}

	var v T
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &v,
	})
	if err != nil {
		return Malformed[T](raw)
	}
	if err := decoder.Decode(obj); err != nil {
		return Malformed[T](raw)
	}

	return Parsed(v)
}

func decodeObject(raw string) (map[string]any, bool) {
	text := strings.TrimSpace(raw)

	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil && obj != nil {
		return obj, true
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, false
	}

	obj = nil
	if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err == nil && obj != nil {
		return obj, true
	}

	return nil, false
}
