package relay

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rbaliyan/relay/broker"
	"github.com/rbaliyan/relay/codec"
)

// Reserved field names on stream records.
const (
	// FieldData carries a codec-encoded payload document.
	FieldData = "data"
	// FieldEncoding names the codec used for FieldData ("json" default).
	FieldEncoding = "encoding"
	// FieldResponseTo carries the ID of the message a record responds to.
	FieldResponseTo = "response_to"
)

// Fields is the generic decoded payload: raw string fields converted to
// typed values. Produced by the identity decoder when a listener declares no
// message type.
type Fields map[string]any

// Event returns the routing event type, or "".
func (f Fields) Event() string {
	if v, ok := f[broker.EventField].(string); ok {
		return v
	}
	return ""
}

// Get returns the named field and whether it was present.
func (f Fields) Get(key string) (any, bool) {
	v, ok := f[key]
	return v, ok
}

// String returns the named field as a string, or "" when absent.
func (f Fields) String(key string) string {
	switch v := f[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Decoder converts a raw record's fields into the payload passed to
// handlers. Decoders run once per distinct message type per message;
// handlers never trigger re-decoding.
type Decoder func(fields map[string]string) (any, error)

var (
	integerPattern = regexp.MustCompile(`^-?\d+$`)
	floatPattern   = regexp.MustCompile(`^-?\d+\.\d*$`)
)

// DecodeFields converts raw string fields into typed values: integers,
// floats, booleans, and embedded JSON documents are recognized; everything
// else stays a string. A codec-encoded "data" field is decoded into a nested
// mapping using the codec named by the "encoding" field.
func DecodeFields(raw map[string]string) (Fields, error) {
	fields := make(Fields, len(raw))
	for key, value := range raw {
		fields[key] = decodeValue(value)
	}

	if data, ok := raw[FieldData]; ok {
		c, err := codec.ByName(raw[FieldEncoding])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMessageDecode, err)
		}
		var doc map[string]any
		if err := c.Unmarshal([]byte(data), &doc); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMessageDecode, err)
		}
		fields[FieldData] = doc
	}

	return fields, nil
}

func decodeValue(value string) any {
	switch {
	case integerPattern.MatchString(value):
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	case floatPattern.MatchString(value):
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	case isTrue(value):
		return true
	case isFalse(value):
		return false
	case looksLikeJSON(value):
		var v any
		if err := json.Unmarshal([]byte(value), &v); err == nil {
			return v
		}
	}
	return value
}

func looksLikeJSON(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
}

func isTrue(value string) bool {
	switch strings.ToLower(value) {
	case "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func isFalse(value string) bool {
	switch strings.ToLower(value) {
	case "false", "f", "no", "n", "off":
		return true
	}
	return false
}

// identityDecoder passes the generic field mapping through unchanged.
func identityDecoder(raw map[string]string) (any, error) {
	return DecodeFields(raw)
}

// typedDecoder decodes records into fresh values from the prototype factory.
// A codec-encoded "data" field is decoded directly into the prototype;
// otherwise the generic field mapping is reshaped into it.
func typedDecoder(designation string, factory MessageFactory) Decoder {
	return func(raw map[string]string) (any, error) {
		target := factory()

		if data, ok := raw[FieldData]; ok {
			c, err := codec.ByName(raw[FieldEncoding])
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrMessageDecode, designation, err)
			}
			if err := c.Unmarshal([]byte(data), target); err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrMessageDecode, designation, err)
			}
			return target, nil
		}

		fields, err := DecodeFields(raw)
		if err != nil {
			return nil, err
		}
		doc, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMessageDecode, designation, err)
		}
		if err := json.Unmarshal(doc, target); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMessageDecode, designation, err)
		}
		return target, nil
	}
}
