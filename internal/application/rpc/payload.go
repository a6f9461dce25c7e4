package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
	"strconv"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var emptyObject = json.RawMessage(`{}`)

// Payload is the argument object of a call, kept as raw JSON until the
// action decodes it into its own type.
type Payload struct {
	raw json.RawMessage
}

// NewPayload wraps raw JSON. Empty input is treated as {}.
func NewPayload(raw []byte) Payload {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Payload{raw: emptyObject}
	}
	return Payload{raw: json.RawMessage(raw)}
}

// PayloadOf marshals v into a payload
func PayloadOf(v any) (Payload, error) {
	if v == nil {
		return NewPayload(nil), nil
	}
	if p, ok := v.(Payload); ok {
		return p, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("marshal payload: %w", err)
	}
	return NewPayload(raw), nil
}

// PayloadFromQuery converts query parameters into a payload. Repeated keys
// become arrays; booleans and short integers become JSON scalars. Keys in
// skip (credentials) are dropped.
func PayloadFromQuery(values url.Values, skip ...string) Payload {
	obj := make(map[string]any, len(values))
	for key, vals := range values {
		if contains(skip, key) || len(vals) == 0 {
			continue
		}
		if len(vals) == 1 {
			obj[key] = queryScalar(vals[0])
			continue
		}
		arr := make([]any, len(vals))
		for i, v := range vals {
			arr[i] = queryScalar(v)
		}
		obj[key] = arr
	}
	raw, _ := json.Marshal(obj)
	return NewPayload(raw)
}

func queryScalar(v string) any {
	switch v {
	case "true":
		return true
	case "false":
		return false
	}
	// Longer digit strings are ids, not quantities.
	if len(v) > 0 && len(v) <= 15 && (v == "0" || v[0] != '0') {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return v
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Raw returns the JSON document
func (p Payload) Raw() json.RawMessage {
	if len(p.raw) == 0 {
		return emptyObject
	}
	return p.raw
}

// MarshalJSON implements json.Marshaler
func (p Payload) MarshalJSON() ([]byte, error) {
	return p.Raw(), nil
}

// Decode unmarshals the payload into v and validates struct tags
func (p Payload) Decode(v any) error {
	if err := json.Unmarshal(p.Raw(), v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && rv.Elem().Kind() == reflect.Struct {
		if err := validate.Struct(v); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	return nil
}

// Fields returns the payload as a generic object
func (p Payload) Fields() (map[string]any, error) {
	out := make(map[string]any)
	if err := json.Unmarshal(p.Raw(), &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}
