package fhemsync

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FieldGroup is an ordered set of reported fields. Order is the order in which
// the server listed them, so reconciliation walks fields deterministically.
type FieldGroup []FieldValue

// UnmarshalJSON decodes a JSON object whose members are either scalars or
// {"Value": ..., "Time": ...} objects. Members that are neither (nested maps,
// arrays) are not readings and are skipped.
func (g *FieldGroup) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*g = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("field group: expected object, got %v", tok)
	}
	out := FieldGroup{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("field group: unexpected key %v", keyTok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		if fv, ok := decodeField(name, raw); ok {
			out = append(out, fv)
		}
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*g = out
	return nil
}

func decodeField(name string, raw json.RawMessage) (FieldValue, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return FieldValue{}, false
	}
	switch raw[0] {
	case '{':
		var obj struct {
			Value json.RawMessage `json:"Value"`
			Time  json.RawMessage `json:"Time"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil || obj.Value == nil {
			return FieldValue{}, false
		}
		v, ok := ScalarString(obj.Value)
		if !ok {
			return FieldValue{}, false
		}
		t, _ := ScalarString(obj.Time)
		return FieldValue{Name: name, Value: v, Time: t}, true
	case '[':
		return FieldValue{}, false
	default:
		v, ok := ScalarString(raw)
		if !ok {
			return FieldValue{}, false
		}
		return FieldValue{Name: name, Value: v}, true
	}
}

// ScalarString renders a JSON scalar as the string a widget would see.
// Strings are unquoted, numbers and booleans keep their literal text and null
// becomes the empty string. Objects and arrays are rejected.
func ScalarString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", true
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	case '{', '[':
		return "", false
	}
	if bytes.Equal(raw, []byte("null")) {
		return "", true
	}
	return string(raw), true
}
