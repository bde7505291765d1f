package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ErrInfoNotObject is returned when info JSON is not a JSON object.
var ErrInfoNotObject = errors.New("protocol: info is not a JSON object")

// Info is the ordered JSON object carried by every message.
//
// Values are stored as compact raw JSON, so a decoded Info re-encodes to the
// exact bytes it was decoded from. Key order is first-insertion order.
type Info struct {
	keys   []string
	values map[string]json.RawMessage
	err    error
}

// NewInfo creates an empty Info.
func NewInfo() *Info {
	return &Info{values: make(map[string]json.RawMessage)}
}

// Set marshals v and stores it under key. A marshal failure is kept and
// reported by Err and by Encode.
func (i *Info) Set(key string, v any) *Info {
	raw, err := json.Marshal(v)
	if err != nil {
		if i.err == nil {
			i.err = fmt.Errorf("protocol: info key %q: %w", key, err)
		}
		raw = json.RawMessage("null")
	}
	i.put(key, raw)
	return i
}

// SetRaw stores pre-encoded JSON under key. The value is compacted.
func (i *Info) SetRaw(key string, raw json.RawMessage) *Info {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		if i.err == nil {
			i.err = fmt.Errorf("protocol: info key %q: %w", key, err)
		}
		i.put(key, json.RawMessage("null"))
		return i
	}
	i.put(key, json.RawMessage(buf.Bytes()))
	return i
}

func (i *Info) put(key string, raw json.RawMessage) {
	if i.values == nil {
		i.values = make(map[string]json.RawMessage)
	}
	if _, exists := i.values[key]; !exists {
		i.keys = append(i.keys, key)
	}
	i.values[key] = raw
}

// Err returns the first error recorded by Set or SetRaw.
func (i *Info) Err() error {
	if i == nil {
		return nil
	}
	return i.err
}

// Get returns the raw JSON stored under key.
func (i *Info) Get(key string) (json.RawMessage, bool) {
	if i == nil {
		return nil, false
	}
	raw, ok := i.values[key]
	return raw, ok
}

// Has reports whether key is present.
func (i *Info) Has(key string) bool {
	_, ok := i.Get(key)
	return ok
}

// Delete removes key.
func (i *Info) Delete(key string) {
	if i == nil {
		return
	}
	if _, ok := i.values[key]; !ok {
		return
	}
	delete(i.values, key)
	for idx, k := range i.keys {
		if k == key {
			i.keys = append(i.keys[:idx], i.keys[idx+1:]...)
			break
		}
	}
}

// Keys returns the keys in order.
func (i *Info) Keys() []string {
	if i == nil {
		return nil
	}
	out := make([]string, len(i.keys))
	copy(out, i.keys)
	return out
}

// Len returns the number of keys.
func (i *Info) Len() int {
	if i == nil {
		return 0
	}
	return len(i.keys)
}

// Decode unmarshals the value under key into out.
func (i *Info) Decode(key string, out any) error {
	raw, ok := i.Get(key)
	if !ok {
		return fmt.Errorf("protocol: missing info key %q", key)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("protocol: info key %q: %w", key, err)
	}
	return nil
}

// String returns the string under key, or "" when absent or not a string.
func (i *Info) String(key string) string {
	var s string
	if raw, ok := i.Get(key); ok {
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
	}
	return s
}

// Int returns the integer under key. Numbers encoded as strings are accepted.
func (i *Info) Int(key string) (int64, bool) {
	raw, ok := i.Get(key)
	if !ok {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	v, err := n.Int64()
	if err != nil {
		f, ferr := strconv.ParseFloat(n.String(), 64)
		if ferr != nil || f != float64(int64(f)) {
			return 0, false
		}
		return int64(f), true
	}
	return v, true
}

// Float returns the number under key.
func (i *Info) Float(key string) (float64, bool) {
	raw, ok := i.Get(key)
	if !ok {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	f, err := n.Float64()
	if err != nil {
		return 0, false
	}
	return f, true
}

// Bool returns the boolean under key.
func (i *Info) Bool(key string) (bool, bool) {
	raw, ok := i.Get(key)
	if !ok {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, false
	}
	return b, true
}

// Clone returns a deep copy.
func (i *Info) Clone() *Info {
	if i == nil {
		return nil
	}
	out := &Info{
		keys:   make([]string, len(i.keys)),
		values: make(map[string]json.RawMessage, len(i.values)),
		err:    i.err,
	}
	copy(out.keys, i.keys)
	for k, v := range i.values {
		out.values[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Equal reports whether both infos hold the same keys in the same order with
// byte-identical values.
func (i *Info) Equal(other *Info) bool {
	if i.Len() != other.Len() {
		return false
	}
	for idx, k := range i.keys {
		if other.keys[idx] != k {
			return false
		}
		if !bytes.Equal(i.values[k], other.values[k]) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the info as a compact JSON object in key order.
func (i *Info) MarshalJSON() ([]byte, error) {
	if i == nil {
		return []byte("null"), nil
	}
	if i.err != nil {
		return nil, i.err
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for idx, k := range i.keys {
		if idx > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(i.values[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, preserving key order. A repeated key
// keeps its first position and its last value.
func (i *Info) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return ErrInfoNotObject
	}

	i.keys = i.keys[:0]
	i.values = make(map[string]json.RawMessage)
	i.err = nil

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return ErrInfoNotObject
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, raw); err != nil {
			return err
		}
		i.put(key, json.RawMessage(compact.Bytes()))
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("protocol: trailing data after info object")
	}
	return nil
}

// MarshalEntries is a helper for list-valued info keys such as VisualsInfo.
func MarshalEntries(entries []*Info) json.RawMessage {
	if len(entries) == 0 {
		return json.RawMessage("[]")
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for idx, e := range entries {
		if idx > 0 {
			buf.WriteByte(',')
		}
		b, err := e.MarshalJSON()
		if err != nil {
			b = []byte("null")
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

// DecodeEntries decodes a list of info objects stored under key.
func (i *Info) DecodeEntries(key string) ([]*Info, error) {
	raw, ok := i.Get(key)
	if !ok {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("protocol: info key %q: %w", key, err)
	}
	out := make([]*Info, 0, len(items))
	for _, item := range items {
		entry := NewInfo()
		if err := entry.UnmarshalJSON(item); err != nil {
			return nil, fmt.Errorf("protocol: info key %q: %w", key, err)
		}
		out = append(out, entry)
	}
	return out, nil
}
