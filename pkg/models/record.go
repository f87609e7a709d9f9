// Package models contains shared data types used across the sync core.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Reserved record fields.
const (
	FieldID      = "id"
	FieldTempID  = "tempId"
	FieldPending = "pending"
)

// Record is one JSON object as served by the API. Numbers are kept as
// json.Number so ids round-trip without float formatting.
type Record map[string]any

// Identity returns the record's server identity if it has an id, otherwise
// its local identity. ok is false when the record carries neither.
func (r Record) Identity() (Identity, bool) {
	if id := idString(r[FieldID]); id != "" {
		return ServerID(id), true
	}
	if tmp := idString(r[FieldTempID]); tmp != "" {
		return LocalID(tmp), true
	}
	return Identity{}, false
}

// Matches reports whether the record is the one named by id. Server
// identities compare against "id", local identities against "tempId".
func (r Record) Matches(id Identity) bool {
	switch id.Kind {
	case KindServer:
		return idString(r[FieldID]) == id.Value
	case KindLocal:
		return idString(r[FieldTempID]) == id.Value
	}
	return false
}

// IsPending reports whether the record carries the pending-sync marker.
func (r Record) IsPending() bool {
	b, _ := r[FieldPending].(bool)
	return b
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge shallow-merges fields into a copy of r; fields win.
func (r Record) Merge(fields Record) Record {
	out := r.Clone()
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func idString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprint(t)
	}
}

// IDString renders an id field value the way identities store it.
func IDString(v any) string {
	return idString(v)
}

// DecodeRecord decodes a JSON object, keeping numbers as json.Number.
func DecodeRecord(raw []byte) (Record, error) {
	var r Record
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&r); err != nil {
		return nil, err
	}
	return r, nil
}

// listEnvelopeKeys are the wrapper fields servers use around collections.
var listEnvelopeKeys = []string{"data", "items", "results"}

// ExtractList returns the records of a collection response. It accepts a
// bare JSON array or an object wrapping one under data/items/results.
func ExtractList(raw []byte) ([]Record, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	if raw[0] == '[' {
		var list []Record
		if err := dec.Decode(&list); err != nil {
			return nil, false
		}
		return list, true
	}

	var env map[string]json.RawMessage
	if err := dec.Decode(&env); err != nil {
		return nil, false
	}
	for _, key := range listEnvelopeKeys {
		if inner, ok := env[key]; ok {
			if list, ok := ExtractList(inner); ok {
				return list, true
			}
		}
	}
	return nil, false
}

// ReplaceList encodes list in the shape of raw: under the same envelope key
// when raw wraps its records, as a bare array otherwise. Other envelope
// fields are kept as they are.
func ReplaceList(raw []byte, list []Record) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return EncodeList(list)
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return EncodeList(list)
	}
	for _, key := range listEnvelopeKeys {
		inner, ok := env[key]
		if !ok {
			continue
		}
		if _, isList := ExtractList(inner); !isList {
			continue
		}
		replaced, err := ReplaceList(inner, list)
		if err != nil {
			return nil, err
		}
		env[key] = replaced
		return json.Marshal(env)
	}
	return EncodeList(list)
}

// ExtractRecord returns the single record of a create/update response. It
// accepts a bare object or one wrapped under "data".
func ExtractRecord(raw []byte) (Record, bool) {
	r, err := DecodeRecord(bytes.TrimSpace(raw))
	if err != nil || r == nil {
		return nil, false
	}
	if inner, ok := r["data"].(map[string]any); ok {
		return Record(inner), true
	}
	return r, true
}

// EncodeList serializes records as a JSON array.
func EncodeList(list []Record) (json.RawMessage, error) {
	if list == nil {
		list = []Record{}
	}
	return json.Marshal(list)
}
