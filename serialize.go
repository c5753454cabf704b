// serialize.go - one-line textual encoding with date tagging and reserved-key
// policing (spec.md §4.2).
//
// Grounded on jpl-au-folio/repair.go, which encodes its own line-oriented
// records with github.com/goccy/go-json; we reuse that library both for
// leaf-value escaping on encode and for its Token()-based streaming decoder
// on decode, since a plain Unmarshal into map[string]interface{} would lose
// the key order spec.md §3 requires ("insertion order ... must be preserved
// when iterating for serialization").
package nanodb

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

const (
	sentinelDate         = "$$date"
	sentinelDeleted      = "$$deleted"
	sentinelIndexCreated = "$$indexCreated"
	sentinelIndexRemoved = "$$indexRemoved"
)

func isReservedSentinel(key string) bool {
	switch key {
	case sentinelDate, sentinelDeleted, sentinelIndexCreated, sentinelIndexRemoved:
		return true
	default:
		return false
	}
}

// ValidateKey reports whether a field name is legal: no '.' and no leading
// '$' except the four reserved sentinels.
func ValidateKey(key string) error {
	if strings.Contains(key, ".") {
		return &KeyValidationError{Field: key}
	}
	if strings.HasPrefix(key, "$") && !isReservedSentinel(key) {
		return &KeyValidationError{Field: key}
	}
	return nil
}

// ValidateKeysDeep walks v recursively and validates every object key.
func ValidateKeysDeep(v Value) error {
	switch v.Kind() {
	case KindArray:
		for _, item := range v.AsArray() {
			if err := ValidateKeysDeep(item); err != nil {
				return err
			}
		}
	case KindObject:
		for _, p := range v.AsObject() {
			if err := ValidateKey(p.Key); err != nil {
				return err
			}
			if err := ValidateKeysDeep(p.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

// Marshal encodes v as one line of JSON (no trailing newline), tagging dates
// as {"$$date": millis}.
func Marshal(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v Value) error {
	switch v.Kind() {
	case KindUndefined, KindNull:
		buf.WriteString("null")
		return nil
	case KindBool:
		if v.AsBool() {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case KindNumber:
		buf.WriteString(strconv.FormatFloat(v.AsNumber(), 'g', -1, 64))
		return nil
	case KindString:
		return encodeLeaf(buf, v.AsString())
	case KindDate:
		buf.WriteString(`{"`)
		buf.WriteString(sentinelDate)
		buf.WriteString(`":`)
		buf.WriteString(strconv.FormatInt(v.AsDate(), 10))
		buf.WriteByte('}')
		return nil
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.AsArray() {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case KindObject:
		buf.WriteByte('{')
		for i, p := range v.AsObject() {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeLeaf(buf, p.Key); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encodeValue(buf, p.Value); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("nanodb: cannot encode value of kind %d", v.Kind())
	}
}

func encodeLeaf(buf *bytes.Buffer, s string) error {
	encoded, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(encoded)
	return nil
}

// Unmarshal decodes one JSON line into a Value, inverting the {"$$date": millis}
// tagging applied by Marshal.
func Unmarshal(line []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return Value{}, err
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	return decodeToken(dec, tok)
}

func decodeToken(dec *json.Decoder, tok interface{}) (Value, error) {
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return Number(f), nil
	case float64:
		return Number(t), nil
	case string:
		return String(t), nil
	case json.Delim:
		switch t.String() {
		case "[":
			var arr []Value
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				arr = append(arr, item)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return Value{}, err
			}
			return Array(arr), nil
		case "{":
			var d D
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, _ := keyTok.(string)
				val, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				d = append(d, Pair{Key: key, Value: val})
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return Value{}, err
			}
			return objectFromRaw(d), nil
		}
	}
	return Value{}, fmt.Errorf("nanodb: unexpected JSON token %v (%T)", tok, tok)
}

// objectFromRaw inverts the {"$$date": millis} tagging into a Date value.
func objectFromRaw(d D) Value {
	if len(d) == 1 && d[0].Key == sentinelDate && d[0].Value.Kind() == KindNumber {
		return Date(int64(d[0].Value.AsNumber()))
	}
	return Object(d)
}

// --- record-kind helpers (spec.md §3 "Datafile") ---

// recordID returns the _id field of a document record, if present.
func recordID(v Value) (string, bool) {
	if v.Kind() != KindObject {
		return "", false
	}
	id, ok := v.AsObject().Get("_id")
	if !ok || id.Kind() != KindString {
		return "", false
	}
	return id.AsString(), true
}

// isTombstone reports whether v is a {_id, $$deleted: true} record.
func isTombstone(v Value) bool {
	if v.Kind() != KindObject {
		return false
	}
	del, ok := v.AsObject().Get(sentinelDeleted)
	return ok && del.Kind() == KindBool && del.AsBool()
}

// indexCreatedDef, if v is an {$$indexCreated: {...}} record, returns its body.
func indexCreatedDef(v Value) (Value, bool) {
	if v.Kind() != KindObject {
		return Value{}, false
	}
	body, ok := v.AsObject().Get(sentinelIndexCreated)
	return body, ok
}

// indexRemovedField, if v is an {$$indexRemoved: fieldName} record, returns fieldName.
func indexRemovedField(v Value) (string, bool) {
	if v.Kind() != KindObject {
		return "", false
	}
	name, ok := v.AsObject().Get(sentinelIndexRemoved)
	if !ok || name.Kind() != KindString {
		return "", false
	}
	return name.AsString(), true
}

func newTombstone(id string) Value {
	return Object(D{
		{Key: "_id", Value: String(id)},
		{Key: sentinelDeleted, Value: Bool(true)},
	})
}

func newIndexCreatedRecord(fieldName string, unique, sparse bool, expireAfterSeconds int, hasTTL bool) Value {
	body := D{
		{Key: "fieldName", Value: String(fieldName)},
		{Key: "unique", Value: Bool(unique)},
		{Key: "sparse", Value: Bool(sparse)},
	}
	if hasTTL {
		body = append(body, Pair{Key: "expireAfterSeconds", Value: Number(float64(expireAfterSeconds))})
	}
	return Object(D{{Key: sentinelIndexCreated, Value: Object(body)}})
}

func newIndexRemovedRecord(fieldName string) Value {
	return Object(D{{Key: sentinelIndexRemoved, Value: String(fieldName)}})
}
