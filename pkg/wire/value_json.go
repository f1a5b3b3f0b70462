package wire

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Typed-value wire forms are discriminated by a "_type" field. Binary,
// timestamp, object-id and decimal encode as wrapper objects; everything
// else maps to its natural JSON form. UUIDs travel as plain strings.
const (
	typeKey = "_type"

	typeObjectID       = "ObjectId"
	typeDate           = "Date"
	typeData           = "Data"
	typeDecimal128     = "Decimal128"
	typeReference      = "Reference"
	typeLinkingObjects = "LinkingObjects"
)

// dataPreviewBytes caps the base64 preview carried for binary blobs.
const dataPreviewBytes = 1024

const isoFormat = "2006-01-02T15:04:05.000Z07:00"

// Timestamp renders t in the wire's ISO-8601 form.
func Timestamp(t time.Time) string {
	return t.UTC().Format(isoFormat)
}

// Reference builds the truncation marker emitted for links beyond the
// serializer's depth bound.
func Reference(typeName string, id Value) Value {
	return Object(map[string]Value{
		typeKey:     String(typeReference),
		"_typeName": String(typeName),
		"_id":       id,
	})
}

// LinkingObjects builds the wire form for a backlink collection, truncated
// at the serializer's list bound.
func LinkingObjects(count int64, items []Value, truncated bool) Value {
	return Object(map[string]Value{
		typeKey:      String(typeLinkingObjects),
		"_count":     Int(count),
		"_items":     List(items),
		"_truncated": Bool(truncated),
	})
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.jsonValue())
}

func (v Value) jsonValue() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.boolVal
	case KindInt:
		return v.intVal
	case KindDouble:
		return v.floatVal
	case KindString, KindUUID:
		return v.strVal
	case KindObjectID:
		return map[string]any{typeKey: typeObjectID, "value": v.strVal}
	case KindDecimal128:
		return map[string]any{typeKey: typeDecimal128, "value": v.strVal}
	case KindDate:
		return map[string]any{
			typeKey:     typeDate,
			"iso":       Timestamp(v.timeVal),
			"timestamp": float64(v.timeVal.UnixMilli()) / 1000.0,
		}
	case KindData:
		preview := v.dataVal
		truncated := false
		if len(preview) > dataPreviewBytes {
			preview = preview[:dataPreviewBytes]
			truncated = true
		}
		return map[string]any{
			typeKey:     typeData,
			"length":    len(v.dataVal),
			"preview":   base64.StdEncoding.EncodeToString(preview),
			"truncated": truncated,
		}
	case KindList:
		items := make([]any, len(v.listVal))
		for i, item := range v.listVal {
			items[i] = item.jsonValue()
		}
		return items
	case KindObject:
		fields := make(map[string]any, len(v.objVal))
		for k, val := range v.objVal {
			fields[k] = val.jsonValue()
		}
		return fields
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler. Wrapper objects whose "_type"
// is ObjectId, Decimal128, Date or Data decode into their typed variants;
// objects with any other discriminator, including the Reference and
// LinkingObjects markers, stay plain mappings.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	val, err := fromJSONValue(raw)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

func fromJSONValue(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		s := t.String()
		if !strings.ContainsAny(s, ".eE") {
			if i, err := t.Int64(); err == nil {
				return Int(i), nil
			}
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q", s)
		}
		return Double(f), nil
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			val, err := fromJSONValue(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = val
		}
		return List(items), nil
	case map[string]any:
		if tag, ok := t[typeKey].(string); ok {
			if val, ok, err := fromTypedObject(tag, t); err != nil {
				return Value{}, err
			} else if ok {
				return val, nil
			}
		}
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			val, err := fromJSONValue(item)
			if err != nil {
				return Value{}, err
			}
			fields[k] = val
		}
		return Object(fields), nil
	default:
		return Value{}, fmt.Errorf("unsupported JSON value %T", raw)
	}
}

func fromTypedObject(tag string, obj map[string]any) (Value, bool, error) {
	switch tag {
	case typeObjectID:
		s, ok := obj["value"].(string)
		if !ok {
			return Value{}, false, fmt.Errorf("ObjectId wrapper missing value")
		}
		return ObjectID(s), true, nil
	case typeDecimal128:
		s, ok := obj["value"].(string)
		if !ok {
			return Value{}, false, fmt.Errorf("Decimal128 wrapper missing value")
		}
		return Decimal128(s), true, nil
	case typeDate:
		if iso, ok := obj["iso"].(string); ok {
			t, err := time.Parse(time.RFC3339Nano, iso)
			if err != nil {
				return Value{}, false, fmt.Errorf("Date wrapper: %w", err)
			}
			return Date(t), true, nil
		}
		if num, ok := obj["timestamp"].(json.Number); ok {
			secs, err := num.Float64()
			if err != nil {
				return Value{}, false, fmt.Errorf("Date wrapper: %w", err)
			}
			return Date(time.UnixMilli(int64(secs * 1000))), true, nil
		}
		return Value{}, false, fmt.Errorf("Date wrapper missing iso and timestamp")
	case typeData:
		preview, _ := obj["preview"].(string)
		b, err := base64.StdEncoding.DecodeString(preview)
		if err != nil {
			return Value{}, false, fmt.Errorf("Data wrapper: %w", err)
		}
		return Data(b), true, nil
	default:
		// Reference and LinkingObjects markers, and any future wrapper,
		// decode as plain objects.
		return Value{}, false, nil
	}
}
