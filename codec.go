package syncgroup

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
)

// Codec serializes synced values for transport between participants.
// Conflict detection compares values by their serialized form, so two
// values are considered identical iff the codec produces equal bytes.
type Codec[V any] interface {
	Marshal(value V) ([]byte, error)
	Unmarshal(data []byte) (V, error)
}

// JSONCodec uses encoding/json for serialization. It is the default
// because the built-in merge strategy operates on the JSON shape of
// values (objects and arrays).
type JSONCodec[V any] struct{}

func (JSONCodec[V]) Marshal(value V) ([]byte, error) {
	return json.Marshal(value)
}

func (JSONCodec[V]) Unmarshal(data []byte) (V, error) {
	var value V
	if err := json.Unmarshal(data, &value); err != nil {
		return value, err
	}
	return value, nil
}

// GobCodec uses encoding/gob for serialization.
// It works with most Go types without extra registration, but the
// built-in merge strategy cannot inspect gob payloads structurally.
type GobCodec[V any] struct{}

func (GobCodec[V]) Marshal(value V) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobCodec[V]) Unmarshal(data []byte) (V, error) {
	var value V
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&value); err != nil {
		return value, err
	}
	return value, nil
}

// BytesCodec passes through raw bytes without copying.
// The caller must not modify the returned slice.
type BytesCodec struct{}

func (BytesCodec) Marshal(value []byte) ([]byte, error) {
	return value, nil
}

func (BytesCodec) Unmarshal(data []byte) ([]byte, error) {
	return data, nil
}

// StringCodec encodes strings as raw bytes.
// It allocates on marshal/unmarshal to keep data immutable.
type StringCodec struct{}

func (StringCodec) Marshal(value string) ([]byte, error) {
	return []byte(value), nil
}

func (StringCodec) Unmarshal(data []byte) (string, error) {
	return string(data), nil
}
