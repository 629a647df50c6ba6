package sqlstore

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Codec is used by callers of the recording layer in order to map event
// values to the (topic, state) pairs the recorders store verbatim
type Codec interface {
	Encode(any) (topic string, state []byte, err error)
	Decode(topic string, state []byte) (any, error)
}

// NewJSONCodec constructs a json codec for the given event types
func NewJSONCodec(events ...any) *JSONCodec {
	codec := JSONCodec{
		types: make(map[string]reflect.Type),
	}

	for _, evt := range events {
		t := reflect.TypeOf(evt)
		codec.types[t.Name()] = t
	}

	return &codec
}

// JSONCodec provides a default json Codec implementation.
// It marshals events to/from json and uses the type name as the topic.
type JSONCodec struct {
	types map[string]reflect.Type
}

// Encode marshals the event to its json representation
func (c *JSONCodec) Encode(event any) (string, []byte, error) {
	state, err := json.Marshal(event)
	if err != nil {
		return "", nil, err
	}

	return reflect.TypeOf(event).Name(), state, nil
}

// Decode unmarshals the state to the go type registered for the topic
func (c *JSONCodec) Decode(topic string, state []byte) (any, error) {
	t, ok := c.types[topic]
	if !ok {
		return nil, fmt.Errorf("no type registered for topic %q", topic)
	}

	v := reflect.New(t)

	if err := json.Unmarshal(state, v.Interface()); err != nil {
		return nil, err
	}

	return v.Elem().Interface(), nil
}
