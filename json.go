package amq

import (
	"bytes"
	"encoding/json"
)

// Codec frames a message for transports without native properties.
type Codec interface {
	Encode(*Message) ([]byte, error)
	// Decode reports ok=false when data is not a frame produced by Encode.
	Decode(data []byte) (text string, props map[string]string, ok bool)
	String() string
}

type envelope struct {
	Text       *string          `json:"text"`
	Properties map[string]int32 `json:"properties,omitempty"`
}

// JSONCodec frames messages as {"text": ..., "properties": {...}}.
type JSONCodec struct{}

func (JSONCodec) Encode(m *Message) ([]byte, error) {
	text := m.Text
	return json.Marshal(envelope{Text: &text, Properties: m.Properties})
}

func (JSONCodec) Decode(data []byte) (string, map[string]string, bool) {
	if len(data) == 0 || data[0] != '{' {
		return "", nil, false
	}
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil || env.Text == nil {
		return "", nil, false
	}
	m := Message{Properties: env.Properties}
	return *env.Text, m.StringProperties(), true
}

func (JSONCodec) String() string {
	return "json"
}
