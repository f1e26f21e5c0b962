package amq

import (
	"errors"
	"mime"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

// PriorityProperty is the integer property carrying the send priority.
const PriorityProperty = "Integer"

// TextContentType is set on outbound payloads by transports that carry one.
const TextContentType = "text/plain; charset=utf-8"

var errInvalidUTF8 = errors.New("payload is not valid utf-8 text")

// Message is an outbound text message.
type Message struct {
	Text       string
	Properties map[string]int32
}

func NewTextMessage(text string) *Message {
	return &Message{Text: text}
}

func (m *Message) SetIntProperty(name string, v int32) {
	if m.Properties == nil {
		m.Properties = make(map[string]int32)
	}
	m.Properties[name] = v
}

func (m *Message) IntProperty(name string) (int32, bool) {
	v, ok := m.Properties[name]
	return v, ok
}

// StringProperties renders the integer properties for transports whose
// headers are strings.
func (m *Message) StringProperties() map[string]string {
	if len(m.Properties) == 0 {
		return nil
	}
	out := make(map[string]string, len(m.Properties))
	for k, v := range m.Properties {
		out[k] = strconv.FormatInt(int64(v), 10)
	}
	return out
}

// Delivery is an inbound message as surfaced by a MessageConsumer.
type Delivery interface {
	Destination() string
	Properties() map[string]string
	Body() []byte
}

// TextDelivery is a Delivery whose payload is text.
type TextDelivery interface {
	Delivery
	Text() (string, error)
}

type rawDelivery struct {
	dest  string
	props map[string]string
	body  []byte
}

func (d *rawDelivery) Destination() string           { return d.dest }
func (d *rawDelivery) Properties() map[string]string { return d.props }
func (d *rawDelivery) Body() []byte                  { return d.body }

type textDelivery struct {
	rawDelivery
}

func (d *textDelivery) Text() (string, error) {
	if !utf8.Valid(d.body) {
		return "", errInvalidUTF8
	}
	return string(d.body), nil
}

// NewDelivery wraps an inbound payload. The result implements TextDelivery
// when the declared content type, or the sniffed one if none is declared,
// is a text type.
func NewDelivery(dest, contentType string, body []byte, props map[string]string) Delivery {
	raw := rawDelivery{dest: dest, props: props, body: body}
	if isText(contentType, body) {
		return &textDelivery{raw}
	}
	return &raw
}

func isText(contentType string, body []byte) bool {
	if contentType != "" {
		base, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return false
		}
		if m := mimetype.Lookup(base); m != nil {
			return descendsFromText(m)
		}
		return strings.HasPrefix(base, "text/")
	}
	return descendsFromText(mimetype.Detect(body))
}

func descendsFromText(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}
