package protocol

import "fmt"

// DestinationType distinguishes queues, topics and their temporary variants
type DestinationType uint8

const (
	DestinationQueue DestinationType = iota
	DestinationTopic
	DestinationTempQueue
	DestinationTempTopic
)

// Destination is a named queue or topic
type Destination struct {
	Name string          `codec:"n"`
	Type DestinationType `codec:"t"`
}

// IsTopic reports whether d is a (temporary) topic
func (d Destination) IsTopic() bool {
	return d.Type == DestinationTopic || d.Type == DestinationTempTopic
}

// IsTemporary reports whether d is a temporary destination
func (d Destination) IsTemporary() bool {
	return d.Type == DestinationTempQueue || d.Type == DestinationTempTopic
}

// String returns a string representation of the destination
func (d Destination) String() string {
	switch d.Type {
	case DestinationTopic:
		return "topic://" + d.Name
	case DestinationTempQueue:
		return "temp-queue://" + d.Name
	case DestinationTempTopic:
		return "temp-topic://" + d.Name
	default:
		return "queue://" + d.Name
	}
}

// DeliveryMode controls broker-side persistence of a message
type DeliveryMode uint8

const (
	NonPersistent DeliveryMode = 1
	Persistent    DeliveryMode = 2
)

// Well-known message properties
const (
	PropDoubtDuplicate = "smqp.doubt_duplicate"
	PropUserID         = "smqp.user_id"
	PropClientID       = "smqp.client_id"
)

// MessageIndex identifies a message inside a broker queue
type MessageIndex struct {
	ID            int64 `codec:"i"`
	Priority      int   `codec:"p"`
	DeliveryCount int   `codec:"dc"`
}

// MessageEntry is one delivered message with its broker index
type MessageEntry struct {
	Index   MessageIndex `codec:"i"`
	Message []byte       `codec:"m"`
}

// Message is the client view of a message. The body is opaque.
type Message struct {
	ID            string            `codec:"id"`
	Destination   Destination       `codec:"d"`
	ReplyTo       *Destination      `codec:"rt"`
	CorrelationID string            `codec:"cid"`
	DeliveryMode  DeliveryMode      `codec:"dm"`
	Priority      int               `codec:"p"`
	Expiration    int64             `codec:"x"`
	Timestamp     int64             `codec:"ts"`
	Redelivered   bool              `codec:"rd"`
	DeliveryCount int               `codec:"dc"`
	Properties    map[string]string `codec:"pr"`
	Body          []byte            `codec:"b"`
}

// SetProperty sets a string property
func (m *Message) SetProperty(name, value string) {
	if m.Properties == nil {
		m.Properties = make(map[string]string)
	}
	m.Properties[name] = value
}

// Property returns a string property
func (m *Message) Property(name string) (string, bool) {
	v, ok := m.Properties[name]
	return v, ok
}

// Marshal encodes the message
func (m *Message) Marshal() ([]byte, error) {
	return Marshal(m)
}

// UnmarshalMessage decodes a message
func UnmarshalMessage(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty message")
	}
	var m Message
	if err := Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}
