package smqp

import (
	"github.com/israelio/smqp-go-client/internal/protocol"
	"github.com/israelio/smqp-go-client/internal/transport"
)

// Message is the client view of a message. The body is opaque bytes.
type Message = protocol.Message

// Destination names a queue or topic
type Destination = protocol.Destination

// DeliveryMode controls broker-side persistence
type DeliveryMode = protocol.DeliveryMode

// Endpoint is one broker address
type Endpoint = transport.Endpoint

// Dialer opens byte streams to endpoints
type Dialer = transport.Dialer

// ReconnectPolicy controls reconnection
type ReconnectPolicy = transport.Policy

// Delivery modes
const (
	NonPersistent = protocol.NonPersistent
	Persistent    = protocol.Persistent
)

// Well-known message properties
const (
	PropDoubtDuplicate = protocol.PropDoubtDuplicate
	PropUserID         = protocol.PropUserID
	PropClientID       = protocol.PropClientID
)

// Queue returns a queue destination
func Queue(name string) Destination {
	return Destination{Name: name, Type: protocol.DestinationQueue}
}

// Topic returns a topic destination
func Topic(name string) Destination {
	return Destination{Name: name, Type: protocol.DestinationTopic}
}

// NewMessage creates a message with the given body
func NewMessage(body []byte) *Message {
	return &Message{Body: body}
}

// NewTextMessage creates a message with a string body
func NewTextMessage(text string) *Message {
	return &Message{Body: []byte(text)}
}

// ParseEndpoint parses smqp://host:port or smqps://host:port
func ParseEndpoint(s string) (Endpoint, error) {
	return transport.ParseEndpoint(s)
}
