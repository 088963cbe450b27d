package protocol

import "fmt"

// Protocol version announced during the handshake
const ProtocolVersion = 750

// Frame layout constants
const (
	FrameHeaderSize  = 6 // type + flags + payload size
	FrameTrailerSize = 9 // xxhash64 checksum + end marker
	FrameEnd         = 0xCE

	FlagCompressed = 0x01

	DefaultMaxFrameSize      = 16 * 1024 * 1024
	DefaultCompressThreshold = 64 * 1024
)

// ObjectType discriminates the typed objects carried by a frame
type ObjectType uint8

const (
	TypeRequest   ObjectType = 1
	TypeReply     ObjectType = 2
	TypeBulk      ObjectType = 3
	TypeKeepAlive ObjectType = 8
)

// String returns the object type name
func (t ObjectType) String() string {
	switch t {
	case TypeRequest:
		return "REQUEST"
	case TypeReply:
		return "REPLY"
	case TypeBulk:
		return "BULK"
	case TypeKeepAlive:
		return "KEEPALIVE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Valid reports whether t is a known object type
func (t ObjectType) Valid() bool {
	switch t {
	case TypeRequest, TypeReply, TypeBulk, TypeKeepAlive:
		return true
	default:
		return false
	}
}

// Kind identifies the operation a request performs
type Kind uint16

// Connection-level kinds
const (
	KindVersion Kind = iota + 1
	KindAuthChallenge
	KindAuthResponse
	KindGetClientID
	KindSetClientID
	KindCreateSession
	KindCloseSession
	KindCreateTempDest
	KindDeleteTempDest
	KindDisconnect
)

// Session-level kinds
const (
	KindCreateConsumer Kind = iota + 100
	KindCloseConsumer
	KindStartConsumer
	KindCreateProducer
	KindCloseProducer
	KindProduceMessage
	KindCreateBrowser
	KindFetchBrowserMessage
	KindCloseBrowser
	KindCommit
	KindRollback
	KindRecoverSession
	KindAcknowledge
	KindAssociateMessage
	KindDeleteMessage
	KindCreateShadowConsumer
)

// Pushed by the broker
const (
	KindAsyncDelivery Kind = 200
)

// Local kinds never leave the process
const (
	KindInvokeConsumers Kind = 900
)

var kindNames = map[Kind]string{
	KindVersion:              "version",
	KindAuthChallenge:        "auth-challenge",
	KindAuthResponse:         "auth-response",
	KindGetClientID:          "get-client-id",
	KindSetClientID:          "set-client-id",
	KindCreateSession:        "create-session",
	KindCloseSession:         "close-session",
	KindCreateTempDest:       "create-temp-dest",
	KindDeleteTempDest:       "delete-temp-dest",
	KindDisconnect:           "disconnect",
	KindCreateConsumer:       "create-consumer",
	KindCloseConsumer:        "close-consumer",
	KindStartConsumer:        "start-consumer",
	KindCreateProducer:       "create-producer",
	KindCloseProducer:        "close-producer",
	KindProduceMessage:       "produce-message",
	KindCreateBrowser:        "create-browser",
	KindFetchBrowserMessage:  "fetch-browser-message",
	KindCloseBrowser:         "close-browser",
	KindCommit:               "commit",
	KindRollback:             "rollback",
	KindRecoverSession:       "recover-session",
	KindAcknowledge:          "acknowledge",
	KindAssociateMessage:     "associate-message",
	KindDeleteMessage:        "delete-message",
	KindCreateShadowConsumer: "create-shadow-consumer",
	KindAsyncDelivery:        "async-delivery",
	KindInvokeConsumers:      "invoke-consumers",
}

// String returns the kind name
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint16(k))
}
