package protocol

// SessionType selects the server-side session variant
type SessionType uint8

const (
	SessionUnified SessionType = iota
	SessionQueue
	SessionTopic
	SessionConnectionConsumer
)

// VersionBody announces the protocol version
type VersionBody struct {
	Version int `codec:"v"`
}

// AuthChallengeBody starts authentication
type AuthChallengeBody struct {
	UserName string `codec:"u"`
}

// AuthChallengeReplyBody carries the broker challenge
type AuthChallengeReplyBody struct {
	Mechanism string `codec:"m"`
	Challenge []byte `codec:"c"`
}

// AuthResponseBody answers the challenge
type AuthResponseBody struct {
	Response []byte `codec:"r"`
}

// ClientIDBody carries a client id in both directions
type ClientIDBody struct {
	ClientID string `codec:"id"`
}

// CreateSessionBody creates or recreates a session
type CreateSessionBody struct {
	Type             SessionType `codec:"t"`
	Transacted       bool        `codec:"tx"`
	AckMode          int         `codec:"a"`
	XA               bool        `codec:"xa"`
	ClientDispatchID int32       `codec:"cd"`
	RecoveryEpoch    int32       `codec:"re"`
	// Destination and Selector are used by connection consumer sessions
	Destination string `codec:"d"`
	Selector    string `codec:"s"`
}

// CreateSessionReplyBody returns the server dispatch id
type CreateSessionReplyBody struct {
	DispatchID int32 `codec:"d"`
}

// CloseSessionBody closes a server session
type CloseSessionBody struct {
	DispatchID int32 `codec:"d"`
}

// TempDestBody names a temporary destination
type TempDestBody struct {
	Name  string `codec:"n"`
	Topic bool   `codec:"t"`
}

// CreateConsumerBody creates a consumer
type CreateConsumerBody struct {
	ClientListenerID int32       `codec:"l"`
	Destination      Destination `codec:"d"`
	Selector         string      `codec:"s"`
	NoLocal          bool        `codec:"nl"`
	DurableName      string      `codec:"dn"`
}

// ConsumerReplyBody returns a server consumer id
type ConsumerReplyBody struct {
	ConsumerID int32 `codec:"c"`
}

// ConsumerBody addresses a server consumer
type ConsumerBody struct {
	ConsumerID int32 `codec:"c"`
}

// StartConsumerBody requests a prefetch cache fill
type StartConsumerBody struct {
	ClientDispatchID int32 `codec:"cd"`
	ClientListenerID int32 `codec:"l"`
	ConsumerID       int32 `codec:"c"`
	RecoveryEpoch    int32 `codec:"re"`
	CacheSize        int   `codec:"cs"`
	CacheSizeKB      int   `codec:"ck"`
}

// CreateProducerBody creates a producer
type CreateProducerBody struct {
	Destination Destination `codec:"d"`
}

// ProducerReplyBody returns a server producer id
type ProducerReplyBody struct {
	ProducerID int32 `codec:"p"`
}

// ProducerBody addresses a server producer
type ProducerBody struct {
	ProducerID int32 `codec:"p"`
}

// ProduceMessageBody sends one serialized message
type ProduceMessageBody struct {
	ProducerID int32  `codec:"p"`
	Message    []byte `codec:"m"`
}

// DelayReplyBody carries a flow-control delay in milliseconds
type DelayReplyBody struct {
	Delay int64 `codec:"d"`
}

// TxMessage is one buffered transacted send
type TxMessage struct {
	ProducerID int32  `codec:"p"`
	Message    []byte `codec:"m"`
}

// CommitBody carries the whole transaction
type CommitBody struct {
	Messages []TxMessage `codec:"m"`
}

// RecoverBody is used by rollback and recover
type RecoverBody struct {
	RecoveryEpoch int32 `codec:"re"`
}

// AcknowledgeBody acknowledges up to a message
type AcknowledgeBody struct {
	ConsumerID int32        `codec:"c"`
	Index      MessageIndex `codec:"i"`
}

// AssociateMessageBody assigns a message to a session
type AssociateMessageBody struct {
	Index     MessageIndex `codec:"i"`
	Duplicate bool         `codec:"dup"`
}

// DeleteMessageBody removes a message server-side
type DeleteMessageBody struct {
	Index      MessageIndex `codec:"i"`
	FromReadTx bool         `codec:"rt"`
}

// ShadowConsumerBody creates the consumer behind a server session
type ShadowConsumerBody struct {
	Queue string `codec:"q"`
}

// CreateBrowserBody creates a queue browser
type CreateBrowserBody struct {
	Queue    string `codec:"q"`
	Selector string `codec:"s"`
}

// BrowserReplyBody returns a server browser id
type BrowserReplyBody struct {
	BrowserID int32 `codec:"b"`
}

// BrowserBody addresses a browser
type BrowserBody struct {
	BrowserID int32 `codec:"b"`
	Reset     bool  `codec:"r"`
}

// FetchBrowserReplyBody returns the next browsed message, if any
type FetchBrowserReplyBody struct {
	Entry *MessageEntry `codec:"e"`
}

// AsyncDeliveryBody is a batch of messages pushed to a consumer
type AsyncDeliveryBody struct {
	ListenerID      int32          `codec:"l"`
	RecoveryEpoch   int32          `codec:"re"`
	RequiresRestart bool           `codec:"rr"`
	Entries         []MessageEntry `codec:"e"`
}
