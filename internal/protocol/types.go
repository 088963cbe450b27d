package protocol

import "fmt"

// Object is a typed protocol object carried by one frame
type Object interface {
	ObjectType() ObjectType
}

// RetryValidator validates and rewrites a request before it is transmitted
// over a connection other than the one it was created for. Setting
// CancelledByValidator vetoes the transmission.
type RetryValidator interface {
	Validate(req *Request) error
}

// ValidatorFunc adapts a function to RetryValidator
type ValidatorFunc func(req *Request) error

// Validate calls f(req)
func (f ValidatorFunc) Validate(req *Request) error {
	return f(req)
}

// Request is an outgoing call or a broker push
type Request struct {
	Kind          Kind   `codec:"k"`
	DispatchID    int32  `codec:"d"`
	CorrelationID uint64 `codec:"c"`
	ReplyRequired bool   `codec:"r"`
	Body          []byte `codec:"b"`

	// ConnectionID is the connection epoch the request was last sent on
	// (outbound) or received on (inbound). Zero means never sent.
	ConnectionID         int32          `codec:"-"`
	CancelledByValidator bool           `codec:"-"`
	WasRetry             bool           `codec:"-"`
	Validator            RetryValidator `codec:"-"`
}

// NewRequest creates a request with an encoded body
func NewRequest(kind Kind, dispatchID int32, replyRequired bool, body any) (*Request, error) {
	req := &Request{
		Kind:          kind,
		DispatchID:    dispatchID,
		ReplyRequired: replyRequired,
	}
	if err := req.SetBody(body); err != nil {
		return nil, err
	}
	return req, nil
}

// ObjectType implements Object
func (r *Request) ObjectType() ObjectType {
	return TypeRequest
}

// SetBody encodes v as the request body. A nil v clears the body.
func (r *Request) SetBody(v any) error {
	if v == nil {
		r.Body = nil
		return nil
	}
	data, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s body: %w", r.Kind, err)
	}
	r.Body = data
	return nil
}

// Decode decodes the request body into v
func (r *Request) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode %s body: %w", r.Kind, err)
	}
	return nil
}

// String returns a string representation of the request
func (r *Request) String() string {
	return fmt.Sprintf("Request{kind=%s, dispatch=%d, seq=%d, reply=%t, conn=%d, retry=%t, cancelled=%t}",
		r.Kind, r.DispatchID, r.CorrelationID, r.ReplyRequired, r.ConnectionID, r.WasRetry, r.CancelledByValidator)
}

// Reply answers a request with the same correlation id
type Reply struct {
	CorrelationID uint64 `codec:"c"`
	OK            bool   `codec:"o"`
	ErrorCode     int    `codec:"e"`
	ErrorText     string `codec:"t"`
	Body          []byte `codec:"b"`
}

// NewReply creates a successful reply with an encoded body
func NewReply(correlationID uint64, body any) (*Reply, error) {
	reply := &Reply{CorrelationID: correlationID, OK: true}
	if body != nil {
		data, err := Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode reply body: %w", err)
		}
		reply.Body = data
	}
	return reply, nil
}

// NewErrorReply creates a failed reply
func NewErrorReply(correlationID uint64, code ErrorCode, text string) *Reply {
	return &Reply{
		CorrelationID: correlationID,
		ErrorCode:     int(code),
		ErrorText:     text,
	}
}

// ObjectType implements Object
func (r *Reply) ObjectType() ObjectType {
	return TypeReply
}

// Err returns the broker exception carried by a failed reply
func (r *Reply) Err() error {
	if r.OK {
		return nil
	}
	code := ErrorCode(r.ErrorCode)
	if code == 0 {
		code = CodeServer
	}
	return &Error{Code: code, Reason: r.ErrorText}
}

// Decode decodes the reply body into v
func (r *Reply) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode reply body: %w", err)
	}
	return nil
}

// Bulk is an ordered envelope of objects sent as one frame
type Bulk struct {
	Objects []Object
}

// ObjectType implements Object
func (b *Bulk) ObjectType() ObjectType {
	return TypeBulk
}

// KeepAlive is the keepalive sentinel
type KeepAlive struct{}

// ObjectType implements Object
func (k *KeepAlive) ObjectType() ObjectType {
	return TypeKeepAlive
}
