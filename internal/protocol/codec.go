package protocol

import (
	"github.com/hashicorp/go-msgpack/v2/codec"
)

var msgpackHandle codec.MsgpackHandle

// Marshal encodes v with msgpack
func Marshal(v any) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, &msgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

// Unmarshal decodes msgpack data into v
func Unmarshal(data []byte, v any) error {
	return codec.NewDecoderBytes(data, &msgpackHandle).Decode(v)
}
