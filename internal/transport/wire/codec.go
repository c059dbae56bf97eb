package wire

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype under which ndb messages travel.
const CodecName = "ndb"

// Message is implemented by every type carried over the ndb services. The
// encodings follow ndb.proto.
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

type codec struct{}

func init() {
	encoding.RegisterCodec(codec{})
}

func (codec) Name() string { return CodecName }

func (codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("ndb codec: cannot marshal %T", v)
	}
	return m.Marshal()
}

func (codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("ndb codec: cannot unmarshal into %T", v)
	}
	return m.Unmarshal(data)
}
