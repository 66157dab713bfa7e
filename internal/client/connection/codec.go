package connection

import (
	"github.com/dmitrijs2005/gophsync/internal/codec"
)

// cborCodec replaces protobuf as the gRPC message codec.
type cborCodec struct{}

func (cborCodec) Name() string                       { return "cbor" }
func (cborCodec) Marshal(v any) ([]byte, error)      { return codec.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return codec.Unmarshal(data, v) }
