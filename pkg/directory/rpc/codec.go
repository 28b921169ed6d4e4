// Package rpc is the gRPC transport for the external Directory capability
// (spec 6), used when the directory engine lives in a separate process from
// the core (e.g. a Django/SQL directory service). Protobuf codegen isn't
// reproduced in this module (see DESIGN.md); instead it registers a plain
// JSON codec with grpc-go and hand-writes the service/method descriptors
// that codegen would otherwise produce, following the documented
// encoding.Codec extension point.
package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
