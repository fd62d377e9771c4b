// Package dispatcher implements the cluster-level request router:
// shard-ownership checks, routing into the Instance Supervisor, and the
// two streaming endpoints.
//
// No protoc-generated stubs back this package; there is no bytecode
// engine or protobuf toolchain available to this build, so the wire
// messages are plain Go structs and the gRPC method table is built by
// hand (service.go) the same shape grpc-go's generated code produces,
// over a msgpack codec (the teacher already depends on
// vmihailenco/msgpack for oplog payloads; reusing it here avoids a
// second serialization library for no reason).
package dispatcher

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/encoding"
)

// codecName is negotiated via the "application/grpc+msgpack" content
// subtype; grpc-go picks this Codec whenever a call sets
// grpc.CallContentSubtype(codecName) (client) or it is the only
// registered codec the server recognises for an inbound call.
const codecName = "msgpack"

type msgpackCodec struct{}

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: msgpack marshal: %w", err)
	}
	return b, nil
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("dispatcher: msgpack unmarshal: %w", err)
	}
	return nil
}

func (msgpackCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}
