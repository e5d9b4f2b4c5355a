// Package wire holds what the gRPC server and client share: the service name
// and the conversion between domain types and google.protobuf.Struct.
//
// No protobuf code generation is involved. Domain values travel as Struct
// messages built from their JSON form.
package wire

import (
	"encoding/json"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "flowsim.v1.Simulator"

const (
	MethodSubmit     = "Submit"
	MethodChainState = "ChainState"
	MethodVerify     = "Verify"
	MethodReset      = "Reset"
	MethodSetSpeed   = "SetSpeed"
	StreamEvents     = "Events"
)

// FullMethod returns the gRPC method path for name
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ToStruct converts any JSON-encodable value into a Struct
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode message")
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "message is not a JSON object")
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build struct")
	}
	return s, nil
}

// FromStruct decodes s into the value pointed to by v
func FromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return errors.New("message is empty")
	}
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return errors.Wrap(err, "failed to encode struct")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "failed to decode message")
	}
	return nil
}
