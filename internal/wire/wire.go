// Package wire encodes and decodes the JSON payloads exchanged on the
// telemetry stream and the control endpoint.
package wire

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"yqhp/hmi-sync/pkg/types"
)

// ErrMalformed is returned for payloads that are not a JSON object.
var ErrMalformed = errors.New("malformed payload")

var api = sonic.ConfigStd

// Encode serializes v to its wire form.
func Encode(v any) ([]byte, error) {
	data, err := api.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return data, nil
}

// Decode parses data into v.
func Decode(data []byte, v any) error {
	if err := checkObject(data); err != nil {
		return err
	}
	if err := api.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// DecodeBatch parses one inbound update batch.
func DecodeBatch(data []byte) (types.WsMessage, error) {
	var msg types.WsMessage
	if err := Decode(data, &msg); err != nil {
		return types.WsMessage{}, err
	}
	return msg, nil
}

// DecodeRegister parses a registration request.
func DecodeRegister(data []byte) (types.RegisterRequest, error) {
	var req types.RegisterRequest
	if err := Decode(data, &req); err != nil {
		return types.RegisterRequest{}, err
	}
	return req, nil
}

func checkObject(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("%w: empty", ErrMalformed)
	}
	if trimmed[0] != '{' {
		return fmt.Errorf("%w: expected JSON object", ErrMalformed)
	}
	return nil
}
