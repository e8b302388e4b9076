package core

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// JSONEncode encodes a value to JSON bytes (fail-fast)
func JSONEncode(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, &Error{Code: "INVALID_INPUT", Message: "cannot encode nil value"}
	}

	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json encode failed: %w", err)
	}

	return data, nil
}

// JSONDecode decodes JSON bytes into v (fail-fast)
func JSONDecode(data []byte, v interface{}) error {
	if len(data) == 0 {
		return &Error{Code: "INVALID_INPUT", Message: "cannot decode empty data"}
	}
	if v == nil {
		return &Error{Code: "INVALID_INPUT", Message: "cannot decode into nil value"}
	}

	if err := sonic.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json decode failed: %w", err)
	}
	return nil
}

// JSONClone deep-copies src into dst via a JSON round trip.
// Used by stores to decouple persisted values from caller-owned maps.
func JSONClone(dst, src interface{}) error {
	data, err := JSONEncode(src)
	if err != nil {
		return err
	}
	return JSONDecode(data, dst)
}

// Error represents a core error with a stable code
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
