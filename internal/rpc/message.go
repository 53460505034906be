package rpc

import (
	"encoding/json"
	"fmt"
)

// Wire format: every frame is a JSON array whose first element names the
// frame type.
//
//	["call", id, method, args, kwargs]   request expecting a reply
//	["event", method, args, kwargs]      request without a reply
//	["return", id, value]                successful reply to a call
//	["error", id, message]               failed reply; id null for
//	                                     connection-level errors
//
// Frames on one connection are delivered in the order they are sent.
// Requests are handled concurrently, so return and error frames are sent in
// completion order, not necessarily request order; the id ties each reply to
// its call.
const (
	frameCall   = "call"
	frameEvent  = "event"
	frameReturn = "return"
	frameError  = "error"
)

type frame struct {
	kind   string
	id     uint64
	hasID  bool
	method string
	args   []any
	kwargs map[string]any
	value  any
	errMsg string
}

func (f *frame) encode() ([]byte, error) {
	var parts []any
	switch f.kind {
	case frameCall:
		parts = []any{frameCall, f.id, f.method, f.args, f.kwargs}
	case frameEvent:
		parts = []any{frameEvent, f.method, f.args, f.kwargs}
	case frameReturn:
		parts = []any{frameReturn, f.id, f.value}
	case frameError:
		if f.hasID {
			parts = []any{frameError, f.id, f.errMsg}
		} else {
			parts = []any{frameError, nil, f.errMsg}
		}
	default:
		return nil, fmt.Errorf("unknown frame kind %q", f.kind)
	}
	return json.Marshal(parts)
}

func decodeFrame(data []byte) (*frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	f := &frame{}
	if err := json.Unmarshal(parts[0], &f.kind); err != nil {
		return nil, fmt.Errorf("malformed frame type: %w", err)
	}

	switch f.kind {
	case frameCall:
		if len(parts) != 5 {
			return nil, fmt.Errorf("call frame has %d elements, want 5", len(parts))
		}
		if err := json.Unmarshal(parts[1], &f.id); err != nil {
			return nil, fmt.Errorf("malformed call id: %w", err)
		}
		f.hasID = true
		if err := decodeRequest(parts[2], parts[3], parts[4], f); err != nil {
			return nil, err
		}
	case frameEvent:
		if len(parts) != 4 {
			return nil, fmt.Errorf("event frame has %d elements, want 4", len(parts))
		}
		if err := decodeRequest(parts[1], parts[2], parts[3], f); err != nil {
			return nil, err
		}
	case frameReturn:
		if len(parts) != 3 {
			return nil, fmt.Errorf("return frame has %d elements, want 3", len(parts))
		}
		if err := json.Unmarshal(parts[1], &f.id); err != nil {
			return nil, fmt.Errorf("malformed return id: %w", err)
		}
		f.hasID = true
		if err := json.Unmarshal(parts[2], &f.value); err != nil {
			return nil, fmt.Errorf("malformed return value: %w", err)
		}
	case frameError:
		if len(parts) != 3 {
			return nil, fmt.Errorf("error frame has %d elements, want 3", len(parts))
		}
		if string(parts[1]) != "null" {
			if err := json.Unmarshal(parts[1], &f.id); err != nil {
				return nil, fmt.Errorf("malformed error id: %w", err)
			}
			f.hasID = true
		}
		if err := json.Unmarshal(parts[2], &f.errMsg); err != nil {
			return nil, fmt.Errorf("malformed error message: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown frame type %q", f.kind)
	}
	return f, nil
}

func decodeRequest(method, args, kwargs json.RawMessage, f *frame) error {
	if err := json.Unmarshal(method, &f.method); err != nil {
		return fmt.Errorf("malformed method name: %w", err)
	}
	if err := json.Unmarshal(args, &f.args); err != nil {
		return fmt.Errorf("malformed argument list: %w", err)
	}
	if string(kwargs) != "null" {
		if err := json.Unmarshal(kwargs, &f.kwargs); err != nil {
			return fmt.Errorf("malformed keyword arguments: %w", err)
		}
	}
	return nil
}

// Int converts a decoded JSON value to an int. JSON numbers arrive as
// float64; only integral values convert.
func Int(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		i := int(n)
		if float64(i) != n {
			return 0, false
		}
		return i, true
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	return 0, false
}

// Str converts a decoded JSON value to a string.
func Str(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// OptStr converts a decoded JSON value that may be null to a string; null
// converts to "".
func OptStr(v any) (string, bool) {
	if v == nil {
		return "", true
	}
	return Str(v)
}
