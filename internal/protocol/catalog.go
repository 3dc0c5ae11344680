package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

type typeTag struct {
	Type string `msgpack:"Type"`
}

// Decode peeks a frame's Type field and unmarshals it into the matching
// catalog struct. A frame with an empty or unrecognized Type decodes to
// *Unknown rather than failing, per spec §4.2 ("unknown tags log and are
// otherwise ignored").
func Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return &Unknown{Type: "", Raw: map[string]any{}}, nil
	}

	var tag typeTag
	if err := msgpack.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("decode frame type: %w", err)
	}

	switch tag.Type {
	case TypeAuth:
		var m Auth
		return &m, unmarshalInto(data, &m)
	case TypeAuthResp:
		var m AuthResp
		return &m, unmarshalInto(data, &m)
	case TypeReqTunnel:
		var m ReqTunnel
		return &m, unmarshalInto(data, &m)
	case TypeNewTunnel:
		var m NewTunnel
		return &m, unmarshalInto(data, &m)
	case TypeErrorResp:
		var m ErrorResp
		return &m, unmarshalInto(data, &m)
	case TypeReqProxy:
		var m ReqProxy
		return &m, unmarshalInto(data, &m)
	case TypeRegProxy:
		var m RegProxy
		return &m, unmarshalInto(data, &m)
	case TypeStartProxy:
		var m StartProxy
		return &m, unmarshalInto(data, &m)
	case TypeProxy:
		var m Proxy
		return &m, unmarshalInto(data, &m)
	case TypePing:
		var m Ping
		return &m, unmarshalInto(data, &m)
	case TypePong:
		var m Pong
		return &m, unmarshalInto(data, &m)
	case TypeHeartbeat:
		var m Heartbeat
		return &m, unmarshalInto(data, &m)
	default:
		var raw map[string]any
		if err := msgpack.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode unknown frame: %w", err)
		}
		return &Unknown{Type: tag.Type, Raw: raw}, nil
	}
}

func unmarshalInto(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

// DecodeHTTPRequest decodes a Proxy frame's embedded server->client HTTP
// request payload.
func DecodeHTTPRequest(data []byte) (*HTTPRequestFrame, error) {
	var f HTTPRequestFrame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode http request frame: %w", err)
	}
	return &f, nil
}

// EncodeHTTPResponse encodes a client->server HTTP response payload for
// embedding in a Proxy frame.
func EncodeHTTPResponse(f *HTTPResponseFrame) ([]byte, error) {
	data, err := msgpack.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode http response frame: %w", err)
	}
	return data, nil
}

// EncodeHTTPRequest encodes a server->client HTTP request payload for
// embedding in a Proxy frame. Used by tests and by any component acting as
// the gateway side of the wire for round-trip verification.
func EncodeHTTPRequest(f *HTTPRequestFrame) ([]byte, error) {
	data, err := msgpack.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode http request frame: %w", err)
	}
	return data, nil
}

// DecodeHTTPResponse decodes a Proxy frame's embedded client->server HTTP
// response payload.
func DecodeHTTPResponse(data []byte) (*HTTPResponseFrame, error) {
	var f HTTPResponseFrame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode http response frame: %w", err)
	}
	return &f, nil
}
