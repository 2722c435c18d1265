// Package wire defines the JSON request/response frames exchanged with
// browser clients and the codec between them and Go values.
//
// Every frame, inbound or outbound, is a JSON object with exactly one
// top-level key naming the tag ("Open", "Read", "Error", ...) whose value
// is the tag's payload object.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Request is the decoded form of one inbound frame.
type Request struct {
	Tag          string
	Open         *OpenRequest
	Close        *CloseRequest
	List         *ListRequest
	WriteLock    *WriteLockRequest
	ReleaseLock  *ReleaseWriteLockRequest
	Write        *WriteRequest
}

type OpenRequest struct {
	Port string `json:"port"`
}

type CloseRequest struct {
	Port string `json:"port,omitempty"`
}

type ListRequest struct{}

type WriteLockRequest struct {
	Port string `json:"port"`
}

type ReleaseWriteLockRequest struct {
	Port string `json:"port,omitempty"`
}

type WriteRequest struct {
	Port   string `json:"port"`
	Data   string `json:"data"`
	Base64 *bool  `json:"base64,omitempty"`
}

// IsBase64 reports whether the payload is base64-encoded.
func (w *WriteRequest) IsBase64() bool {
	return w.Base64 != nil && *w.Base64
}

// DecodeRequest parses one inbound frame. A malformed frame, or one that
// does not name exactly one tag, is reported as an error (the caller turns that into a
// BadJson response). An unrecognized tag is not an error: it comes back as
// a *Request naming that tag with every payload field left nil, letting
// the caller's dispatch fall through to an UnknownRequest response.
func DecodeRequest(raw []byte) (*Request, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("malformed json: %w", err)
	}
	if len(envelope) != 1 {
		return nil, fmt.Errorf("expected exactly one tag, got %d", len(envelope))
	}

	for tag, payload := range envelope {
		req := &Request{Tag: tag}
		switch tag {
		case "Open":
			var p OpenRequest
			if err := unmarshalPayload(payload, &p); err != nil {
				return nil, err
			}
			req.Open = &p
		case "Close":
			var p CloseRequest
			if err := unmarshalPayload(payload, &p); err != nil {
				return nil, err
			}
			req.Close = &p
		case "List":
			var p ListRequest
			if err := unmarshalPayload(payload, &p); err != nil {
				return nil, err
			}
			req.List = &p
		case "WriteLock":
			var p WriteLockRequest
			if err := unmarshalPayload(payload, &p); err != nil {
				return nil, err
			}
			req.WriteLock = &p
		case "ReleaseWriteLock":
			var p ReleaseWriteLockRequest
			if err := unmarshalPayload(payload, &p); err != nil {
				return nil, err
			}
			req.ReleaseLock = &p
		case "Write":
			var p WriteRequest
			if err := unmarshalPayload(payload, &p); err != nil {
				return nil, err
			}
			req.Write = &p
		default:
			// An unrecognized tag is a well-formed frame, not a decode
			// failure: the caller's dispatch maps it to UnknownRequest. Only
			// genuinely malformed JSON or a multi-tag envelope is reported
			// as an error here.
		}
		return req, nil
	}
	panic("unreachable")
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}

// Response is anything that marshals to one of the outbound tag shapes.
// Each concrete response type below implements it by naming its own tag.
type Response interface {
	tag() string
}

type ReadResponse struct {
	Port   string `json:"port"`
	Data   string `json:"data"`
	Base64 bool   `json:"base64,omitempty"`
}

func (ReadResponse) tag() string { return "Read" }

// NewReadResponse builds a Read event from raw bytes off the wire. Valid
// UTF-8 is sent as plain text; anything else is base64-encoded with the
// base64 flag set, the same rule the original source applies when it
// can't parse a chunk into a UTF-8 string.
func NewReadResponse(port string, data []byte) ReadResponse {
	if utf8.Valid(data) {
		return ReadResponse{Port: port, Data: string(data)}
	}
	return ReadResponse{Port: port, Data: base64.StdEncoding.EncodeToString(data), Base64: true}
}

type ListResponse struct {
	Ports []string `json:"ports"`
}

func (ListResponse) tag() string { return "List" }

type OpenedResponse struct {
	Port string `json:"port"`
}

func (OpenedResponse) tag() string { return "Opened" }

type ClosedResponse struct {
	Port   string `json:"port"`
	Reason string `json:"reason,omitempty"`
}

func (ClosedResponse) tag() string { return "Closed" }

type WroteResponse struct {
	Port string `json:"port"`
	Size int    `json:"size"`
}

func (WroteResponse) tag() string { return "Wrote" }

type LockedResponse struct {
	Port string `json:"port"`
}

func (LockedResponse) tag() string { return "Locked" }

type UnlockedResponse struct {
	Port string `json:"port"`
}

func (UnlockedResponse) tag() string { return "Unlocked" }

type ErrorResponse struct {
	Request string `json:"request,omitempty"`
	Code    string `json:"code"`
	Detail  string `json:"detail,omitempty"`
}

func (ErrorResponse) tag() string { return "Error" }

// EncodeResponse marshals a Response into its single-tag envelope.
func EncodeResponse(r Response) ([]byte, error) {
	return json.Marshal(map[string]Response{r.tag(): r})
}
