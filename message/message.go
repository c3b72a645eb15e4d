// Package message defines the JSON envelope exchanged between client and host.
//
// A Command travels client → host, a Response travels host → client. Both are
// serialized to UTF-8 JSON and wrapped in a protocol frame for transmission
// over TCP.
package message

import (
	"encoding/json"
	"fmt"
)

// Status values carried by Response.Status.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Wire error codes. These are machine-readable and stable; the accompanying
// Error text is for humans.
const (
	CodeUnknownCommand = "UNKNOWN_COMMAND"
	CodeParseError     = "PARSE_ERROR"
	CodeInternalError  = "INTERNAL_ERROR"
	CodeRateLimited    = "RATE_LIMITED"
	CodeTimeout        = "TIMEOUT"
)

// Command is a caller-issued request.
//
//   - ID is caller-assigned and must be unique among that caller's
//     outstanding commands; it is echoed verbatim in the Response.
//   - Type selects the handler.
//   - Parameters is an opaque structured value passed through unexamined;
//     absent parameters are treated as empty.
type Command struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// ParseCommand decodes raw JSON into a Command, enforcing the required
// fields. The bridge validates nothing beyond shape; parameter semantics
// belong to the handler.
func ParseCommand(raw []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("message: invalid command JSON: %w", err)
	}
	if cmd.ID == "" {
		return nil, fmt.Errorf("message: command missing required field %q", "id")
	}
	if cmd.Type == "" {
		return nil, fmt.Errorf("message: command missing required field %q", "type")
	}
	return &cmd, nil
}

// Response is the host's reply to a Command, or an unsolicited probe reply
// (in which case ID is empty and omitted on the wire).
//
// Success shape: {"id":..., "status":"success", "result":...}
// Error shape:   {"id":..., "status":"error", "error":"<message>",
// "code":"<ERROR_CODE>", "details":...}
type Response struct {
	ID      string `json:"id,omitempty"`
	Status  string `json:"status"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// NewSuccess builds a success Response echoing the originating Command id.
func NewSuccess(id string, result any) *Response {
	return &Response{ID: id, Status: StatusSuccess, Result: result}
}

// NewError builds an error Response. id may be empty when no correlation is
// possible (e.g. the command itself failed to parse). details may be nil.
func NewError(id, code, errMsg string, details any) *Response {
	return &Response{ID: id, Status: StatusError, Error: errMsg, Code: code, Details: details}
}

// Encode serializes the Response for framing.
func (r *Response) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// IsSuccess reports whether the response carries a result.
func (r *Response) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// DecodeResult unmarshals a success result into v. The result travels as an
// arbitrary JSON value, so it round-trips through json.Marshal.
func (r *Response) DecodeResult(v any) error {
	raw, err := json.Marshal(r.Result)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// ParseResponse decodes raw JSON into a Response.
func ParseResponse(raw []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("message: invalid response JSON: %w", err)
	}
	return &resp, nil
}
