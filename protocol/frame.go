package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC version carried by every frame.
const Version = "2.0"

// wireFrame is the superset of fields any frame may carry.
type wireFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Call is a decoded client request. The set of implementations is closed:
// JoinCall, LeaveCall, SendCall, StatusCall and InvalidCall.
type Call interface {
	// RequestID returns the raw JSON-RPC id, or nil if none could be read.
	RequestID() json.RawMessage
	isCall()
}

type callID struct {
	ID json.RawMessage
}

func (c callID) RequestID() json.RawMessage { return c.ID }
func (callID) isCall()                      {}

// JoinCall is a decoded join request.
type JoinCall struct {
	callID
	Params JoinParams
}

// LeaveCall is a decoded leave request.
type LeaveCall struct {
	callID
	Params LeaveParams
}

// SendCall is a decoded send request.
type SendCall struct {
	callID
	Params SendParams
}

// StatusCall is a decoded status request.
type StatusCall struct {
	callID
	Params StatusParams
}

// InvalidCall is a frame that failed structural validation. Err always has
// code ProtocolError; ID is set when the frame carried a readable id.
type InvalidCall struct {
	callID
	Err *Error
}

func invalid(id json.RawMessage, format string, args ...any) *InvalidCall {
	return &InvalidCall{callID: callID{ID: id}, Err: Errorf(CodeProtocolError, format, args...)}
}

// DecodeCall parses one inbound frame. It never fails: malformed input is
// returned as *InvalidCall so the caller can answer it like any other call.
func DecodeCall(data []byte) Call {
	var f wireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return invalid(nil, "invalid JSON: %v", err)
	}
	id := validID(f.ID)
	if f.JSONRPC != Version {
		return invalid(id, "jsonrpc must be %q", Version)
	}
	if id == nil {
		return invalid(nil, "requests must carry a string or numeric id")
	}
	if f.Method == "" {
		return invalid(id, "missing method")
	}
	if f.Result != nil || f.Error != nil {
		return invalid(id, "clients may only send requests")
	}

	ids := callID{ID: id}
	switch f.Method {
	case MethodJoin:
		c := &JoinCall{callID: ids}
		if err := decodeParams(f.Params, &c.Params, true); err != nil {
			return invalid(id, "join: %v", err)
		}
		if err := c.Params.Validate(); err != nil {
			return invalid(id, "join: %v", err)
		}
		return c
	case MethodLeave:
		c := &LeaveCall{callID: ids}
		if err := decodeParams(f.Params, &c.Params, false); err != nil {
			return invalid(id, "leave: %v", err)
		}
		if c.Params.SessionID == "" {
			return invalid(id, "leave: missing session_id")
		}
		return c
	case MethodSend:
		c := &SendCall{callID: ids}
		if err := decodeParams(f.Params, &c.Params, false); err != nil {
			return invalid(id, "send: %v", err)
		}
		if c.Params.SessionID == "" {
			return invalid(id, "send: missing session_id")
		}
		if p := bytes.TrimSpace(c.Params.Payload); len(p) == 0 || bytes.Equal(p, []byte("null")) {
			return invalid(id, "send: missing payload")
		}
		if c.Params.Seq != nil && *c.Params.Seq == 0 {
			return invalid(id, "send: sequence numbers start at 1")
		}
		return c
	case MethodStatus:
		c := &StatusCall{callID: ids}
		if err := decodeParams(f.Params, &c.Params, false); err != nil {
			return invalid(id, "status: %v", err)
		}
		if c.Params.SessionID == "" {
			return invalid(id, "status: missing session_id")
		}
		return c
	default:
		return invalid(id, "unknown method %q", f.Method)
	}
}

// validID returns the id if it is a JSON string or number.
func validID(id json.RawMessage) json.RawMessage {
	id = bytes.TrimSpace(id)
	if len(id) == 0 {
		return nil
	}
	switch id[0] {
	case '"':
		var s string
		if json.Unmarshal(id, &s) != nil {
			return nil
		}
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if json.Unmarshal(id, &n) != nil {
			return nil
		}
	default:
		return nil
	}
	return id
}

func decodeParams(raw json.RawMessage, dst any, optional bool) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		if optional {
			return nil
		}
		return fmt.Errorf("missing params")
	}
	if raw[0] != '{' {
		return fmt.Errorf("params must be an object")
	}
	return json.Unmarshal(raw, dst)
}

// EncodeResult encodes a successful response.
func EncodeResult(id json.RawMessage, result any) ([]byte, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireFrame{JSONRPC: Version, ID: nullable(id), Result: raw})
}

// EncodeError encodes an error response. A missing id is encoded as null.
func EncodeError(id json.RawMessage, e *Error) []byte {
	if e == nil {
		e = ErrInternal
	}
	// wireFrame omits empty ids, so null is spelled out here.
	out, _ := json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Error   *Error          `json:"error"`
	}{Version, nullable(id), e})
	return out
}

// EncodeNotification encodes a server to client notification.
func EncodeNotification(method string, params any) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireFrame{JSONRPC: Version, Method: method, Params: raw})
}

// EncodeRequest encodes a client request.
func EncodeRequest(id json.RawMessage, method string, params any) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireFrame{JSONRPC: Version, ID: id, Method: method, Params: raw})
}

func nullable(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// ServerFrame is a decoded server frame: *Response or *Notification.
type ServerFrame interface {
	isServerFrame()
}

// Response answers one request.
type Response struct {
	ID     json.RawMessage
	Result json.RawMessage
	Error  *Error
}

func (*Response) isServerFrame() {}

// Notification is a server initiated frame without an id.
type Notification struct {
	Method string
	Params json.RawMessage
}

func (*Notification) isServerFrame() {}

// DecodeServerFrame parses a frame received from the relay.
func DecodeServerFrame(data []byte) (ServerFrame, error) {
	var f wireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if f.JSONRPC != Version {
		return nil, fmt.Errorf("unexpected jsonrpc version %q", f.JSONRPC)
	}
	if f.Method != "" {
		return &Notification{Method: f.Method, Params: f.Params}, nil
	}
	if f.Result == nil && f.Error == nil {
		return nil, fmt.Errorf("frame is neither a response nor a notification")
	}
	return &Response{ID: f.ID, Result: f.Result, Error: f.Error}, nil
}
