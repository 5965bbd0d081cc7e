package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned for lines that are not valid JSON.
	ErrMalformed = errors.New("malformed line")
	// ErrForeign is returned for valid JSON that does not carry a string "id", such as stray debug output.
	ErrForeign = errors.New("foreign line")
)

var null = []byte("null")

// EncodeRequest returns the wire form of a request, including the trailing newline.
func EncodeRequest(id string, event, context any) ([]byte, error) {
	return encodeLine(Request{ID: id, Event: event, Context: context})
}

// EncodeResponse returns the wire form of a response, including the trailing newline.
func EncodeResponse(id string, errPayload, value any) ([]byte, error) {
	return encodeLine(struct {
		ID    string `json:"id"`
		Error any    `json:"error"`
		Value any    `json:"value"`
	}{ID: id, Error: errPayload, Value: value})
}

// encodeLine marshals v and appends the terminator.
// json.Marshal escapes control characters inside strings and compacts raw messages,
// so the result holds exactly one newline.
func encodeLine(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return append(b, '\n'), nil
}

// DecodeResponse parses a line written by the worker.
func DecodeResponse(line []byte) (*Response, error) {
	fields, id, err := decodeEnvelope(line)
	if err != nil {
		return nil, err
	}
	resp := &Response{ID: id, Value: fields["value"]}
	if e := fields["error"]; len(e) > 0 && !bytes.Equal(e, null) {
		resp.Error = e
	}
	return resp, nil
}

// DecodeRequest parses a line written by the bridge, for use on the worker side.
func DecodeRequest(line []byte) (*IncomingRequest, error) {
	fields, id, err := decodeEnvelope(line)
	if err != nil {
		return nil, err
	}
	return &IncomingRequest{ID: id, Event: fields["event"], Context: fields["context"]}, nil
}

func decodeEnvelope(line []byte) (map[string]json.RawMessage, string, error) {
	if !json.Valid(line) {
		return nil, "", fmt.Errorf("%w: %q", ErrMalformed, truncate(line))
	}
	var fields map[string]json.RawMessage
	err := json.Unmarshal(line, &fields)
	if err != nil {
		// valid JSON, but not an object
		return nil, "", fmt.Errorf("%w: not an object", ErrForeign)
	}
	rawID, ok := fields["id"]
	if !ok {
		return nil, "", fmt.Errorf("%w: no id", ErrForeign)
	}
	var id string
	err = json.Unmarshal(rawID, &id)
	if err != nil || bytes.Equal(rawID, null) {
		return nil, "", fmt.Errorf("%w: id is not a string: %s", ErrForeign, truncate(rawID))
	}
	return fields, id, nil
}

func truncate(b []byte) []byte {
	if len(b) > 100 {
		return b[:100]
	}
	return b
}
