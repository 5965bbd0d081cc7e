package protocol

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRequest(t *testing.T) {
	b, err := EncodeRequest("1", "login", map[string]string{"user": "a"})
	require.NoError(t, err)
	assert.Equal(t, `{"id":"1","event":"login","context":{"user":"a"}}`+"\n", string(b))
}

func TestEncodeRequestSingleTerminator(t *testing.T) {
	cases := []struct {
		name    string
		event   any
		context any
	}{
		{
			name:  "newline in string",
			event: "line one\nline two\r\n",
		},
		{
			name:    "raw message with whitespace",
			event:   json.RawMessage("{\n  \"path\": \"/\"\n}\n"),
			context: json.RawMessage("[1,\n2]"),
		},
		{
			name:  "nil payloads",
			event: nil,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b, err := EncodeRequest("7", c.event, c.context)
			require.NoError(t, err)
			assert.Equal(t, 1, bytes.Count(b, []byte("\n")))
			assert.True(t, bytes.HasSuffix(b, []byte("\n")))

			req, err := DecodeRequest(bytes.TrimSuffix(b, []byte("\n")))
			require.NoError(t, err)
			assert.Equal(t, "7", req.ID)
		})
	}
}

func TestEncodeRequestUnsupportedPayload(t *testing.T) {
	_, err := EncodeRequest("1", make(chan int), nil)
	assert.Error(t, err)
}

func TestDecodeResponse(t *testing.T) {
	cases := []struct {
		name     string
		line     string
		expErr   error
		expID    string
		expError string
		expValue string
	}{
		{
			name:     "success",
			line:     `{"id":"1","error":null,"value":{"ok":true}}`,
			expID:    "1",
			expValue: `{"ok":true}`,
		},
		{
			name:     "application error",
			line:     `{"id":"12","error":"boom","value":null}`,
			expID:    "12",
			expError: `"boom"`,
			expValue: `null`,
		},
		{
			name:     "missing error and extra fields",
			line:     `{"id":"2","value":"x","extra":1}`,
			expID:    "2",
			expValue: `"x"`,
		},
		{
			name:   "not JSON",
			line:   `panic: runtime error`,
			expErr: ErrMalformed,
		},
		{
			name:   "empty line",
			line:   ``,
			expErr: ErrMalformed,
		},
		{
			name:   "truncated JSON",
			line:   `{"id":"1","value":`,
			expErr: ErrMalformed,
		},
		{
			name:   "numeric id",
			line:   `{"id":1,"value":"x"}`,
			expErr: ErrForeign,
		},
		{
			name:   "null id",
			line:   `{"id":null,"value":"x"}`,
			expErr: ErrForeign,
		},
		{
			name:   "no id",
			line:   `{"level":"debug","msg":"hello"}`,
			expErr: ErrForeign,
		},
		{
			name:   "JSON string",
			line:   `"just a string"`,
			expErr: ErrForeign,
		},
		{
			name:   "JSON null",
			line:   `null`,
			expErr: ErrForeign,
		},
		{
			name:   "JSON array",
			line:   `[{"id":"1"}]`,
			expErr: ErrForeign,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp, err := DecodeResponse([]byte(c.line))
			if c.expErr != nil {
				assert.ErrorIs(t, err, c.expErr)
				assert.Nil(t, resp)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expID, resp.ID)
			if c.expError == "" {
				assert.Nil(t, resp.Error)
			} else {
				assert.Equal(t, c.expError, string(resp.Error))
			}
			if c.expValue == "" {
				assert.Nil(t, resp.Value)
			} else {
				assert.Equal(t, c.expValue, string(resp.Value))
			}
		})
	}
}

func TestEncodeResponse(t *testing.T) {
	b, err := EncodeResponse("3", nil, json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, `{"id":"3","error":null,"value":{"ok":true}}`+"\n", string(b))

	resp, err := DecodeResponse(bytes.TrimSuffix(b, []byte("\n")))
	require.NoError(t, err)
	assert.Nil(t, resp.Error)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Value))
}
