// File: internal/codec/codec_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package codec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRequestAppendsNewline(t *testing.T) {
	data, err := EncodeRequest(&Request{ID: 7, Method: "browser_navigate", Params: json.RawMessage(`{"url":"https://example.com"}`)})
	require.NoError(t, err)
	require.Equal(t, byte('\n'), data[len(data)-1])

	var back Request
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &back))
	assert.Equal(t, uint64(7), back.ID)
	assert.Equal(t, "browser_navigate", back.Method)
}

func TestDecodeReplyCorrelated(t *testing.T) {
	rep, err := DecodeReply([]byte(`{"id":42,"success":true,"result":{"ok":1}}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), rep.ID)
	assert.True(t, rep.Success)
	assert.False(t, rep.IsUnsolicited())
}

func TestDecodeReplyUnsolicited(t *testing.T) {
	rep, err := DecodeReply([]byte(`{"status":"ready"}`))
	require.NoError(t, err)
	assert.True(t, rep.IsUnsolicited())
	assert.Equal(t, "ready", rep.Status)

	rep, err = DecodeReply([]byte(`{"license_status":"expired","message":"license expired","hardware_fingerprint":"hw-1"}`))
	require.NoError(t, err)
	assert.True(t, rep.IsUnsolicited())
	assert.Equal(t, "expired", rep.LicenseStatus)
}

func TestDecodeReplyMalformed(t *testing.T) {
	_, err := DecodeReply([]byte(`{"id":`))
	assert.Error(t, err)
	_, err = DecodeReply([]byte("   "))
	assert.Error(t, err)
}

func TestEscapeJSONString(t *testing.T) {
	cases := map[string]string{
		`plain`:       `plain`,
		"quote\"back": `quote\"back`,
		"line\nfeed":  `line\nfeed`,
		"tab\there":   `tab\there`,
		"ctl\x01":     "ctl\\u0001",
		`back\slash`:  `back\\slash`,
	}
	for in, want := range cases {
		assert.Equal(t, want, EscapeJSONString(in), "input %q", in)
	}
}
