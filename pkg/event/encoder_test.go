package event

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ailens/ailens-bridge/pkg/flow"
)

func testFlow() *flow.Flow {
	return &flow.Flow{
		ID: "flow-1",
		Request: flow.Request{
			Method: "POST",
			Path:   "/v1/chat/completions",
			Host:   "api.openai.com",
			Port:   443,
			Headers: []flow.Header{
				{Name: "Host", Value: "api.openai.com"},
				{Name: "Content-Type", Value: "application/json"},
				{Name: "X-Custom", Value: "a"},
				{Name: "X-Custom", Value: "b"},
			},
			Body: []byte(`{"model":"gpt-4"}`),
		},
		Response: &flow.Response{
			StatusCode: 200,
			Reason:     "OK",
			Headers: []flow.Header{
				{Name: "content-type", Value: "application/json"},
			},
			Body: []byte(`{"choices":[]}`),
		},
	}
}

func decodeData(t *testing.T, ev *Event) []byte {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(ev.Data)
	require.NoError(t, err)
	return raw
}

func TestEncodeRequest(t *testing.T) {
	enc := NewEncoder()
	f := testFlow()

	ev, err := enc.EncodeRequest(f)
	require.NoError(t, err)

	assert.Equal(t, KindSslWrite, ev.Kind)
	assert.Equal(t, "flow-1", ev.ID)
	assert.Equal(t, "api.openai.com", ev.RemoteHost)
	assert.Equal(t, 443, ev.RemotePort)
	assert.Equal(t, os.Getpid(), ev.PID)
	assert.Nil(t, ev.TID)
	assert.Equal(t, os.Getuid(), ev.Metadata.UID)
	assert.Equal(t, os.Getppid(), ev.Metadata.PPID)
	assert.Nil(t, ev.Metadata.FD)
	assert.NotEmpty(t, ev.Metadata.Comm)
	assert.NotEmpty(t, ev.Metadata.Exe)

	wire := decodeData(t, ev)
	expected := "POST /v1/chat/completions HTTP/1.1\r\n" +
		"Host: api.openai.com\r\n" +
		"Content-Type: application/json\r\n" +
		"X-Custom: a\r\n" +
		"X-Custom: b\r\n" +
		"\r\n" +
		`{"model":"gpt-4"}`
	assert.Equal(t, expected, string(wire), "header order, casing, and duplicates survive verbatim")
}

func TestEncodeResponse(t *testing.T) {
	enc := NewEncoder()
	f := testFlow()

	ev, err := enc.EncodeResponse(f)
	require.NoError(t, err)

	assert.Equal(t, KindSslRead, ev.Kind)

	wire := decodeData(t, ev)
	expected := "HTTP/1.1 200 OK\r\n" +
		"content-type: application/json\r\n" +
		"\r\n" +
		`{"choices":[]}`
	assert.Equal(t, expected, string(wire))
}

func TestEncodeResponseWithoutResponse(t *testing.T) {
	enc := NewEncoder()
	f := testFlow()
	f.Response = nil

	_, err := enc.EncodeResponse(f)
	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestEncodeBodySizes(t *testing.T) {
	enc := NewEncoder()

	cases := map[string][]byte{
		"empty": nil,
		"small": []byte("hello"),
		// Larger than a typical socket read buffer.
		"large": bytes.Repeat([]byte("x"), 256<<10),
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			f := testFlow()
			f.Request.Body = body

			ev, err := enc.EncodeRequest(f)
			require.NoError(t, err)

			wire := decodeData(t, ev)
			head, tail, found := bytes.Cut(wire, []byte("\r\n\r\n"))
			require.True(t, found, "wire bytes must contain a blank-line-terminated header block")
			assert.False(t, bytes.Contains(head, []byte("\r\n\r\n")))
			assert.True(t, bytes.Equal(body, tail), "body bytes pass through untruncated")
		})
	}
}

func TestEncodeTimestamp(t *testing.T) {
	enc := NewEncoder()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 42, time.UTC)
	enc.now = func() time.Time { return fixed }

	ev, err := enc.EncodeRequest(testFlow())
	require.NoError(t, err)
	assert.Equal(t, fixed.UnixNano(), ev.TimestampNS)
}

func TestEventJSONShape(t *testing.T) {
	enc := NewEncoder()
	ev, err := enc.EncodeRequest(testFlow())
	require.NoError(t, err)

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	for _, field := range []string{"id", "timestamp_ns", "kind", "pid", "tid", "data", "metadata", "remote_host", "remote_port"} {
		assert.Contains(t, decoded, field)
	}
	assert.Nil(t, decoded["tid"], "tid is always null from the bridge")

	meta, ok := decoded["metadata"].(map[string]any)
	require.True(t, ok)
	for _, field := range []string{"comm", "exe", "uid", "fd", "ppid"} {
		assert.Contains(t, meta, field)
	}
	assert.Nil(t, meta["fd"])
}

// For any header sequence and body, the reconstructed wire message is the
// start line, each header in order, one blank line, then the body bytes
// unchanged.
func TestEncodeRoundTripProperty(t *testing.T) {
	enc := NewEncoder()

	rapid.Check(t, func(t *rapid.T) {
		names := rapid.SliceOfN(rapid.StringMatching(`[A-Za-z][A-Za-z0-9-]{0,20}`), 0, 8).Draw(t, "names")
		headers := make([]flow.Header, len(names))
		for i, n := range names {
			headers[i] = flow.Header{
				Name:  n,
				Value: rapid.StringMatching(`[ -~]{0,40}`).Draw(t, "value"),
			}
		}
		body := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(t, "body")

		f := &flow.Flow{
			ID: "prop",
			Request: flow.Request{
				Method:  "GET",
				Path:    "/",
				Host:    "api.openai.com",
				Port:    443,
				Headers: headers,
				Body:    body,
			},
		}

		ev, err := enc.EncodeRequest(f)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		wire, err := base64.StdEncoding.DecodeString(ev.Data)
		if err != nil {
			t.Fatalf("data is not valid base64: %v", err)
		}

		var expected strings.Builder
		expected.WriteString("GET / HTTP/1.1\r\n")
		for _, h := range headers {
			expected.WriteString(h.Name + ": " + h.Value + "\r\n")
		}
		expected.WriteString("\r\n")
		expected.Write(body)

		if expected.String() != string(wire) {
			t.Fatalf("wire mismatch:\nwant %q\ngot  %q", expected.String(), wire)
		}
	})
}
