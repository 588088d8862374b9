package event

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ailens/ailens-bridge/pkg/flow"
)

// ErrNoResponse is returned when a response event is requested for a flow
// whose response half has not been observed.
var ErrNoResponse = errors.New("flow has no response")

// Encoder converts flow halves into capture events. The process identity
// stamped on every event is resolved once at construction.
type Encoder struct {
	meta Metadata
	pid  int
	now  func() time.Time
}

// NewEncoder creates an encoder reporting the current process as the
// observing agent.
func NewEncoder() *Encoder {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}

	return &Encoder{
		meta: Metadata{
			Comm: filepath.Base(exe),
			Exe:  exe,
			UID:  os.Getuid(),
			PPID: os.Getppid(),
		},
		pid: os.Getpid(),
		now: time.Now,
	}
}

// EncodeRequest reconstructs the request half of f as an SslWrite event.
// The wire bytes are reproduced verbatim: start line, headers in source
// order and casing, blank line, body.
func (e *Encoder) EncodeRequest(f *flow.Flow) (*Event, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", f.Request.Method, f.Request.Path)
	writeHeaderBlock(&buf, f.Request.Headers)
	buf.Write(f.Request.Body)

	return e.newEvent(f, KindSslWrite, buf.Bytes()), nil
}

// EncodeResponse reconstructs the response half of f as an SslRead event.
func (e *Encoder) EncodeResponse(f *flow.Flow) (*Event, error) {
	if f.Response == nil {
		return nil, ErrNoResponse
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", f.Response.StatusCode, f.Response.Reason)
	writeHeaderBlock(&buf, f.Response.Headers)
	buf.Write(f.Response.Body)

	return e.newEvent(f, KindSslRead, buf.Bytes()), nil
}

func (e *Encoder) newEvent(f *flow.Flow, kind Kind, wire []byte) *Event {
	return &Event{
		ID:          f.EventID(),
		TimestampNS: e.now().UnixNano(),
		Kind:        kind,
		PID:         e.pid,
		TID:         nil,
		Data:        base64.StdEncoding.EncodeToString(wire),
		Metadata:    e.meta,
		RemoteHost:  f.Request.Host,
		RemotePort:  f.Request.Port,
	}
}

// writeHeaderBlock renders each header as "Name: Value" CRLF and terminates
// the block with a single blank line, also when there are no headers.
// Headers are passed through untouched; downstream parsers replay traffic
// byte-for-byte.
func writeHeaderBlock(buf *bytes.Buffer, headers []flow.Header) {
	for _, h := range headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
}
