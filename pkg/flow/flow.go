// Package flow defines the immutable value types describing one observed
// HTTP transaction handed over by the interception layer.
package flow

import (
	"github.com/google/uuid"
)

// MaxIDLength bounds the flow identifier carried on emitted events.
const MaxIDLength = 32

// Header is a single header field. Flows carry headers as an ordered
// sequence so that duplicates and source ordering survive re-encoding.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Request is the decrypted request half of a flow.
type Request struct {
	Method  string   `json:"method"`
	Path    string   `json:"path"`
	Host    string   `json:"host"`
	Port    int      `json:"port"`
	Headers []Header `json:"headers"`
	Body    []byte   `json:"body,omitempty"`
}

// Response is the decrypted response half of a flow. It is nil until the
// interception layer observes the response callback.
type Response struct {
	StatusCode int      `json:"status_code"`
	Reason     string   `json:"reason"`
	Headers    []Header `json:"headers"`
	Body       []byte   `json:"body,omitempty"`
}

// Flow is one observed request/response transaction. The bridge treats it as
// read-only input; a flow surfaces as zero, one, or two events depending on
// which halves were observed.
type Flow struct {
	ID       string    `json:"id"`
	Request  Request   `json:"request"`
	Response *Response `json:"response,omitempty"`
}

// EventID returns the identifier to stamp on emitted events: the flow ID
// clamped to MaxIDLength, or a generated UUID when the interception layer
// supplied none.
func (f *Flow) EventID() string {
	id := f.ID
	if id == "" {
		id = uuid.NewString()
	}
	if len(id) > MaxIDLength {
		id = id[:MaxIDLength]
	}
	return id
}
