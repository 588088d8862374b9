// Package event defines the capture event schema emitted to the downstream
// sensor and the encoder that reconstructs HTTP/1.1 wire bytes from flows.
package event

// Kind tags the direction of a captured payload as seen by a
// traffic-interception probe.
type Kind string

const (
	// KindSslWrite marks outbound data, i.e. a request.
	KindSslWrite Kind = "SslWrite"

	// KindSslRead marks inbound data, i.e. a response.
	KindSslRead Kind = "SslRead"
)

// Metadata identifies the observing agent. The bridge always reports itself
// here, not the process that originated the traffic.
type Metadata struct {
	Comm string `json:"comm"`
	Exe  string `json:"exe"`
	UID  int    `json:"uid"`
	FD   *int   `json:"fd"`
	PPID int    `json:"ppid"`
}

// Event is one self-describing capture record. Events are serialized as a
// single JSON object per line; consumers treat unknown fields as
// forward-compatible and ignorable.
type Event struct {
	ID          string   `json:"id"`
	TimestampNS int64    `json:"timestamp_ns"`
	Kind        Kind     `json:"kind"`
	PID         int      `json:"pid"`
	TID         *int     `json:"tid"`
	Data        string   `json:"data"`
	Metadata    Metadata `json:"metadata"`
	RemoteHost  string   `json:"remote_host"`
	RemotePort  int      `json:"remote_port"`
	Provider    string   `json:"provider,omitempty"`
}
