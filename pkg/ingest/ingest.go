// Package ingest accepts decrypted flow records from the interception layer
// as newline-delimited JSON, over a local socket or stdin, and dispatches
// them to the flow bridge callbacks.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/ailens/ailens-bridge/pkg/flow"
)

// Record kinds accepted on the ingest stream.
const (
	RecordKindRequest  = "request"
	RecordKindResponse = "response"
)

// maxRecordBytes bounds a single flow record line. Bodies ride inside the
// record, so lines can reach tens of megabytes.
const maxRecordBytes = 64 << 20

// Record is one interception callback on the wire.
type Record struct {
	Kind string    `json:"kind"`
	Flow flow.Flow `json:"flow"`
}

// Handler receives decoded flow callbacks. Implemented by bridge.FlowBridge.
type Handler interface {
	OnRequest(f *flow.Flow)
	OnResponse(f *flow.Flow)
}

// Listener accepts interception-layer connections on a unix socket and
// feeds their records to a Handler.
type Listener struct {
	path     string
	handler  Handler
	logger   *slog.Logger
	listener net.Listener
	wg       sync.WaitGroup

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	closing bool
}

// NewListener creates a listener bound to the unix socket at path. A stale
// socket file from a previous run is removed first.
func NewListener(path string, handler Handler, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}

	logger.Info("Flow ingest listening", "path", path)

	return &Listener{
		path:     path,
		handler:  handler,
		logger:   logger,
		listener: ln,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Serve accepts connections until ctx is cancelled or the listener closes.
// Cancellation also closes the accepted connections, so Serve returns even
// while a producer holds its end open.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.listener.Close()
		l.closeConns()
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.wg.Wait()
				return nil
			}
			return err
		}

		l.track(conn)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.untrack(conn)
			ReadRecords(conn, l.handler, l.logger)
		}()
	}
}

// track registers conn for shutdown. A conn that races the shutdown is
// closed on the spot so its reader loop terminates.
func (l *Listener) track(conn net.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing {
		_ = conn.Close()
		return
	}
	l.conns[conn] = struct{}{}
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, conn)
	_ = conn.Close()
}

func (l *Listener) closeConns() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closing = true
	for conn := range l.conns {
		_ = conn.Close()
	}
}

// Close shuts down the listener socket.
func (l *Listener) Close() error {
	return l.listener.Close()
}

// ReadRecords decodes flow records from r line by line until EOF,
// dispatching each to handler. Malformed lines are logged and skipped; a
// bad record must not take the ingest stream down.
func ReadRecords(r io.Reader, handler Handler, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxRecordBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			logger.Warn("Skipping malformed flow record", "error", err)
			continue
		}

		f := rec.Flow
		switch rec.Kind {
		case RecordKindRequest:
			handler.OnRequest(&f)
		case RecordKindResponse:
			handler.OnResponse(&f)
		default:
			logger.Warn("Skipping flow record with unknown kind", "kind", rec.Kind)
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Warn("Flow ingest stream error", "error", err)
	}
}
