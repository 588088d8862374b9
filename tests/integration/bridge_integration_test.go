package integration

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ailens/ailens-bridge/pkg/bridge"
	"github.com/ailens/ailens-bridge/pkg/delivery"
	"github.com/ailens/ailens-bridge/pkg/event"
	"github.com/ailens/ailens-bridge/pkg/ingest"
	"github.com/ailens/ailens-bridge/pkg/rules"
)

// sensorStub accepts connections on a unix socket and collects the
// newline-delimited JSON events the bridge delivers.
type sensorStub struct {
	listener net.Listener

	mu     sync.Mutex
	events []event.Event
}

func newSensorStub(t *testing.T, path string) *sensorStub {
	t.Helper()

	ln, err := net.Listen("unix", path)
	require.NoError(t, err)

	s := &sensorStub{listener: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.read(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *sensorStub) read(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64<<10), 64<<20)
	for scanner.Scan() {
		var ev event.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		s.mu.Lock()
		s.events = append(s.events, ev)
		s.mu.Unlock()
	}
}

func (s *sensorStub) collected() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Event, len(s.events))
	copy(out, s.events)
	return out
}

// TestFlowPipeline drives the full path: flow records written to the ingest
// socket come out of the sensor socket as capture events, with unclassified
// hosts filtered along the way.
func TestFlowPipeline(t *testing.T) {
	dir := t.TempDir()
	logger := slog.Default()

	sensor := newSensorStub(t, filepath.Join(dir, "sensor.sock"))

	sink := delivery.NewSocketSink(filepath.Join(dir, "sensor.sock"), logger)
	defer sink.Close()

	classifier := rules.NewClassifier(rules.Load(logger, filepath.Join(dir, "absent.json")))
	fb := bridge.New(classifier, event.NewEncoder(), sink, logger, bridge.NewMetrics(), nil)

	ingestPath := filepath.Join(dir, "ingest.sock")
	listener, err := ingest.NewListener(ingestPath, fb, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveDone := make(chan error, 1)
	go func() { serveDone <- listener.Serve(ctx) }()

	conn, err := net.Dial("unix", ingestPath)
	require.NoError(t, err)

	records := []string{
		`{"kind": "request", "flow": {"id": "f1", "request": {"method": "POST", "path": "/v1/chat/completions", "host": "api.openai.com", "port": 443, "headers": [{"name": "Host", "value": "api.openai.com"}], "body": "eyJtb2RlbCI6ICJncHQtNCJ9"}}}`,
		`{"kind": "response", "flow": {"id": "f1", "request": {"host": "api.openai.com", "port": 443}, "response": {"status_code": 200, "reason": "OK", "headers": [{"name": "Content-Type", "value": "application/json"}], "body": "e30="}}}`,
		`{"kind": "request", "flow": {"id": "f2", "request": {"method": "GET", "path": "/", "host": "example.com", "port": 443}}}`,
	}
	for _, rec := range records {
		_, err = conn.Write([]byte(rec + "\n"))
		require.NoError(t, err)
	}
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return len(sensor.collected()) == 2
	}, 5*time.Second, 20*time.Millisecond)

	events := sensor.collected()

	write := events[0]
	assert.Equal(t, event.KindSslWrite, write.Kind)
	assert.Equal(t, "api.openai.com", write.RemoteHost)
	assert.Equal(t, 443, write.RemotePort)
	assert.Nil(t, write.TID)
	assert.LessOrEqual(t, len(write.ID), 32)

	wire, err := base64.StdEncoding.DecodeString(write.Data)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(wire), "POST /v1/chat/completions HTTP/1.1\r\n"))
	assert.True(t, strings.HasSuffix(string(wire), "\r\n\r\n"+`{"model": "gpt-4"}`))

	read := events[1]
	assert.Equal(t, event.KindSslRead, read.Kind)
	wire, err = base64.StdEncoding.DecodeString(read.Data)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(wire), "HTTP/1.1 200 OK\r\n"))

	// No event for example.com.
	for _, ev := range events {
		assert.NotEqual(t, "example.com", ev.RemoteHost)
	}

	cancel()
	require.NoError(t, <-serveDone)
}

// TestPipelineSensorOutage checks that a dead sensor never stalls ingest and
// that delivery resumes once the sensor returns.
func TestPipelineSensorOutage(t *testing.T) {
	dir := t.TempDir()
	logger := slog.Default()
	sensorPath := filepath.Join(dir, "sensor.sock")

	sink := delivery.NewSocketSink(sensorPath, logger)
	defer sink.Close()

	classifier := rules.NewClassifier(rules.Load(logger, filepath.Join(dir, "absent.json")))
	fb := bridge.New(classifier, event.NewEncoder(), sink, logger, nil, nil)

	// Sensor is down: records are consumed and dropped without blocking.
	rec := `{"kind": "request", "flow": {"id": "f1", "request": {"method": "GET", "path": "/v1/models", "host": "api.openai.com", "port": 443}}}` + "\n"
	done := make(chan struct{})
	go func() {
		ingest.ReadRecords(strings.NewReader(rec+rec+rec), fb, logger)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ingest stalled while sensor was down")
	}

	// Sensor comes back: the next record gets through.
	sensor := newSensorStub(t, sensorPath)
	require.Eventually(t, func() bool {
		ingest.ReadRecords(strings.NewReader(rec), fb, logger)
		return len(sensor.collected()) > 0
	}, 5*time.Second, 50*time.Millisecond)
}
