package delivery

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"sync"

	"github.com/ailens/ailens-bridge/pkg/event"
)

// FileSinkConfig configures a FileSink.
type FileSinkConfig struct {
	// Path of the JSONL output file.
	Path string

	// Append to an existing file instead of truncating it.
	Append bool

	// FlushEach flushes the buffered writer after every event.
	FlushEach bool
}

// FileSink appends newline-delimited event records to a local file.
type FileSink struct {
	cfg    FileSinkConfig
	logger *slog.Logger

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

// NewFileSink opens (or creates) the output file and returns the sink.
func NewFileSink(cfg FileSinkConfig, logger *slog.Logger) (*FileSink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	flags := os.O_CREATE | os.O_WRONLY
	if cfg.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	file, err := os.OpenFile(cfg.Path, flags, 0o644)
	if err != nil {
		return nil, err
	}

	logger.Info("Event file sink opened", "path", cfg.Path, "append", cfg.Append)

	return &FileSink{
		cfg:    cfg,
		logger: logger,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

// Send writes ev as one JSON line.
func (s *FileSink) Send(ev *event.Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.writer.Write(line); err != nil {
		return err
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return err
	}
	if s.cfg.FlushEach {
		return s.writer.Flush()
	}
	return nil
}

// Close flushes buffered records and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writer.Flush(); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}
