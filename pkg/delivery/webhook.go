package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ailens/ailens-bridge/pkg/event"
)

// WebhookSinkConfig configures a WebhookSink.
type WebhookSinkConfig struct {
	// URL receiving event batches as JSON arrays via POST.
	URL string

	// Headers added to every request, e.g. an authorization header.
	Headers map[string]string

	// Timeout bounds each HTTP request.
	Timeout time.Duration

	// MaxBatchSize flushes the batch when this many events are buffered.
	MaxBatchSize int

	// FlushInterval flushes a partial batch after this long.
	FlushInterval time.Duration

	// QueueSize bounds the ingress queue. Events beyond it are dropped.
	QueueSize int
}

func (c *WebhookSinkConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
}

// WebhookSink POSTs event batches to an HTTP endpoint. Sends are decoupled
// from the caller by a bounded queue; a full queue or a failed POST drops
// events rather than applying back-pressure to the interception path.
type WebhookSink struct {
	cfg    WebhookSinkConfig
	client *http.Client
	logger *slog.Logger

	queue  chan *event.Event
	stopCh chan struct{}
	done   sync.WaitGroup
	once   sync.Once
}

// NewWebhookSink creates the sink and starts its flush loop.
func NewWebhookSink(cfg WebhookSinkConfig, logger *slog.Logger) (*WebhookSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook sink requires a URL")
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	s := &WebhookSink{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		queue:  make(chan *event.Event, cfg.QueueSize),
		stopCh: make(chan struct{}),
	}

	s.done.Add(1)
	go s.flushLoop()

	return s, nil
}

// Send enqueues ev without blocking. A full queue drops the event.
func (s *WebhookSink) Send(ev *event.Event) error {
	select {
	case s.queue <- ev:
		return nil
	default:
		s.logger.Warn("Webhook queue full, dropping event", "event_id", ev.ID)
		return ErrQueueFull
	}
}

// Close flushes pending events and stops the flush loop.
func (s *WebhookSink) Close() error {
	s.once.Do(func() { close(s.stopCh) })
	s.done.Wait()
	return nil
}

func (s *WebhookSink) flushLoop() {
	defer s.done.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*event.Event, 0, s.cfg.MaxBatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.post(batch)
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-s.queue:
			batch = append(batch, ev)
			if len(batch) >= s.cfg.MaxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stopCh:
			// Drain what is already queued, then flush once.
			for {
				select {
				case ev := <-s.queue:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *WebhookSink) post(batch []*event.Event) {
	body, err := json.Marshal(batch)
	if err != nil {
		s.logger.Error("Failed to marshal webhook batch", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		s.logger.Error("Failed to build webhook request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("Webhook delivery failed, dropping batch",
			"url", s.cfg.URL, "events", len(batch), "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		s.logger.Warn("Webhook rejected batch",
			"url", s.cfg.URL, "events", len(batch), "status", resp.StatusCode)
	}
}
