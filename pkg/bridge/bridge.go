// Package bridge wires host classification, event encoding, and delivery
// into the two callbacks invoked by the interception layer. Both callbacks
// absorb every internal failure: the traffic path being observed must never
// be destabilized by the bridge.
package bridge

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ailens/ailens-bridge/pkg/delivery"
	"github.com/ailens/ailens-bridge/pkg/event"
	"github.com/ailens/ailens-bridge/pkg/flow"
	"github.com/ailens/ailens-bridge/pkg/rules"
)

// ConnectedReporter is implemented by sinks that expose connection state,
// such as the socket sink.
type ConnectedReporter interface {
	Connected() bool
}

// FlowBridge forwards classified flows to the sensor. All dependencies are
// injected; the bridge holds no hidden global state.
type FlowBridge struct {
	classifier *rules.Classifier
	encoder    *event.Encoder
	sink       delivery.Sink
	logger     *slog.Logger
	metrics    *Metrics
	tracing    *TracingManager
}

// New creates a FlowBridge. metrics and tracing may be nil.
func New(classifier *rules.Classifier, encoder *event.Encoder, sink delivery.Sink, logger *slog.Logger, metrics *Metrics, tracing *TracingManager) *FlowBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &FlowBridge{
		classifier: classifier,
		encoder:    encoder,
		sink:       sink,
		logger:     logger,
		metrics:    metrics,
		tracing:    tracing,
	}
}

// OnRequest is invoked when the interception layer observes a decrypted
// request. Unclassified hosts are ignored; classified ones produce one
// SslWrite event.
func (b *FlowBridge) OnRequest(f *flow.Flow) {
	b.handle(f, event.KindSslWrite, b.encoder.EncodeRequest)
}

// OnResponse is invoked when the interception layer observes a decrypted
// response. The flow's request host decides classification; the response
// carries no independent host.
func (b *FlowBridge) OnResponse(f *flow.Flow) {
	b.handle(f, event.KindSslRead, b.encoder.EncodeResponse)
}

func (b *FlowBridge) handle(f *flow.Flow, kind event.Kind, encode func(*flow.Flow) (*event.Event, error)) {
	// Last line of defense: a panic here must not reach the interception
	// layer's event loop.
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Panic in flow callback", "kind", string(kind), "panic", r)
			if b.metrics != nil {
				b.metrics.RecordEventError(string(kind), "panic")
			}
		}
	}()

	if f == nil {
		return
	}

	host := f.Request.Host
	provider, matched := b.classifier.Provider(host)
	if b.metrics != nil {
		if matched {
			b.metrics.RecordClassification("match")
		} else {
			b.metrics.RecordClassification("miss")
		}
	}
	if !matched {
		return
	}

	start := time.Now()

	ctx, span := b.startSpan(context.Background(), kind, host)
	defer span()

	ev, err := encode(f)
	if err != nil {
		b.logger.Error("Failed to encode event",
			"kind", string(kind), "flow_id", f.ID, "host", host, "error", err)
		if b.metrics != nil {
			b.metrics.RecordEventError(string(kind), "encode")
		}
		if b.tracing != nil {
			b.tracing.RecordError(ctx, err)
		}
		return
	}
	ev.Provider = provider

	if err := b.sink.Send(ev); err != nil {
		b.logger.Warn("Failed to deliver event",
			"kind", string(kind), "event_id", ev.ID, "host", host, "error", err)
		if b.metrics != nil {
			b.metrics.RecordEventError(string(kind), "send")
		}
		if b.tracing != nil {
			b.tracing.RecordError(ctx, err)
		}
	} else {
		if b.metrics != nil {
			b.metrics.RecordEvent(string(kind), time.Since(start))
		}
		b.logger.Debug("Sent event", "kind", string(kind), "host", host, "event_id", ev.ID)
	}

	if b.metrics != nil {
		if cr, ok := b.sink.(ConnectedReporter); ok {
			b.metrics.SetSinkConnected(cr.Connected())
		}
	}
}

// startSpan opens a tracing span when tracing is enabled and returns the
// span-ending func.
func (b *FlowBridge) startSpan(ctx context.Context, kind event.Kind, host string) (context.Context, func()) {
	if b.tracing == nil {
		return ctx, func() {}
	}
	ctx, span := b.tracing.StartSpan(ctx, "emit_event",
		attribute.String("kind", string(kind)),
		attribute.String("remote_host", host),
	)
	return ctx, func() { span.End() }
}
