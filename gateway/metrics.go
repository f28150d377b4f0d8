package gateway

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName       = "boardsync/gateway"
	requestEventName = "gateway.request"
)

// requestMetrics collects per-request timings and emits them as one span and
// one structured observability event when the request settles.
type requestMetrics struct {
	logger         *log.Logger
	span           trace.Span
	method         string
	path           string
	start          time.Time
	encodeDuration time.Duration
	sendDuration   time.Duration
	decodeDuration time.Duration
}

func newRequestMetrics(ctx context.Context, method, path string, logger *log.Logger) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, requestEventName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", path),
		),
	)
	return &requestMetrics{
		logger: logger,
		span:   span,
		method: method,
		path:   path,
		start:  time.Now(),
	}, ctx
}

func (m *requestMetrics) ObserveEncode(d time.Duration) {
	if d > 0 {
		m.encodeDuration = d
	}
}

func (m *requestMetrics) ObserveSend(d time.Duration) {
	if d > 0 {
		m.sendDuration = d
	}
}

func (m *requestMetrics) ObserveDecode(d time.Duration) {
	if d > 0 {
		m.decodeDuration = d
	}
}

// Log finalizes the span and writes the observability event.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	total := time.Since(m.start)

	m.span.SetAttributes(attribute.Int("http.status_code", status))
	if err != nil {
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	m.span.End()

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":  requestEventName,
		"http.method": m.method,
		"http.route":  m.path,
		"status":      status,
		"total_ms":    durationToMillis(total),
	}
	if m.encodeDuration > 0 {
		fields["encode_ms"] = durationToMillis(m.encodeDuration)
	}
	if m.sendDuration > 0 {
		fields["send_ms"] = durationToMillis(m.sendDuration)
	}
	if m.decodeDuration > 0 {
		fields["decode_ms"] = durationToMillis(m.decodeDuration)
	}
	if err != nil {
		fields["error"] = err.Error()
		m.logger.WithFields(fields).Warn("observability.event")
		return
	}
	m.logger.WithFields(fields).Debug("observability.event")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
