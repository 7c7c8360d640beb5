package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName         = "ecb-maintenance/api"
	requestSpanName    = "board.http.request"
	requestEventName   = "board.request"
	requestEventDomain = "ecb-maintenance"
	metricsContextKey  = "board.request.metrics"
)

// requestMetrics collects per-request timings and outcome counters. Log emits them once as a
// span event and as an "observability.event" log line.
type requestMetrics struct {
	logger *log.Logger
	span   trace.Span
	method string
	route  string
	start  time.Time

	authDuration     time.Duration
	dispatchDuration time.Duration
	operator         string
	actions          int
	applied          int
	rejected         int
	duplicates       int
	version          uint64
	errorStage       string
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, method, route string) (*requestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, requestSpanName, trace.WithSpanKind(trace.SpanKindServer))
	return &requestMetrics{
		logger: logger,
		span:   span,
		method: method,
		route:  route,
		start:  time.Now(),
	}, spanCtx
}

// RequestMetrics wraps every request in a span and logs its observability event.
func RequestMetrics(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			m, ctx := newRequestMetrics(req.Context(), logger, req.Method, c.Path())
			c.SetRequest(req.WithContext(ctx))
			c.Set(metricsContextKey, m)

			err := next(c)
			status, logged := c.Response().Status, err
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
				if he.Code < http.StatusInternalServerError {
					logged = nil
				}
			}
			m.Log(status, logged)
			return err
		}
	}
}

// metricsFor returns the request's metrics, or a detached collector that is never logged.
func metricsFor(c echo.Context) *requestMetrics {
	if m, ok := c.Get(metricsContextKey).(*requestMetrics); ok {
		return m
	}
	return &requestMetrics{}
}

func (m *requestMetrics) ObserveAuth(d time.Duration)     { m.authDuration += d }
func (m *requestMetrics) ObserveDispatch(d time.Duration) { m.dispatchDuration += d }
func (m *requestMetrics) SetOperator(op string)           { m.operator = op }
func (m *requestMetrics) SetVersion(v uint64)             { m.version = v }

func (m *requestMetrics) CountActions(total, applied, rejected, duplicates int) {
	m.actions += total
	m.applied += applied
	m.rejected += rejected
	m.duplicates += duplicates
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

func (m *requestMetrics) attributes(status int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.String("http.method", m.method),
		attribute.Int("http.status_code", status),
		attribute.Float64("board.request.total_ms", durationToMillis(time.Since(m.start))),
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64("board.request.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.dispatchDuration > 0 {
		attrs = append(attrs, attribute.Float64("board.request.dispatch_ms", durationToMillis(m.dispatchDuration)))
	}
	if m.operator != "" {
		attrs = append(attrs, attribute.String("enduser.id", m.operator))
	}
	if m.actions > 0 {
		attrs = append(attrs,
			attribute.Int("board.request.actions", m.actions),
			attribute.Int("board.request.applied", m.applied),
			attribute.Int("board.request.rejected", m.rejected),
			attribute.Int("board.request.duplicates", m.duplicates),
		)
	}
	if m.version > 0 {
		attrs = append(attrs, attribute.Int64("board.version", int64(m.version)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("board.request.error_stage", m.errorStage))
	}
	return attrs
}

func (m *requestMetrics) Log(status int, err error) {
	if m == nil || m.span == nil {
		return
	}

	attrs := m.attributes(status)
	severityText, severityNumber := severityForStatus(status, err)

	eventAttrs := append([]attribute.KeyValue{
		attribute.String("event.name", requestEventName),
		attribute.String("event.domain", requestEventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
	}, attrs...)
	if err != nil {
		eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
	}

	m.span.SetAttributes(attrs...)
	m.span.AddEvent("observability.event", trace.WithAttributes(eventAttrs...))
	switch {
	case err != nil:
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	case status >= http.StatusInternalServerError:
		m.span.SetStatus(codes.Error, http.StatusText(status))
	default:
		m.span.SetStatus(codes.Ok, "")
	}
	sc := m.span.SpanContext()
	m.span.End()

	if m.logger == nil {
		return
	}
	logged := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		logged[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      requestEventName,
		"event.domain":    requestEventDomain,
		"attributes":      logged,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
	}
	if sc.HasSpanID() {
		fields["span_id"] = sc.SpanID().String()
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	entry := m.logger.WithFields(fields)
	switch severityText {
	case "ERROR":
		entry.Error("observability.event")
	case "WARN":
		entry.Warn("observability.event")
	default:
		entry.Info("observability.event")
	}
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
