package middleware

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"rewardpool/observability"
)

type ObservabilityConfig struct {
	ServiceName string
	LogRequests bool
}

// Observability traces each request, records the prometheus API metrics and
// counts calls on the OpenTelemetry meter.
type Observability struct {
	cfg     ObservabilityConfig
	logger  *slog.Logger
	tracer  trace.Tracer
	counter metric.Int64Counter
}

func NewObservability(cfg ObservabilityConfig, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "rewardsd"
	}
	counter, err := otel.Meter(cfg.ServiceName).Int64Counter("rewards.api.calls",
		metric.WithDescription("API calls handled by the rewards daemon."))
	if err != nil {
		logger.Warn("otel counter unavailable", slog.String("error", err.Error()))
	}
	return &Observability{
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer(cfg.ServiceName),
		counter: counter,
	}
}

// Tracer exposes the tracer so handlers can open child spans.
func (o *Observability) Tracer() trace.Tracer {
	return o.tracer
}

func (o *Observability) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, span := o.tracer.Start(r.Context(), route, trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
			))
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r.WithContext(ctx))
			span.SetAttributes(attribute.Int("http.status_code", recorder.status))
			span.End()

			duration := time.Since(start)
			observability.API().Observe(route, r.Method, recorder.status, duration)
			if o.counter != nil {
				o.counter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("route", route),
					attribute.Int("status", recorder.status),
				))
			}
			if o.cfg.LogRequests {
				o.logger.Info("request served",
					slog.String("method", r.Method),
					slog.String("route", route),
					slog.Int("status", recorder.status),
					slog.Duration("duration", duration))
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the underlying writer so websocket upgrades work
// behind the middleware.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}
