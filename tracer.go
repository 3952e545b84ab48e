package main

import (
	"io"
	"net/http"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/rs/zerolog"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	"github.com/uber/jaeger-lib/metrics"
)

// InitTracer wires the global opentracing tracer to jaeger, configured from
// the standard JAEGER_* environment variables. Without an agent configured
// the sampler defaults keep this a no-op.
func InitTracer(service string, log zerolog.Logger) io.Closer {
	cfg, err := jaegercfg.FromEnv()

	if err != nil {
		log.Warn().Err(err).Msg("tracer config failed; tracing disabled")
		return nil
	}

	cfg.ServiceName = service

	tracer, closer, err := cfg.NewTracer(jaegercfg.Metrics(metrics.NullFactory))

	if err != nil {
		log.Warn().Err(err).Msg("tracer init failed; tracing disabled")
		return nil
	}

	opentracing.SetGlobalTracer(tracer)

	return closer
}

// TracingResponseWriter wraps the http.ResponseWriter type and stores a response code so it can be added to a trace
// after child handlers have processed the request.
type TracingResponseWriter struct {
	http.ResponseWriter
	code int
}

// Write implements http.ResponseWriter.
func (w *TracingResponseWriter) Write(b []byte) (int, error) {
	return w.ResponseWriter.Write(b)
}

// WriteHeader implements http.ResponseWriter and stores the HTTP response code.
func (w *TracingResponseWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Header implements http.ResponseWriter.
func (w *TracingResponseWriter) Header() http.Header {
	return w.ResponseWriter.Header()
}

// TraceHandler records a server span around an HTTP handler.
func TraceHandler(op string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tracer := opentracing.GlobalTracer()
		spanCtx, _ := tracer.Extract(opentracing.HTTPHeaders, opentracing.HTTPHeadersCarrier(r.Header))
		span := tracer.StartSpan(op, ext.RPCServerOption(spanCtx))
		ctx := opentracing.ContextWithSpan(r.Context(), span)
		defer span.Finish()

		ext.HTTPUrl.Set(span, r.URL.String())
		ext.HTTPMethod.Set(span, r.Method)
		ext.PeerAddress.Set(span, r.RemoteAddr)

		trw := &TracingResponseWriter{w, 200}

		handler.ServeHTTP(trw, r.WithContext(ctx))

		ext.HTTPStatusCode.Set(span, uint16(trw.code))
	})
}
