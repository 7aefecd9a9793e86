package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// TraceIDHeader echoes the trace of an API request.
const TraceIDHeader = "X-Trace-ID"

// CarrierFromContext returns the trace context of ctx as a string map, for
// embedding in push update messages. It returns nil when ctx carries no
// trace.
func CarrierFromContext(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}

// ContextWithCarrier continues the trace stored in carrier.
func ContextWithCarrier(ctx context.Context, carrier map[string]string) context.Context {
	if len(carrier) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(carrier))
}

// HTTPMiddleware continues the caller's trace from the request headers and
// sets X-Trace-ID on the response.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		if id := TraceID(ctx); id != "" {
			w.Header().Set(TraceIDHeader, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
