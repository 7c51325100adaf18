package middleware

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	otelint "github.com/flowent/flowent/internal/otel"
)

// Opentelemetry traces incoming requests and feeds the request meters.
func Opentelemetry() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		instrumented := otelhttp.NewHandler(next, "request")
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			if otelint.RequestTotal != nil {
				otelint.RequestTotal.Add(r.Context(), 1)
			}
			instrumented.ServeHTTP(w, r)
			if otelint.RequestDuration != nil {
				otelint.RequestDuration.Record(r.Context(), float64(time.Since(start).Milliseconds()))
			}
		})
	}
}
